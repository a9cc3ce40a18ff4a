package sqlinline

// Chunk arguments, in order: id, job_id, chunk_index, source_text,
// source_html, translated_text, translated_html, token_count, char_count,
// overlap_chars, status, error, retry_count, next_retry_at, started_at,
// completed_at, processing_layer, llm_model, llm_duration_ms, llm_stages,
// updated_at.

const QInsertTranslationChunk = `--sql 11dcdd46-3c31-4986-870a-02e4bc0e5a5b
insert into translation_chunks(
  id,
  job_id,
  chunk_index,
  source_text,
  source_html,
  translated_text,
  translated_html,
  token_count,
  char_count,
  overlap_chars,
  status,
  error,
  retry_count,
  next_retry_at,
  started_at,
  completed_at,
  processing_layer,
  llm_model,
  llm_duration_ms,
  llm_stages,
  updated_at
) values (
  $1::uuid,
  $2::uuid,
  $3::int,
  $4::text,
  $5::text,
  $6::text,
  $7::text,
  $8::int,
  $9::int,
  $10::int,
  $11::text,
  $12::text,
  $13::int,
  $14::timestamptz,
  $15::timestamptz,
  $16::timestamptz,
  $17::text,
  $18::text,
  $19::bigint,
  $20::jsonb,
  $21::timestamptz
);
`

const QSelectTranslationChunk = `--sql fc9da3da-2c8b-4782-a044-de8e60065d67
select
  id::text,
  job_id::text,
  chunk_index,
  source_text,
  source_html,
  translated_text,
  translated_html,
  token_count,
  char_count,
  overlap_chars,
  status,
  error,
  retry_count,
  next_retry_at,
  started_at,
  completed_at,
  processing_layer,
  llm_model,
  llm_duration_ms,
  llm_stages,
  updated_at
from translation_chunks
where id = $1::uuid;
`

const QSelectTranslationChunkForUpdate = `--sql 79492a5a-32dc-491e-b1e0-6caa3eb2985e
select
  id::text,
  job_id::text,
  chunk_index,
  source_text,
  source_html,
  translated_text,
  translated_html,
  token_count,
  char_count,
  overlap_chars,
  status,
  error,
  retry_count,
  next_retry_at,
  started_at,
  completed_at,
  processing_layer,
  llm_model,
  llm_duration_ms,
  llm_stages,
  updated_at
from translation_chunks
where id = $1::uuid
for update;
`

const QListTranslationChunks = `--sql 5f0f917c-eb73-4623-9ebd-7f8a22bbb74c
select
  id::text,
  job_id::text,
  chunk_index,
  source_text,
  source_html,
  translated_text,
  translated_html,
  token_count,
  char_count,
  overlap_chars,
  status,
  error,
  retry_count,
  next_retry_at,
  started_at,
  completed_at,
  processing_layer,
  llm_model,
  llm_duration_ms,
  llm_stages,
  updated_at
from translation_chunks
where job_id = $1::uuid
order by chunk_index asc;
`

const QUpdateTranslationChunk = `--sql 31540c08-0250-457c-a513-1a9c6bcf502e
update translation_chunks
set job_id = $2::uuid,
    chunk_index = $3::int,
    source_text = $4::text,
    source_html = $5::text,
    translated_text = $6::text,
    translated_html = $7::text,
    token_count = $8::int,
    char_count = $9::int,
    overlap_chars = $10::int,
    status = $11::text,
    error = $12::text,
    retry_count = $13::int,
    next_retry_at = $14::timestamptz,
    started_at = $15::timestamptz,
    completed_at = $16::timestamptz,
    processing_layer = $17::text,
    llm_model = $18::text,
    llm_duration_ms = $19::bigint,
    llm_stages = $20::jsonb,
    updated_at = $21::timestamptz
where id = $1::uuid;
`

// QClaimPendingChunks moves pending chunks of live jobs to translating, oldest
// job first. Rows locked by another claimer are skipped.
const QClaimPendingChunks = `--sql 6ab2b5c0-a43f-4a70-9750-10a980ebfec9
with next_chunks as (
    select c.id
    from translation_chunks c
    join translation_jobs j on j.id = c.job_id
    where c.status = 'pending'
      and not j.cancelled
    order by j.created_at asc, c.chunk_index asc
    for update of c skip locked
    limit $1::int
)
update translation_chunks c
set status = 'translating',
    started_at = $2::timestamptz,
    completed_at = null,
    updated_at = $2::timestamptz
from next_chunks
where c.id = next_chunks.id
returning
  c.id::text,
  c.job_id::text,
  c.chunk_index,
  c.source_text,
  c.source_html,
  c.translated_text,
  c.translated_html,
  c.token_count,
  c.char_count,
  c.overlap_chars,
  c.status,
  c.error,
  c.retry_count,
  c.next_retry_at,
  c.started_at,
  c.completed_at,
  c.processing_layer,
  c.llm_model,
  c.llm_duration_ms,
  c.llm_stages,
  c.updated_at;
`

const QDueRetryChunks = `--sql 379c7247-d4f1-4dd6-a9b5-e519ea80e930
select
  id::text,
  job_id::text,
  chunk_index,
  source_text,
  source_html,
  translated_text,
  translated_html,
  token_count,
  char_count,
  overlap_chars,
  status,
  error,
  retry_count,
  next_retry_at,
  started_at,
  completed_at,
  processing_layer,
  llm_model,
  llm_duration_ms,
  llm_stages,
  updated_at
from translation_chunks
where status = 'failed'
  and next_retry_at is not null
  and next_retry_at <= $1::timestamptz
  and not exists (
    select 1 from translation_jobs j
    where j.id = translation_chunks.job_id and j.cancelled
  )
order by next_retry_at asc
limit $2::int;
`
