package sqlinline

// SQLite statements take the same argument order as their Postgres
// counterparts. The marker line is an ordinary SQL comment to SQLite.

const QLiteInsertTranslationJob = `--sql b7f74cc7-e1f9-4128-9211-36479f734c2f
insert into translation_jobs(
  id,
  filename,
  source_language,
  target_language,
  api_provider,
  output_format,
  source_format,
  status,
  total_chunks,
  completed_chunks,
  failed_chunks,
  declared_length,
  cancelled,
  error_message,
  source_key,
  output_key,
  provider_config,
  enhancement,
  chunked_at,
  created_at,
  updated_at
) values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`

const QLiteSelectTranslationJob = `--sql c4b48c73-93d5-46f9-a807-9b1accb87f51
select
  id,
  filename,
  source_language,
  target_language,
  api_provider,
  output_format,
  source_format,
  status,
  total_chunks,
  completed_chunks,
  failed_chunks,
  declared_length,
  cancelled,
  error_message,
  source_key,
  output_key,
  provider_config,
  enhancement,
  chunked_at,
  created_at,
  updated_at
from translation_jobs
where id = ?;
`

const QLiteListTranslationJobs = `--sql 22c3e013-bff4-4fca-a712-4ea435b65802
select
  id,
  filename,
  source_language,
  target_language,
  api_provider,
  output_format,
  source_format,
  status,
  total_chunks,
  completed_chunks,
  failed_chunks,
  declared_length,
  cancelled,
  error_message,
  source_key,
  output_key,
  provider_config,
  enhancement,
  chunked_at,
  created_at,
  updated_at
from translation_jobs
order by created_at desc, id;
`

const QLiteUpdateTranslationJob = `--sql f120b72f-6e9d-4040-9155-fd9e0975561f
update translation_jobs
set filename = ?2,
    source_language = ?3,
    target_language = ?4,
    api_provider = ?5,
    output_format = ?6,
    source_format = ?7,
    status = ?8,
    total_chunks = ?9,
    completed_chunks = ?10,
    failed_chunks = ?11,
    declared_length = ?12,
    cancelled = ?13,
    error_message = ?14,
    source_key = ?15,
    output_key = ?16,
    provider_config = ?17,
    enhancement = ?18,
    chunked_at = ?19,
    created_at = ?20,
    updated_at = ?21
where id = ?1;
`

const QLiteDeleteTranslationJob = `--sql 2d0a7b35-6206-4b41-81ff-968556b6874b
delete from translation_jobs
where id = ?;
`

const QLiteInsertTranslationChunk = `--sql d643adfa-7e9e-46f1-925a-938ab917792e
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
) values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`

const QLiteSelectTranslationChunk = `--sql 533eedd3-78ee-423b-b70d-3b43dc128baf
select
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
from translation_chunks
where id = ?;
`

const QLiteListTranslationChunks = `--sql 0b111fe5-0569-4dfc-af32-3d904d6aca5d
select
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
from translation_chunks
where job_id = ?
order by chunk_index asc;
`

const QLiteUpdateTranslationChunk = `--sql 343c24cd-c0cc-4798-a042-ca805a552852
update translation_chunks
set job_id = ?2,
    chunk_index = ?3,
    source_text = ?4,
    source_html = ?5,
    translated_text = ?6,
    translated_html = ?7,
    token_count = ?8,
    char_count = ?9,
    overlap_chars = ?10,
    status = ?11,
    error = ?12,
    retry_count = ?13,
    next_retry_at = ?14,
    started_at = ?15,
    completed_at = ?16,
    processing_layer = ?17,
    llm_model = ?18,
    llm_duration_ms = ?19,
    llm_stages = ?20,
    updated_at = ?21
where id = ?1;
`

const QLiteSelectClaimableChunkIDs = `--sql 99c51bed-16dd-4c52-8b64-2a95cbf86cb5
select c.id
from translation_chunks c
join translation_jobs j on j.id = c.job_id
where c.status = 'pending'
  and j.cancelled = 0
order by j.created_at asc, c.chunk_index asc
limit ?1;
`

const QLiteMarkChunkTranslating = `--sql 89e6b5ca-663e-4c45-ac49-624bff389918
update translation_chunks
set status = 'translating',
    started_at = ?2,
    completed_at = null,
    updated_at = ?2
where id = ?1
  and status = 'pending';
`

const QLiteDueRetryChunks = `--sql 88a38acd-6bc0-45d3-98b8-666091ff89ba
select
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
from translation_chunks
where status = 'failed'
  and next_retry_at is not null
  and next_retry_at <= ?1
  and not exists (
    select 1 from translation_jobs j
    where j.id = translation_chunks.job_id and j.cancelled = 1
  )
order by next_retry_at asc
limit ?2;
`
