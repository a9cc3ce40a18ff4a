package sqlinline

// Job arguments, in order: id, filename, source_language, target_language,
// api_provider, output_format, source_format, status, total_chunks,
// completed_chunks, failed_chunks, declared_length, cancelled, error_message,
// source_key, output_key, provider_config, enhancement, chunked_at,
// created_at, updated_at.

const QInsertTranslationJob = `--sql cae68b7e-2eec-41c3-b601-5f21d0b70d82
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
) values (
  $1::uuid,
  $2::text,
  $3::text,
  $4::text,
  $5::text,
  $6::text,
  $7::text,
  $8::text,
  $9::int,
  $10::int,
  $11::int,
  $12::int,
  $13::boolean,
  $14::text,
  $15::text,
  $16::text,
  $17::jsonb,
  $18::jsonb,
  $19::timestamptz,
  $20::timestamptz,
  $21::timestamptz
);
`

const QSelectTranslationJob = `--sql 8ec8642b-d1ab-4758-a385-b24f70996034
select
  id::text,
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
where id = $1::uuid;
`

const QSelectTranslationJobForUpdate = `--sql 787ab925-bc62-44eb-8f33-76d4a43504aa
select
  id::text,
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
where id = $1::uuid
for update;
`

const QListTranslationJobs = `--sql a25a7077-f114-4357-9310-cde0d9eae004
select
  id::text,
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

const QUpdateTranslationJob = `--sql d249a496-6b17-4e04-b18b-a8a97b029c89
update translation_jobs
set filename = $2::text,
    source_language = $3::text,
    target_language = $4::text,
    api_provider = $5::text,
    output_format = $6::text,
    source_format = $7::text,
    status = $8::text,
    total_chunks = $9::int,
    completed_chunks = $10::int,
    failed_chunks = $11::int,
    declared_length = $12::int,
    cancelled = $13::boolean,
    error_message = $14::text,
    source_key = $15::text,
    output_key = $16::text,
    provider_config = $17::jsonb,
    enhancement = $18::jsonb,
    chunked_at = $19::timestamptz,
    created_at = $20::timestamptz,
    updated_at = $21::timestamptz
where id = $1::uuid;
`

const QDeleteTranslationJob = `--sql 591daf08-1bb9-489c-a78f-d61bcced6dc3
delete from translation_jobs
where id = $1::uuid;
`
