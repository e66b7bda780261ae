package sqlinline

const QInsertGeneration = `--sql 7817c79c-6aee-4f8b-9969-f9bf2b7d81e6
insert into generations (id, parent_id, customer_handle, mode, status, vars, vars_version)
values ($1::uuid, nullif($2::text, '')::uuid, $3::text, $4::text, $5::text, $6::jsonb, $7::int)
returning created_at, updated_at;
`

const QSelectGeneration = `--sql 7ad46caf-3c39-40af-883c-49b95c508460
select id::text, coalesce(parent_id::text, ''), customer_handle, mode, status, vars,
       coalesce(output_url, ''), coalesce(prompt, ''), error, lines, created_at, updated_at
from generations
where id = $1::uuid;
`

// QTransitionGeneration only matches rows whose status is one of $3.
const QTransitionGeneration = `--sql 94d97fff-5e3c-4c42-83c2-8d842321a2ad
update generations
set status = $2::text, updated_at = now()
where id = $1::uuid
  and status = any($3::text[])
returning status;
`

const QSaveGenerationVars = `--sql bd67f0d2-b6b6-4711-ac0f-2c9d8f08c854
update generations
set vars = $2::jsonb, vars_version = $3::int, updated_at = now()
where id = $1::uuid
  and vars_version < $3::int;
`

const QCompleteGeneration = `--sql f0fb6fd0-152b-4aa1-a1c6-bc1cce2998a3
update generations
set status = 'done',
    output_url = $2::text,
    prompt = $3::text,
    vars = $4::jsonb,
    vars_version = $5::int,
    updated_at = now()
where id = $1::uuid
  and status = 'generating';
`

const QFailGeneration = `--sql 7a83c761-c90c-45ab-b39b-8e5b44eeffa7
update generations
set status = 'error',
    error = $2::jsonb,
    vars = case when $4::int > vars_version then $3::jsonb else vars end,
    vars_version = greatest(vars_version, $4::int),
    updated_at = now()
where id = $1::uuid
  and status in ('queued', 'prompting', 'generating');
`

const QInsertGenerationStep = `--sql c38c6eae-3377-4370-bf68-e913a5dc5422
insert into generation_steps (generation_id, seq, step_type, payload, started_at, finished_at)
values ($1::uuid, $2::int, $3::text, $4::jsonb, $5::timestamptz, $6::timestamptz);
`

const QAppendGenerationLine = `--sql 9d7d703d-7b4c-4244-81e6-a3d9d7e176c2
update generations
set lines = lines || jsonb_build_array($2::text)
where id = $1::uuid;
`

const QSelectStaleGenerations = `--sql 2cfd6f6e-7ec2-44f4-951a-7b037c285b22
select id::text, coalesce(parent_id::text, ''), customer_handle, mode, status, vars,
       coalesce(output_url, ''), coalesce(prompt, ''), error, lines, created_at, updated_at
from generations
where status in ('queued', 'prompting', 'generating')
  and updated_at < $1::timestamptz
order by updated_at asc
limit $2::int;
`

const QSelectCustomerGenerations = `--sql 16031a7e-932e-42e2-90e3-86a564440bf8
select id::text, coalesce(parent_id::text, ''), customer_handle, mode, status, vars,
       coalesce(output_url, ''), coalesce(prompt, ''), error, lines, created_at, updated_at
from generations
where customer_handle = $1::text
order by created_at desc
limit $2::int;
`
