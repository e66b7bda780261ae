package sqlinline

const QSelectIntegrationToken = `--sql ddbab38e-ab65-479c-9ac6-9938bb1c12b0
select token
from integration_tokens
where provider = $1::text
limit 1;
`

const QUpsertIntegrationToken = `--sql ab772771-9f3e-4b5a-aa55-67a91c82e16e
insert into integration_tokens (provider, token, properties, updated_at)
values ($1::text, $2::text, coalesce($3::jsonb, '{}'::jsonb), now())
on conflict (provider) do update set
    token = excluded.token,
    properties = excluded.properties,
    updated_at = now();
`

const QListIntegrationProviders = `--sql 5419564b-a5d9-44c0-9dee-9385e4fe6a4a
select provider, updated_at
from integration_tokens
order by provider asc;
`
