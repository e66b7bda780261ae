package sqlinline

const QEnsureAccount = `--sql 9728c15c-7a82-4f39-948b-0ab79be6e25b
with inserted as (
    insert into customer_accounts (handle)
    values ($1::text)
    on conflict (handle) do nothing
    returning handle, balance, expires_at, preferences, created_at, updated_at
)
select handle, balance, expires_at, preferences, created_at, updated_at from inserted
union all
select handle, balance, expires_at, preferences, created_at, updated_at
from customer_accounts
where handle = $1::text
limit 1;
`

// QClaimLedgerEntry returns no row when the (ref_type, ref_id) slot is taken.
const QClaimLedgerEntry = `--sql 63b824cd-610a-4e96-82ee-f6701e51d25c
insert into credit_ledger (customer_handle, delta, reason, source, ref_type, ref_id, status, meta)
values ($1::text, $2::bigint, $3::text, $4::text, $5::text, $6::text, 'pending', coalesce($7::jsonb, '{}'::jsonb))
on conflict (ref_type, ref_id) do nothing
returning id;
`

const QSelectLedgerEntryByRef = `--sql b390270c-325c-454d-bd5e-32076b95a4d6
select id, customer_handle, delta, reason, source, ref_type, ref_id, status,
       coalesce(balance_before, 0), coalesce(balance_after, 0), meta, created_at
from credit_ledger
where ref_type = $1::text and ref_id = $2::text
limit 1;
`

const QFinishLedgerEntry = `--sql acf3163c-25dd-4136-b437-d77e0d4edb95
update credit_ledger
set status = $2::text,
    balance_before = $3::bigint,
    balance_after = $4::bigint
where id = $1::bigint;
`

const QAppendLedgerEntry = `--sql 79bb25b4-a56e-4d85-8205-dfbc7d6053a7
insert into credit_ledger (customer_handle, delta, reason, source, status, balance_before, balance_after, meta)
values ($1::text, $2::bigint, $3::text, $4::text, 'succeeded', $5::bigint, $6::bigint, coalesce($7::jsonb, '{}'::jsonb));
`

const QApplyBalanceDelta = `--sql 278f334a-f01b-4cb3-9866-0a57d76d7334
update customer_accounts a
set balance = greatest(0, a.balance + $2::bigint),
    expires_at = case
        when $3::timestamptz is null then a.expires_at
        else greatest(coalesce(a.expires_at, $3::timestamptz), $3::timestamptz)
    end,
    updated_at = now()
from (
    select handle, balance
    from customer_accounts
    where handle = $1::text
    for update
) prev
where a.handle = prev.handle
returning prev.balance, a.balance;
`

// QClaimPreference returns no row when preferences[$2] already equals $3.
const QClaimPreference = `--sql 836c8659-be9e-41f6-8ab2-23a7c46c0248
update customer_accounts
set preferences = jsonb_set(preferences, array[$2::text], to_jsonb($3::text), true),
    updated_at = now()
where handle = $1::text
  and coalesce(preferences ->> $2::text, '') <> $3::text
returning handle;
`

const QReleasePreference = `--sql 3f0c9a7e-58d2-4b61-9e4a-c2d17b80f5a3
update customer_accounts
set preferences = preferences - $2::text,
    updated_at = now()
where handle = $1::text
  and preferences ->> $2::text = $3::text;
`

const QIncrementPreferenceCounter = `--sql eb767aa5-ff35-486b-b0bc-ff2d7619d0e3
update customer_accounts
set preferences = jsonb_set(
        preferences,
        array[$2::text],
        to_jsonb(coalesce((preferences ->> $2::text)::int, 0) + 1),
        true),
    updated_at = now()
where handle = $1::text
returning (preferences ->> $2::text)::int;
`
