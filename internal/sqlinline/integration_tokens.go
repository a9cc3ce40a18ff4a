package sqlinline

// Provider keys stored through jobctl. Environment keys take precedence
// at lookup time; these queries only see the table.

const QSelectProviderKey = `--sql ba45bc14-1ffe-4ef5-93d5-55bc56ce0151
select token
from integration_tokens
where provider = $1
limit 1;
`

const QUpsertProviderKey = `--sql 14cc1f07-425c-4542-ad39-f199d1978f01
insert into integration_tokens (provider, token)
values ($1, $2)
on conflict (provider) do update
set token = excluded.token,
    updated_at = now();
`

const QDeleteProviderKey = `--sql 59f8472a-c3ad-4666-84f3-ecc5c3c8e69e
delete from integration_tokens
where provider = $1;
`

const QListProviderKeys = `--sql b2e651ed-623d-453a-964d-71fda8733248
select provider, token
from integration_tokens
order by provider;
`

const QLiteSelectProviderKey = `--sql 09da115e-382a-4f06-a34e-e55ed594a705
select token
from integration_tokens
where provider = ?
limit 1;
`

const QLiteUpsertProviderKey = `--sql 3b1f6a2e-94c7-4d0e-8f35-6c2a7e19d4b8
insert into integration_tokens (id, provider, token)
values (?, ?, ?)
on conflict (provider) do update
set token = excluded.token,
    updated_at = current_timestamp;
`

const QLiteDeleteProviderKey = `--sql 53c06ad2-68c5-4b4c-b071-ca361dd9247b
delete from integration_tokens
where provider = ?;
`

const QLiteListProviderKeys = `--sql 46daa7c3-605b-4e9d-a425-45a17ceda61d
select provider, token
from integration_tokens
order by provider;
`
