package runstate

import "github.com/redis/go-redis/v9"

// initScript creates the hash only if absent and indexes it.
// KEYS: run hash, org index, campaign index. ARGV: run id, org id, campaign id, status, now.
var initScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'org_id', ARGV[2],
  'campaign_id', ARGV[3],
  'status', ARGV[4],
  'total_calls', '0',
  'completed_calls', '0',
  'failed_calls', '0',
  'active_calls', '0',
  'pending_calls', '0',
  'last_updated', ARGV[5])
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
return 1
`)

// applyScript adds signed deltas to counters, clamping at zero, optionally
// overrides status and always refreshes last_updated. Returns nil when the run
// does not exist, otherwise {previous status, comma-separated clamped fields}.
// KEYS: run hash. ARGV: now, status override or '', then field/delta pairs.
var applyScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
local prev = redis.call('HGET', KEYS[1], 'status') or ''
local clamped = {}
for i = 3, #ARGV, 2 do
  local field = ARGV[i]
  local current = tonumber(redis.call('HGET', KEYS[1], field) or '0')
  local updated = current + tonumber(ARGV[i + 1])
  if updated < 0 then
    updated = 0
    table.insert(clamped, field)
  end
  redis.call('HSET', KEYS[1], field, tostring(updated))
end
if ARGV[2] ~= '' then
  redis.call('HSET', KEYS[1], 'status', ARGV[2])
end
redis.call('HSET', KEYS[1], 'last_updated', ARGV[1])
return {prev, table.concat(clamped, ',')}
`)

// completeScript transitions a non-terminal run to COMPLETED when every
// dispatched call has settled. Returns nil when absent, the previous status on
// transition, and an empty string otherwise.
// KEYS: run hash. ARGV: now.
var completeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
local status = redis.call('HGET', KEYS[1], 'status') or ''
if status == 'COMPLETED' or status == 'FAILED' then
  return ''
end
local function counter(name)
  return tonumber(redis.call('HGET', KEYS[1], name) or '0')
end
local total = counter('total_calls')
local completed = counter('completed_calls')
local failed = counter('failed_calls')
local active = counter('active_calls')
local pending = counter('pending_calls')
if active == 0 and pending == 0 and total > 0 and completed + failed == total then
  redis.call('HSET', KEYS[1], 'status', 'COMPLETED', 'last_updated', ARGV[1])
  return status
end
return ''
`)

// transitionScript sets the status only when the current status is one of the
// allowed ones and, if required, no calls are active. Returns nil when absent,
// otherwise {1 or 0 for applied, previous status, active calls}.
// KEYS: run hash. ARGV: now, target status, '1' to require idle, allowed statuses...
var transitionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
local status = redis.call('HGET', KEYS[1], 'status') or ''
local active = tonumber(redis.call('HGET', KEYS[1], 'active_calls') or '0')
local allowed = false
for i = 4, #ARGV do
  if ARGV[i] == status then
    allowed = true
  end
end
if not allowed or (ARGV[3] == '1' and active > 0) then
  return {0, status, active}
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'last_updated', ARGV[1])
return {1, status, active}
`)
