package bus

import "github.com/redis/go-redis/v9"

// enqueueScript stores the job record and adds it to the ready or
// delayed set in one step. Delayed jobs park their priority score in
// the scores hash so promotion restores proper ready ordering.
//
// KEYS[1] job key, KEYS[2] ready zset, KEYS[3] delayed zset,
// KEYS[4] scores hash
// ARGV[1] job JSON, ARGV[2] job ID, ARGV[3] ready score,
// ARGV[4] delayed-until ms (0 = immediately ready)
var enqueueScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1])
if tonumber(ARGV[4]) > 0 then
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[2])
  redis.call('HSET', KEYS[4], ARGV[2], ARGV[3])
else
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
end
return 1
`)

// reserveScript promotes due delayed jobs into the ready set using
// their parked priority scores, then pops the highest-priority ready
// job into the active hash.
//
// KEYS[1] ready zset, KEYS[2] delayed zset, KEYS[3] active hash,
// KEYS[4] scores hash
// ARGV[1] now ms
var reserveScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
  local score = redis.call('HGET', KEYS[4], id)
  if not score then
    score = ARGV[1]
  end
  redis.call('ZADD', KEYS[1], score, id)
  redis.call('ZREM', KEYS[2], id)
  redis.call('HDEL', KEYS[4], id)
end

local popped = redis.call('ZPOPMIN', KEYS[1])
if popped[1] == nil then
  return false
end
redis.call('HSET', KEYS[3], popped[1], ARGV[1])
return popped[1]
`)

// retryScript reschedules a failed job: persists the updated record,
// moves it from the active hash into the delayed set and parks the
// ready score for promotion.
//
// KEYS[1] job key, KEYS[2] delayed zset, KEYS[3] active hash,
// KEYS[4] scores hash
// ARGV[1] job JSON, ARGV[2] job ID, ARGV[3] ready-at ms,
// ARGV[4] ready score
var retryScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
redis.call('HSET', KEYS[4], ARGV[2], ARGV[4])
return 1
`)

// deadLetterScript writes the DLQ entry and removes the job from the
// active queue in the same atomic step.
//
// KEYS[1] dlq zset, KEYS[2] dlq entry key, KEYS[3] active hash,
// KEYS[4] job key
// ARGV[1] entry JSON, ARGV[2] job ID, ARGV[3] now ms, ARGV[4] retention ms
var deadLetterScript = redis.NewScript(`
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[4])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[3] - tonumber(ARGV[4]))
redis.call('HDEL', KEYS[3], ARGV[2])
redis.call('DEL', KEYS[4])
return 1
`)

// completeScript removes a finished job from the active hash and
// deletes its record.
//
// KEYS[1] active hash, KEYS[2] job key
// ARGV[1] job ID
var completeScript = redis.NewScript(`
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)
