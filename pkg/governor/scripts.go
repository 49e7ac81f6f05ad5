package governor

import "github.com/redis/go-redis/v9"

// acquireScript atomically checks global/queue/account in-flight bounds
// and the sliding-window rate limit, then increments all counters on
// grant. Returns {granted, reason, retryAfterMs}.
//
// KEYS[1] global counter, KEYS[2] queue counter, KEYS[3] rate zset
// ARGV[1] account key ("" if none), ARGV[2] G, ARGV[3] Cq, ARGV[4] A,
// ARGV[5] rate max, ARGV[6] window ms, ARGV[7] now ms, ARGV[8] member
var acquireScript = redis.NewScript(`
local acctKey = ARGV[1]
local G = tonumber(ARGV[2])
local Cq = tonumber(ARGV[3])
local A = tonumber(ARGV[4])
local rateMax = tonumber(ARGV[5])
local windowMs = tonumber(ARGV[6])
local nowMs = tonumber(ARGV[7])
local member = ARGV[8]

local g = tonumber(redis.call('GET', KEYS[1]) or '0')
if g >= G then
  return {0, 'global', 0}
end

local q = tonumber(redis.call('GET', KEYS[2]) or '0')
if q >= Cq then
  return {0, 'queue', 0}
end

if acctKey ~= '' then
  local a = tonumber(redis.call('GET', acctKey) or '0')
  if a >= A then
    return {0, 'account', 0}
  end
end

redis.call('ZREMRANGEBYSCORE', KEYS[3], '-inf', nowMs - windowMs)
local inWindow = redis.call('ZCARD', KEYS[3])
if inWindow >= rateMax then
  local oldest = redis.call('ZRANGE', KEYS[3], 0, 0, 'WITHSCORES')
  local retryAfter = windowMs
  if oldest[2] then
    retryAfter = math.max(1, tonumber(oldest[2]) + windowMs - nowMs)
  end
  return {0, 'rate', retryAfter}
end

redis.call('INCR', KEYS[1])
redis.call('INCR', KEYS[2])
if acctKey ~= '' then
  redis.call('INCR', acctKey)
end
redis.call('ZADD', KEYS[3], nowMs, member)
redis.call('PEXPIRE', KEYS[3], windowMs * 2)

return {1, '', 0}
`)

// releaseScript decrements the in-flight counters, bounded at zero.
//
// KEYS[1] global counter, KEYS[2] queue counter
// ARGV[1] account key ("" if none)
var releaseScript = redis.NewScript(`
local function dec(key)
  local v = tonumber(redis.call('GET', key) or '0')
  if v > 0 then
    redis.call('DECR', key)
  end
end

dec(KEYS[1])
dec(KEYS[2])
if ARGV[1] ~= '' then
  dec(ARGV[1])
end
return 1
`)
