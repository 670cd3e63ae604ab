package redis

import "github.com/redis/go-redis/v9"

var (
	// getOrCreateTokenScript registers a token unless it already exists.
	// Returns 1 when the token was created.
	getOrCreateTokenScript = redis.NewScript(`
local token_key = KEYS[1]     -- kspeaker:token:{id}
local tokens_set = KEYS[2]    -- kspeaker:tokens

local id = ARGV[1]
local name = ARGV[2]
local now = ARGV[3]

if redis.call('EXISTS', token_key) == 1 then
  return 0
end

redis.call('HSET', token_key,
  'id', id,
  'name', name,
  'track_ref', '',
  'track_name', '',
  'created_at', now,
  'updated_at', now
)
redis.call('SADD', tokens_set, id)

return 1
`)

	// updateTokenScript sets fields on an existing token only.
	// Returns 0 when the token does not exist.
	updateTokenScript = redis.NewScript(`
local token_key = KEYS[1]     -- kspeaker:token:{id}

if redis.call('EXISTS', token_key) == 0 then
  return 0
end

for i = 1, #ARGV, 2 do
  redis.call('HSET', token_key, ARGV[i], ARGV[i + 1])
end

return 1
`)

	// addRecordingScript stores a recording and indexes it by time
	addRecordingScript = redis.NewScript(`
local rec_key = KEYS[1]       -- kspeaker:recording:{id}
local all_index = KEYS[2]     -- kspeaker:recordings
local token_index = KEYS[3]   -- kspeaker:recordings:token:{tokenID}

local id = ARGV[1]
local score = tonumber(ARGV[2])

for i = 3, #ARGV, 2 do
  redis.call('HSET', rec_key, ARGV[i], ARGV[i + 1])
end

redis.call('ZADD', all_index, score, id)
redis.call('ZADD', token_index, score, id)

return 'OK'
`)

	// incrementDailyUsageScript atomically increments or creates daily usage
	incrementDailyUsageScript = redis.NewScript(`
local usage_key = KEYS[1]     -- kspeaker:usage:daily:{date}
local index_key = KEYS[2]     -- kspeaker:usage:daily:index

local date = ARGV[1]
local seconds = tonumber(ARGV[2])

if redis.call('EXISTS', usage_key) == 0 then
  redis.call('HSET', usage_key,
    'date', date,
    'total_seconds', seconds
  )
  redis.call('SADD', index_key, date)
else
  redis.call('HINCRBY', usage_key, 'total_seconds', seconds)
end

return redis.call('HGET', usage_key, 'total_seconds')
`)
)
