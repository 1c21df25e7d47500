package redis

const (
	// saveStateScript replaces the whole state snapshot in one script
	// execution, so readers never observe a mixture of two ticks.
	saveStateScript = `
local meta_key = KEYS[1]      -- procmon:state:meta
local index_key = KEYS[2]     -- procmon:state:keys
local access_key = KEYS[3]    -- procmon:state:access

local prefix = ARGV[1]

-- Drop the previous snapshot
local old = redis.call('SMEMBERS', index_key)
for _, key in ipairs(old) do
  redis.call('DEL', key)
end
redis.call('DEL', index_key, access_key, meta_key)

redis.call('HSET', meta_key,
  'version', ARGV[2],
  'day', ARGV[3],
  'updated_at', ARGV[4]
)

local i = 5

-- Usage: user, scope, seconds
local n = tonumber(ARGV[i])
i = i + 1
for _ = 1, n do
  local key = prefix .. 'usage:' .. ARGV[i]
  redis.call('HSET', key, ARGV[i + 1], ARGV[i + 2])
  redis.call('SADD', index_key, key)
  i = i + 3
end

-- Fired warnings: user, scope, comma separated thresholds
n = tonumber(ARGV[i])
i = i + 1
for _ = 1, n do
  local key = prefix .. 'warnings:' .. ARGV[i]
  redis.call('HSET', key, ARGV[i + 1], ARGV[i + 2])
  redis.call('SADD', index_key, key)
  i = i + 3
end

-- Access records: user, json
n = tonumber(ARGV[i])
i = i + 1
for _ = 1, n do
  redis.call('HSET', access_key, ARGV[i], ARGV[i + 1])
  i = i + 2
end

return 'OK'
`
)
