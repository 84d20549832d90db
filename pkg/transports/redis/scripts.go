package redis

import goredis "github.com/go-redis/redis/v8"

// Pending scores combine inverted priority and sequence so a plain
// ascending range walks highest priority first, oldest first within a
// priority. Sequence numbers stay far below 1e12, so the two parts never
// collide within float precision.

// KEYS[1] -> seq counter
// KEYS[2] -> pending zset
// KEYS[3] -> scheduled zset
// ARGV[1] -> message key prefix
// ARGV[2] -> body
// ARGV[3] -> priority (0-255)
// ARGV[4] -> eta in unix milliseconds (0 for immediate)
// ARGV[5] -> now in unix milliseconds
var publishCmd = goredis.NewScript(`
local seq = redis.call("INCR", KEYS[1])
redis.call("HSET", ARGV[1] .. seq, "body", ARGV[2], "prio", ARGV[3])
local eta = tonumber(ARGV[4])
if eta > tonumber(ARGV[5]) then
	redis.call("ZADD", KEYS[3], eta, seq)
else
	local score = (255 - tonumber(ARGV[3])) * 1e12 + seq
	redis.call("ZADD", KEYS[2], score, seq)
end
return seq
`)

// KEYS[1] -> pending zset
// KEYS[2] -> scheduled zset
// KEYS[3] -> lease zset
// ARGV[1] -> message key prefix
// ARGV[2] -> now in unix milliseconds
// ARGV[3] -> max deliveries
// ARGV[4] -> lease deadline in unix milliseconds
//
// Moves due scheduled members and expired leases back into pending, then
// takes up to max pending members into the lease set. Returns a flat
// array of sequence, body pairs.
var fetchCmd = goredis.NewScript(`
local function promote(seq)
	local prio = redis.call("HGET", ARGV[1] .. seq, "prio")
	if prio then
		local score = (255 - tonumber(prio)) * 1e12 + seq
		redis.call("ZADD", KEYS[1], score, seq)
	end
end

local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[2])
for _, seq in ipairs(due) do
	promote(seq)
	redis.call("ZREM", KEYS[2], seq)
end

local expired = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", ARGV[2])
for _, seq in ipairs(expired) do
	promote(seq)
	redis.call("ZREM", KEYS[3], seq)
end

local taken = redis.call("ZRANGE", KEYS[1], 0, tonumber(ARGV[3]) - 1)
local res = {}
for _, seq in ipairs(taken) do
	redis.call("ZREM", KEYS[1], seq)
	local body = redis.call("HGET", ARGV[1] .. seq, "body")
	if body then
		redis.call("ZADD", KEYS[3], ARGV[4], seq)
		table.insert(res, seq)
		table.insert(res, body)
	end
end
return res
`)

// KEYS[1] -> lease zset
// KEYS[2] -> message hash
// ARGV[1] -> sequence
var ackCmd = goredis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("DEL", KEYS[2])
return 1
`)

// KEYS[1] -> lease zset
// KEYS[2] -> pending zset
// KEYS[3] -> message hash
// ARGV[1] -> sequence
// ARGV[2] -> requeue flag ("1" or "0")
var rejectCmd = goredis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return 0
end
if ARGV[2] == "1" then
	local prio = redis.call("HGET", KEYS[3], "prio")
	if prio then
		local score = (255 - tonumber(prio)) * 1e12 + tonumber(ARGV[1])
		redis.call("ZADD", KEYS[2], score, ARGV[1])
	end
else
	redis.call("DEL", KEYS[3])
end
return 1
`)

// KEYS[1] -> pending zset
// ARGV[1] -> message key prefix
// ARGV[2] -> start index
// ARGV[3] -> stop index
var peekCmd = goredis.NewScript(`
local seqs = redis.call("ZRANGE", KEYS[1], ARGV[2], ARGV[3])
local res = {}
for _, seq in ipairs(seqs) do
	local body = redis.call("HGET", ARGV[1] .. seq, "body")
	if body then
		table.insert(res, body)
	end
end
return res
`)
