package redistr

import "github.com/redis/go-redis/v9"

// setMetaScript performs the revision compare-and-set with an optional lock
// guard. KEYS[1] is the metadata hash, KEYS[2] the lock key. ARGV: key,
// value, expected revision (-1 disables the check), lock owner ("" disables
// the guard). Returns the new revision, -1 on a revision conflict, -2 when
// the guard lock is not held by the caller.
var setMetaScript = redis.NewScript(`
if ARGV[4] ~= '' then
  local owner = redis.call('GET', KEYS[2])
  if owner ~= ARGV[4] then
    return -2
  end
end
local rev = tonumber(redis.call('HGET', KEYS[1], ARGV[1] .. ':rev') or '0')
local want = tonumber(ARGV[3])
if want >= 0 and rev ~= want then
  return -1
end
rev = rev + 1
redis.call('HSET', KEYS[1], ARGV[1] .. ':val', ARGV[2])
redis.call('HSET', KEYS[1], ARGV[1] .. ':rev', rev)
return rev
`)

// releaseLockScript deletes the lock only when the caller still owns it.
// Returns 1 on release, 0 otherwise.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
