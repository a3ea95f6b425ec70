package router

import (
	"fmt"
	"strconv"
	"time"

	"github.com/songquanpeng/conduit-gateway/common"
)

// redisDistributed mirrors the Router's selection counter and failure/
// cool-off state in Redis when common.RDB is configured, so multiple
// gateway processes rank leastused candidates and honor cool-off windows
// consistently instead of each keeping its own isolated in-process state.
// It is best-effort: any Redis error falls back to the Router's local
// in-process map for that call. A nil *redisDistributed is valid and
// behaves as "stay purely in-process".
type redisDistributed struct{}

// newRedisDistributed returns a non-nil backing only when Redis is up and
// reachable.
func newRedisDistributed() *redisDistributed {
	if !common.IsRedisEnabled() {
		return nil
	}
	return &redisDistributed{}
}

func selectionKey(mappingID int64) string { return fmt.Sprintf("conduit:router:selection:%d", mappingID) }
func failuresKey(mappingID int64) string  { return fmt.Sprintf("conduit:router:failures:%d", mappingID) }
func coolOffKey(mappingID int64) string   { return fmt.Sprintf("conduit:router:cooloff:%d", mappingID) }

func (d *redisDistributed) incrSelection(mappingID int64) {
	if d == nil {
		return
	}
	_, _ = common.RedisIncrBy(selectionKey(mappingID), 1)
}

// selectionCount returns the shared count and true, or (0, false) if Redis
// is unavailable or the key was never set.
func (d *redisDistributed) selectionCount(mappingID int64) (int64, bool) {
	if d == nil {
		return 0, false
	}
	raw, err := common.RedisGet(selectionKey(mappingID))
	if err != nil {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// incrFailures increments the shared consecutive-failure count and returns
// it, or (0, false) if Redis is unavailable.
func (d *redisDistributed) incrFailures(mappingID int64) (int64, bool) {
	if d == nil {
		return 0, false
	}
	n, err := common.RedisIncrBy(failuresKey(mappingID), 1)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (d *redisDistributed) startCoolOff(mappingID int64, coolOff time.Duration) {
	if d == nil {
		return
	}
	_ = common.RedisSet(coolOffKey(mappingID), time.Now().String(), coolOff)
}

func (d *redisDistributed) recordSuccess(mappingID int64) {
	if d == nil {
		return
	}
	_ = common.RedisDel(failuresKey(mappingID))
	_ = common.RedisDel(coolOffKey(mappingID))
}

// isUnderCoolOff returns (unhealthy, true) when Redis answered the check,
// or (false, false) when it couldn't (caller should use local state).
func (d *redisDistributed) isUnderCoolOff(mappingID int64) (bool, bool) {
	if d == nil {
		return false, false
	}
	exists, err := common.RedisExists(coolOffKey(mappingID))
	if err != nil {
		return false, false
	}
	return exists, true
}
