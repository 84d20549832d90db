package bolt

import (
	"sync"
	"time"
)

// keyer hands out strictly increasing sequence numbers, seeded from the
// clock so they stay increasing across process restarts.
type keyer struct {
	sync.Mutex
	cur int64
}

func newKeyer() *keyer {
	return &keyer{cur: time.Now().UnixNano()}
}

func (k *keyer) Next() uint64 {
	k.Lock()
	defer k.Unlock()

	now := time.Now().UnixNano()
	if now <= k.cur {
		now = k.cur + 1
	}

	k.cur = now
	return uint64(now)
}
