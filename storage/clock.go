package storage

import (
	"sync/atomic"
	"time"
)

var lastRev int64

// nextRev returns a strictly increasing write timestamp in nanoseconds.
func nextRev() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastRev)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastRev, last, now) {
			return now
		}
	}
}

// observeRev keeps later local writes ordered after a revision seen from
// another replica.
func observeRev(rev int64) {
	for {
		last := atomic.LoadInt64(&lastRev)
		if rev <= last || atomic.CompareAndSwapInt64(&lastRev, last, rev) {
			return
		}
	}
}
