package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/philsphicas/tunl/internal/protocol"
)

// ReplayCache remembers accepted auth IDs until they can no longer pass the
// time window check.
type ReplayCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	entries   map[[TagSize]byte]int64 // auth id -> expiry (unix seconds)
	ops       uint64
	purgeEach uint64
}

// NewReplayCache creates a replay cache whose entries live for ttl.
func NewReplayCache(ttl time.Duration) *ReplayCache {
	if ttl <= 0 {
		ttl = 2 * DefaultWindow
	}
	return &ReplayCache{
		ttl:       ttl,
		entries:   make(map[[TagSize]byte]int64),
		purgeEach: 256,
	}
}

// CheckAndMark records authID as used. It fails if authID was already
// recorded and has not expired.
func (rc *ReplayCache) CheckAndMark(now time.Time, authID [TagSize]byte) error {
	nowSec := now.Unix()

	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.ops++
	if rc.ops%rc.purgeEach == 0 {
		for k, exp := range rc.entries {
			if exp < nowSec {
				delete(rc.entries, k)
			}
		}
	}

	if exp, ok := rc.entries[authID]; ok && exp >= nowSec {
		return fmt.Errorf("%w: replayed auth id", protocol.ErrAuthentication)
	}
	rc.entries[authID] = now.Add(rc.ttl).Unix()
	return nil
}

// Size returns the number of cached entries.
func (rc *ReplayCache) Size() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.entries)
}
