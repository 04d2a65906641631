package ingest

import (
	"math/rand"
	"time"
)

// rateLimitDelay returns the wait before retry attempt n after a 429:
// 500ms, 1s, 2s, ... capped at 30s, with up to 25% jitter.
func rateLimitDelay(attempt int) time.Duration {
	delay := 500 * time.Millisecond
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= 30*time.Second {
			delay = 30 * time.Second
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	return delay + jitter
}

// restartDelay returns the supervisor's backoff before restart attempt n:
// 1s, 2s, 4s, ... capped at 60s.
func restartDelay(attempt int) time.Duration {
	delay := time.Second
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= 60*time.Second {
			return 60 * time.Second
		}
	}
	return delay
}
