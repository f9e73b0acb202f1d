package book

import "time"

// ResyncState governs how often a replica may fetch a fresh snapshot.
// It is plain data so tests can drive it with a fake clock.
type ResyncState struct {
	LastAttemptAt       time.Time
	ConsecutiveFailures int
}

// Wait returns how long until the next attempt is allowed. Zero means now.
func (s ResyncState) Wait(now time.Time, cooldown time.Duration) time.Duration {
	if s.LastAttemptAt.IsZero() {
		return 0
	}
	elapsed := now.Sub(s.LastAttemptAt)
	if elapsed >= cooldown {
		return 0
	}
	return cooldown - elapsed
}

// Exhausted reports whether the failure streak reached the attempt cap.
func (s ResyncState) Exhausted(maxAttempts int) bool {
	return maxAttempts > 0 && s.ConsecutiveFailures >= maxAttempts
}
