package api

import "time"

// ------------------------------------------------------------------------------------------------
// General naming conventions:
// ------------------------------------------------------------------------------------------------
// - ...Config - represents an object specified by the caller when creating a task.
// - ...Resource / plain nouns - represents an object stored in the task store.
// ------------------------------------------------------------------------------------------------

// Lease is the exclusive, time bounded claim of one dispatcher on one task.
type Lease struct {
	Owner     string    `json:"owner"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (l *Lease) Expired(now time.Time) bool {
	return l == nil || !now.Before(l.ExpiresAt)
}

// Ptr returns a pointer to the given value.
func Ptr[T any](v T) *T {
	return &v
}
