// Package credential manages a pool of interchangeable access tokens
// for a quota-constrained provider. The pool tracks per-credential
// blacklist windows and a pool-wide backoff, recovering lazily by
// timestamp comparison rather than background timers.
package credential

import (
	"time"
)

// Credential is one access token in the pool.
type Credential struct {
	// ID identifies the credential in logs and bookkeeping. The secret
	// itself is carried in Secret and never logged.
	ID     string
	Secret string

	usageCount       int
	lastUsed         time.Time
	blacklistedUntil time.Time
	quotaResetAt     time.Time
	succeeded        bool
}

// New creates a credential with the given id and secret.
func New(id, secret string) *Credential {
	return &Credential{ID: id, Secret: secret}
}

// UsageCount returns how many times the credential has been handed out.
func (c *Credential) UsageCount() int {
	return c.usageCount
}

// Usable reports whether the credential's blacklist window, if any, has
// elapsed at the given instant.
func (c *Credential) Usable(now time.Time) bool {
	return !now.Before(c.blacklistedUntil)
}

// BlacklistedUntil returns when the current blacklist window ends. The
// zero time means the credential was never blacklisted.
func (c *Credential) BlacklistedUntil() time.Time {
	return c.blacklistedUntil
}
