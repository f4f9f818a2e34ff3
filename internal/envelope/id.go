package envelope

import "github.com/google/uuid"

// newID mints a fresh message ID in UUID form, as required by the validator.
func newID() string {
	return uuid.New().String()
}

// NewID is the exported form, used by callers that build envelopes outside
// this package (session fabric, provider router, gossip-facing admin API).
func NewID() string {
	return newID()
}
