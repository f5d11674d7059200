// Package auth implements the pluggable auth resolver (C10) consumed by the
// pipeline's auth stage: given an in-flight event, decide whether it
// carries an identity claim and, if so, resolve it.
package auth

import "context"

// Identity is the resolved authenticated actor. UserID and SafeUserID are
// always populated; Email and GoogleID are populated only when the
// resolver has that information, and are the fields the blacklist
// evaluator (C8) matches against.
type Identity struct {
	UserID     string
	SafeUserID string
	Email      string
	GoogleID   string
}

// AsMap exposes the identity as a flat field map for the blacklist
// evaluator and for attaching to outgoing envelopes.
func (id Identity) AsMap() map[string]any {
	m := map[string]any{"user_id": id.UserID, "safe_user_id": id.SafeUserID}
	if id.Email != "" {
		m["email"] = id.Email
	}
	if id.GoogleID != "" {
		m["google_id"] = id.GoogleID
	}
	return m
}

// Resolver inspects one decoded event and returns a resolved Identity, or
// nil if the event carries no identity claim. A nil, nil return is not an
// error — it means "try again on the next event."
type Resolver interface {
	Resolve(ctx context.Context, event map[string]any) (*Identity, error)
}
