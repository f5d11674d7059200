package auth

import "context"

// FixtureResolver recognizes the test-framework fake-identity verb
// test_framework_fake_identity, for use in tests and local development. Only
// that verb with a non-empty user_id resolves an identity; every other
// event, metadata_finished included, returns nil.
type FixtureResolver struct{}

func (FixtureResolver) Resolve(_ context.Context, event map[string]any) (*Identity, error) {
	if event["event"] != "test_framework_fake_identity" {
		return nil, nil
	}
	userID, _ := event["user_id"].(string)
	if userID == "" {
		return nil, nil
	}
	return &Identity{UserID: userID, SafeUserID: safeUserID(userID)}, nil
}
