package sync

import (
	"github.com/unioneyes/claimsync/internal/models"
)

// EntityStrategy describes how one entity type syncs: which endpoints
// to use, how to resolve divergence, and in what order relative to the
// other entity types.
type EntityStrategy struct {
	// Entity is the local store table name.
	Entity string

	// Endpoint receives pushes, PullEndpoint serves delta pulls.
	// PullEndpoint defaults to Endpoint.
	Endpoint     string
	PullEndpoint string

	// LastSyncKey is the store scalar holding the pull watermark.
	LastSyncKey string

	// Priority orders entities within a full sync cycle.
	Priority models.Priority

	// Conflict decides divergent local/server versions.
	Conflict models.ConflictStrategy

	// PullPageSize bounds one delta-pull page. Zero uses the engine's
	// batch size.
	PullPageSize int

	// ShouldPush and ShouldPull gate the two directions.
	ShouldPush bool
	ShouldPull bool

	// Transform optionally reshapes each pulled server item before
	// merging.
	Transform func(map[string]interface{}) map[string]interface{}
}

func (s *EntityStrategy) pullEndpoint() string {
	if s.PullEndpoint != "" {
		return s.PullEndpoint
	}
	return s.Endpoint
}

// DefaultStrategies returns the built-in entity registrations. Claims
// carry member edits so they keep local changes on ties lost, the
// reference entities always defer to the server.
func DefaultStrategies() []EntityStrategy {
	return []EntityStrategy{
		{
			Entity:       "claims",
			Endpoint:     "/claims",
			LastSyncKey:  "last_sync_claims",
			Priority:     models.PriorityHigh,
			Conflict:     models.LastWriteWins,
			PullPageSize: 50,
			ShouldPush:   true,
			ShouldPull:   true,
		},
		{
			Entity:       "documents",
			Endpoint:     "/documents",
			LastSyncKey:  "last_sync_documents",
			Priority:     models.PriorityMedium,
			Conflict:     models.ServerWins,
			PullPageSize: 30,
			ShouldPush:   true,
			ShouldPull:   true,
		},
		{
			Entity:       "notifications",
			Endpoint:     "/notifications",
			LastSyncKey:  "last_sync_notifications",
			Priority:     models.PriorityMedium,
			Conflict:     models.ServerWins,
			PullPageSize: 50,
			ShouldPush:   false,
			ShouldPull:   true,
		},
		{
			Entity:       "members",
			Endpoint:     "/members",
			LastSyncKey:  "last_sync_members",
			Priority:     models.PriorityLow,
			Conflict:     models.ServerWins,
			PullPageSize: 100,
			ShouldPush:   false,
			ShouldPull:   true,
		},
	}
}
