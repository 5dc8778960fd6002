package transport

import (
	"context"
	"encoding/json"

	"github.com/unioneyes/claimsync/internal/models"
)

// API is the engine's view of the claims server.
type API interface {
	CreateEntity(ctx context.Context, endpoint string, data json.RawMessage) error
	UpdateEntity(ctx context.Context, endpoint, id string, data json.RawMessage) error
	DeleteEntity(ctx context.Context, endpoint, id string) error
	PullUpdates(ctx context.Context, endpoint string, updatedAfter int64, limit, offset int) (*models.PullPage, error)
	Upload(ctx context.Context, url, method string, data json.RawMessage, headers map[string]string) error
	Execute(ctx context.Context, op *models.Operation) error
}

var _ API = (*APIClient)(nil)
