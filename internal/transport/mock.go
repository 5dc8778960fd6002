package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/unioneyes/claimsync/internal/models"
)

// MockAPI provides a scriptable API implementation for testing.
type MockAPI struct {
	mu sync.Mutex

	// Response configuration, keyed by endpoint.
	PullPages map[string][]*models.PullPage

	// Error injection.
	CreateError error
	UpdateError error
	DeleteError error
	PullError   error
	UploadError error

	// Request tracking.
	Creates  []WriteRequest
	Updates  []WriteRequest
	Deletes  []WriteRequest
	Pulls    []PullRequest
	Uploads  []WriteRequest
	Executed []*models.Operation

	pullIndex map[string]int
}

// WriteRequest records one write call.
type WriteRequest struct {
	Endpoint string
	ID       string
	Data     json.RawMessage
}

// PullRequest records one pull call.
type PullRequest struct {
	Endpoint     string
	UpdatedAfter int64
	Limit        int
	Offset       int
}

// NewMockAPI creates a mock API.
func NewMockAPI() *MockAPI {
	return &MockAPI{
		PullPages: make(map[string][]*models.PullPage),
		pullIndex: make(map[string]int),
	}
}

func (m *MockAPI) CreateEntity(ctx context.Context, endpoint string, data json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Creates = append(m.Creates, WriteRequest{Endpoint: endpoint, Data: data})
	return m.CreateError
}

func (m *MockAPI) UpdateEntity(ctx context.Context, endpoint, id string, data json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Updates = append(m.Updates, WriteRequest{Endpoint: endpoint, ID: id, Data: data})
	return m.UpdateError
}

func (m *MockAPI) DeleteEntity(ctx context.Context, endpoint, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deletes = append(m.Deletes, WriteRequest{Endpoint: endpoint, ID: id})
	return m.DeleteError
}

// PullUpdates returns the next configured page for the endpoint, or an
// empty final page when the script runs out.
func (m *MockAPI) PullUpdates(ctx context.Context, endpoint string, updatedAfter int64, limit, offset int) (*models.PullPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Pulls = append(m.Pulls, PullRequest{
		Endpoint:     endpoint,
		UpdatedAfter: updatedAfter,
		Limit:        limit,
		Offset:       offset,
	})

	if m.PullError != nil {
		return nil, m.PullError
	}

	pages := m.PullPages[endpoint]
	idx := m.pullIndex[endpoint]
	if idx >= len(pages) {
		return &models.PullPage{}, nil
	}
	m.pullIndex[endpoint] = idx + 1
	return pages[idx], nil
}

func (m *MockAPI) Upload(ctx context.Context, url, method string, data json.RawMessage, headers map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Uploads = append(m.Uploads, WriteRequest{Endpoint: url, Data: data})
	return m.UploadError
}

func (m *MockAPI) Execute(ctx context.Context, op *models.Operation) error {
	m.mu.Lock()
	m.Executed = append(m.Executed, op)
	m.mu.Unlock()

	switch op.Type {
	case models.OpCreate:
		return m.CreateEntity(ctx, "/"+op.Entity, op.Data)
	case models.OpUpdate:
		id, err := models.EntityID(op.Data)
		if err != nil {
			return err
		}
		return m.UpdateEntity(ctx, "/"+op.Entity, id, op.Data)
	case models.OpDelete:
		id, err := models.EntityID(op.Data)
		if err != nil {
			return err
		}
		return m.DeleteEntity(ctx, "/"+op.Entity, id)
	case models.OpUpload:
		return m.Upload(ctx, op.URL, op.Method, op.Data, op.Headers)
	default:
		return fmt.Errorf("unknown operation type: %s", op.Type)
	}
}

var _ API = (*MockAPI)(nil)
