package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/phrazzld/tasktree/internal/store"
)

// MockSharedContextRepository is a mock of store.SharedContextRepository for
// use with testify/mock
type MockSharedContextRepository struct {
	mock.Mock
}

var _ store.SharedContextRepository = (*MockSharedContextRepository)(nil)

// SaveContext is a mock implementation of store.SharedContextRepository.SaveContext
func (m *MockSharedContextRepository) SaveContext(ctx context.Context, rootTaskID string, data map[string]any) error {
	args := m.Called(ctx, rootTaskID, data)
	return args.Error(0)
}

// FindContext is a mock implementation of store.SharedContextRepository.FindContext
func (m *MockSharedContextRepository) FindContext(ctx context.Context, rootTaskID string) (map[string]any, error) {
	args := m.Called(ctx, rootTaskID)
	if data, ok := args.Get(0).(map[string]any); ok {
		return data, args.Error(1)
	}
	return nil, args.Error(1)
}

// DeleteContext is a mock implementation of store.SharedContextRepository.DeleteContext
func (m *MockSharedContextRepository) DeleteContext(ctx context.Context, rootTaskID string) error {
	args := m.Called(ctx, rootTaskID)
	return args.Error(0)
}
