package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/tee-solver-registry/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockStorageBackend implements interfaces.StorageBackend for testing
type MockStorageBackend struct {
	mock.Mock
	name string
}

func (m *MockStorageBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	args := m.Called(ctx, id, contentType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockStorageBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	args := m.Called(ctx, data, contentType)
	return args.Get(0).(interfaces.ContentID), args.Error(1)
}

func (m *MockStorageBackend) Available(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func (m *MockStorageBackend) Name() string {
	return m.name
}

func (m *MockStorageBackend) LocationURI() string {
	return "mock://" + m.name
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMultiStorageBackend_Available(t *testing.T) {
	tests := []struct {
		name     string
		backends []bool
		expected bool
	}{
		{"all backends available", []bool{true, true, true}, true},
		{"some backends available", []bool{false, true, false}, true},
		{"no backends available", []bool{false, false, false}, false},
		{"no backends", []bool{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var backends []interfaces.StorageBackend
			for i, available := range tt.backends {
				mockStorage := &MockStorageBackend{name: fmt.Sprintf("mock-%d", i)}
				mockStorage.On("Available", mock.Anything).Return(available).Maybe()
				backends = append(backends, mockStorage)
			}

			multi := NewMultiStorageBackend(backends, testLogger())
			assert.Equal(t, tt.expected, multi.Available(context.Background()))
		})
	}
}

func TestMultiStorageBackend_Fetch(t *testing.T) {
	record := []byte(`{"event":"worker_registered"}`)
	id := interfaces.ComputeID(record)
	testErr := errors.New("test error")

	tests := []struct {
		name          string
		setupMocks    func() []interfaces.StorageBackend
		expectedData  []byte
		expectedError bool
	}{
		{
			name: "first backend successful",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, id, interfaces.EventRecordType).Return(record, nil)

				mock2 := &MockStorageBackend{name: "mock-B"}
				return []interfaces.StorageBackend{mock1, mock2}
			},
			expectedData: record,
		},
		{
			name: "first backend fails, second succeeds",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, id, interfaces.EventRecordType).Return(nil, interfaces.ErrContentNotFound)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, id, interfaces.EventRecordType).Return(record, nil)
				return []interfaces.StorageBackend{mock1, mock2}
			},
			expectedData: record,
		},
		{
			name: "all backends fail",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, id, interfaces.EventRecordType).Return(nil, testErr)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, id, interfaces.EventRecordType).Return(nil, testErr)
				return []interfaces.StorageBackend{mock1, mock2}
			},
			expectedError: true,
		},
		{
			name: "corrupted record falls through to next backend",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, id, interfaces.EventRecordType).Return([]byte(`{"event":"tampered"}`), nil)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, id, interfaces.EventRecordType).Return(record, nil)
				return []interfaces.StorageBackend{mock1, mock2}
			},
			expectedData: record,
		},
		{
			name: "unavailable backends are skipped",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(false)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, id, interfaces.EventRecordType).Return(record, nil)
				return []interfaces.StorageBackend{mock1, mock2}
			},
			expectedData: record,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := tt.setupMocks()
			multi := NewMultiStorageBackend(backends, testLogger())

			data, err := multi.Fetch(context.Background(), id, interfaces.EventRecordType)
			if tt.expectedError {
				assert.ErrorIs(t, err, testErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expectedData, data)

			for _, backend := range backends {
				backend.(*MockStorageBackend).AssertExpectations(t)
			}
		})
	}
}

func TestMultiStorageBackend_Store(t *testing.T) {
	record := []byte(`{"worker":{"account_id":"alice.near"}}`)
	id := interfaces.ComputeID(record)
	testErr := errors.New("test error")

	tests := []struct {
		name          string
		setupMocks    func() []interfaces.StorageBackend
		expectedError error
	}{
		{
			name: "all backends successful",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Store", mock.Anything, record, interfaces.AuditRecordType).Return(id, nil)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Store", mock.Anything, record, interfaces.AuditRecordType).Return(id, nil)
				return []interfaces.StorageBackend{mock1, mock2}
			},
		},
		{
			name: "some backends fail",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Store", mock.Anything, record, interfaces.AuditRecordType).Return(id, nil)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Store", mock.Anything, record, interfaces.AuditRecordType).Return(interfaces.ContentID{}, testErr)
				return []interfaces.StorageBackend{mock1, mock2}
			},
		},
		{
			name: "all backends fail",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Store", mock.Anything, record, interfaces.AuditRecordType).Return(interfaces.ContentID{}, testErr)
				return []interfaces.StorageBackend{mock1}
			},
			expectedError: testErr,
		},
		{
			name: "no backend available",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(false)
				return []interfaces.StorageBackend{mock1}
			},
			expectedError: interfaces.ErrBackendUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := tt.setupMocks()
			multi := NewMultiStorageBackend(backends, testLogger())

			got, err := multi.Store(context.Background(), record, interfaces.AuditRecordType)
			if tt.expectedError != nil {
				assert.ErrorIs(t, err, tt.expectedError)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, id, got)

			for _, backend := range backends {
				backend.(*MockStorageBackend).AssertExpectations(t)
			}
		})
	}
}

func TestFileBackend(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, backend.Available(ctx))
	assert.DirExists(t, filepath.Join(dir, "events"))
	assert.DirExists(t, filepath.Join(dir, "audits"))

	record := []byte(`{"pool_account":"pool-0.registry.near"}`)
	id, err := backend.Store(ctx, record, interfaces.AuditRecordType)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ComputeID(record), id)
	assert.FileExists(t, filepath.Join(dir, "audits", id.String()))

	data, err := backend.Fetch(ctx, id, interfaces.AuditRecordType)
	require.NoError(t, err)
	assert.Equal(t, record, data)

	_, err = backend.Fetch(ctx, id, interfaces.EventRecordType)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	// Storing again overwrites with identical content.
	_, err = backend.Store(ctx, record, interfaces.AuditRecordType)
	require.NoError(t, err)
	entries, err := os.ReadDir(filepath.Join(dir, "audits"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStorageBackendFactory(t *testing.T) {
	factory := NewStorageBackendFactory(testLogger())
	dir := t.TempDir()

	locations, err := ParseLocations([]string{"file://" + dir})
	require.NoError(t, err)
	backend, err := factory.CreateMultiBackend(locations)
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, backend)

	locations, err = ParseLocations([]string{
		"file://" + filepath.Join(dir, "a"),
		"file://" + filepath.Join(dir, "b"),
		"vault://s.token@127.0.0.1:8200/secret/solver-registry?tls=false",
	})
	require.NoError(t, err)
	backend, err = factory.CreateMultiBackend(locations)
	require.NoError(t, err)
	assert.Equal(t, "multi-storage", backend.Name())
	assert.Contains(t, backend.LocationURI(), "vault://127.0.0.1:8200/secret/solver-registry")

	_, err = ParseLocations([]string{"github://owner/repo"})
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	_, err = factory.CreateMultiBackend(nil)
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}

func TestRedact(t *testing.T) {
	location, err := interfaces.NewStorageBackendLocation("s3://AKIA:secret@bucket/prefix?region=eu-west-1")
	require.NoError(t, err)
	assert.Equal(t, "s3://***@bucket/prefix?region=eu-west-1", redact(location))
}

func TestStorageBackendFactory_VaultTLS(t *testing.T) {
	factory := NewStorageBackendFactory(testLogger())

	tests := []struct {
		uri     string
		address string
	}{
		{"vault://s.token@vault:8200/secret/registry", "https://vault:8200"},
		{"vault://s.token@vault:8200/secret/registry?tls=true", "https://vault:8200"},
		{"vault://s.token@vault:8200/secret/registry?tls=false", "http://vault:8200"},
		{"vault://s.token@vault:8200/secret/registry?tls=no", "http://vault:8200"},
		{"vault://s.token@vault:8200/secret/registry?tls=0", "http://vault:8200"},
		{"vault://s.token@vault:8200/secret/registry?tls=maybe", "https://vault:8200"},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			location, err := interfaces.NewStorageBackendLocation(tt.uri)
			require.NoError(t, err)
			assert.True(t, location.IsVault())

			backend, err := factory.StorageBackendFor(location)
			require.NoError(t, err)
			require.IsType(t, &VaultBackend{}, backend)
			assert.Equal(t, tt.address, backend.(*VaultBackend).client.Address())
		})
	}
}

func TestStorageBackendLocation_SchemeHelpers(t *testing.T) {
	for uri, check := range map[string]func(interfaces.StorageBackendLocation) bool{
		"file:///var/lib/registry":    interfaces.StorageBackendLocation.IsFile,
		"s3://bucket/prefix":          interfaces.StorageBackendLocation.IsS3,
		"ipfs://localhost:5001/root":  interfaces.StorageBackendLocation.IsIPFS,
		"vault://vault:8200/secret/x": interfaces.StorageBackendLocation.IsVault,
	} {
		location, err := interfaces.NewStorageBackendLocation(uri)
		require.NoError(t, err)
		assert.True(t, check(location), uri)
	}
}
