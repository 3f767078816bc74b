package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MockExportService is an ExportServiceInterface for tests of packages that
// take backups. It writes a small placeholder file.
type MockExportService struct {
	mu            sync.Mutex
	dir           string
	shouldSucceed bool
	exportDelay   time.Duration
	callCount     int
	lastConfig    *ExportConfig
	exportPath    string
}

// NewMockExportService creates a mock writing placeholder files into dir.
func NewMockExportService(dir string) *MockExportService {
	return &MockExportService{dir: dir, shouldSucceed: true}
}

// Export records the call and writes a placeholder backup.
func (m *MockExportService) Export(ctx context.Context, config *ExportConfig) (*ExportResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callCount++
	m.lastConfig = config

	if m.exportDelay > 0 {
		select {
		case <-time.After(m.exportDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !m.shouldSucceed {
		return nil, fmt.Errorf("mock export failed")
	}

	path := config.OutputPath
	if path == "" {
		path = filepath.Join(m.dir, fmt.Sprintf("%smock_%d%s", FilePrefix, m.callCount, plainExt))
	}
	if err := os.WriteFile(path, []byte("{}"), 0644); err != nil {
		return nil, fmt.Errorf("failed to create mock export file: %w", err)
	}
	m.exportPath = path

	snap := config.Snapshot
	return &ExportResult{
		FilePath:  path,
		SizeBytes: 2,
		ItemCount: len(snap.Transactions) + len(snap.Expedientes) + len(snap.Bitacora),
		Checksum:  "mock-checksum",
		Encrypted: config.Password != "",
	}, nil
}

// SetShouldSucceed controls whether the mock export will succeed.
func (m *MockExportService) SetShouldSucceed(shouldSucceed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldSucceed = shouldSucceed
}

// SetExportDelay delays each export; the delay honours cancellation.
func (m *MockExportService) SetExportDelay(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exportDelay = delay
}

// GetCallCount returns the number of times Export was called.
func (m *MockExportService) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// GetLastConfig returns the config passed to the last Export call.
func (m *MockExportService) GetLastConfig() *ExportConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastConfig
}

// GetExportPath returns the path of the last export.
func (m *MockExportService) GetExportPath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exportPath
}
