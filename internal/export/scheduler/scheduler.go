// Package scheduler takes periodic backups and prunes old ones.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hsvp/farmacontrol/backend/internal/export"
	"github.com/hsvp/farmacontrol/backend/internal/logging"
	"github.com/hsvp/farmacontrol/backend/internal/models"
)

// ExportInterval defines the scheduling frequency.
type ExportInterval string

const (
	IntervalManual  ExportInterval = "manual"
	IntervalDaily   ExportInterval = "daily"
	IntervalWeekly  ExportInterval = "weekly"
	IntervalMonthly ExportInterval = "monthly"
)

// Reason tags the backups this scheduler writes. Retention only prunes these,
// so rollover backups are never removed.
const Reason = "scheduled"

// SnapshotSource provides the state to back up.
type SnapshotSource interface {
	Snapshot() models.Snapshot
}

// SchedulerConfig holds the scheduler configuration.
type SchedulerConfig struct {
	Interval       ExportInterval // How often to export
	RetentionCount int            // Scheduled backups to keep (0 = unlimited)
	ExportDir      string         // Directory holding backups (default: "exports")
	Password       string         // Empty = no encryption
}

// Scheduler manages automatic backups.
type Scheduler struct {
	service export.ExportServiceInterface
	source  SnapshotSource
	config  SchedulerConfig
	ticker  *time.Ticker
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// NewScheduler creates a new export scheduler.
func NewScheduler(service export.ExportServiceInterface, source SnapshotSource, config *SchedulerConfig) *Scheduler {
	cfg := SchedulerConfig{Interval: IntervalManual}
	if config != nil {
		cfg = *config
	}
	if cfg.ExportDir == "" {
		cfg.ExportDir = "exports"
	}
	if cfg.RetentionCount < 0 {
		cfg.RetentionCount = 0
	}
	return &Scheduler{
		service: service,
		source:  source,
		config:  cfg,
		stopCh:  make(chan struct{}),
	}
}

// Start begins periodic backups and takes the first one immediately.
// It does nothing in manual mode.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.config.Interval == IntervalManual {
		logging.Info("Backup scheduler in manual mode", nil)
		return nil
	}
	dur, err := IntervalDuration(s.config.Interval)
	if err != nil {
		return fmt.Errorf("invalid interval: %w", err)
	}

	s.mu.Lock()
	s.ticker = time.NewTicker(dur)
	ticker := s.ticker
	s.mu.Unlock()

	logging.Info("Backup scheduler started", map[string]interface{}{
		"interval":        string(s.config.Interval),
		"retention_count": s.config.RetentionCount,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
		for {
			select {
			case <-ticker.C:
				s.run(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	if _, err := s.RunExport(ctx); err != nil {
		logging.Error("Scheduled backup failed", err, nil)
	}
}

// Stop shuts down the scheduler and waits for a running backup.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// RunExport takes one backup and applies the retention policy.
func (s *Scheduler) RunExport(ctx context.Context) (*export.ExportResult, error) {
	result, err := s.service.Export(ctx, &export.ExportConfig{
		Snapshot: s.source.Snapshot(),
		Password: s.config.Password,
		Reason:   Reason,
	})
	if err != nil {
		return nil, fmt.Errorf("export failed: %w", err)
	}

	if s.config.RetentionCount > 0 {
		if err := s.applyRetentionPolicy(); err != nil {
			logging.Warn("Backup retention failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return result, nil
}

// IntervalDuration converts the interval to a time.Duration.
func IntervalDuration(interval ExportInterval) (time.Duration, error) {
	switch interval {
	case IntervalDaily:
		return 24 * time.Hour, nil
	case IntervalWeekly:
		return 7 * 24 * time.Hour, nil
	case IntervalMonthly:
		return 30 * 24 * time.Hour, nil
	case IntervalManual:
		return 0, fmt.Errorf("manual interval has no duration")
	default:
		return 0, fmt.Errorf("unknown interval: %s", interval)
	}
}

// applyRetentionPolicy removes the oldest scheduled backups beyond the
// retention count, manifests included.
func (s *Scheduler) applyRetentionPolicy() error {
	archives, err := ListArchives(s.config.ExportDir)
	if err != nil {
		return fmt.Errorf("failed to list archives: %w", err)
	}
	var scheduled []*ArchiveInfo
	for _, a := range archives {
		if a.Reason == Reason {
			scheduled = append(scheduled, a)
		}
	}
	if len(scheduled) <= s.config.RetentionCount {
		return nil
	}

	for _, archive := range scheduled[:len(scheduled)-s.config.RetentionCount] {
		if err := os.Remove(archive.Path); err != nil {
			logging.Warn("Failed to delete old backup", map[string]interface{}{"path": archive.Path, "error": err.Error()})
			continue
		}
		os.Remove(export.ManifestPath(archive.Path))
		logging.Info("Deleted old backup", map[string]interface{}{"path": archive.Path})
	}
	return nil
}

// ArchiveInfo describes a backup file on disk.
type ArchiveInfo struct {
	Path      string
	Reason    string
	SizeBytes int64
	CreatedAt time.Time
	Encrypted bool
}

// ListArchives returns the backups in exportDir, oldest first.
func ListArchives(exportDir string) ([]*ArchiveInfo, error) {
	entries, err := os.ReadDir(exportDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var archives []*ArchiveInfo
	for _, e := range entries {
		if e.IsDir() || !export.IsBackupFile(e.Name()) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		name := strings.TrimPrefix(e.Name(), export.FilePrefix)
		reason, _, _ := strings.Cut(name, "_")
		archives = append(archives, &ArchiveInfo{
			Path:      filepath.Join(exportDir, e.Name()),
			Reason:    reason,
			SizeBytes: fi.Size(),
			CreatedAt: fi.ModTime(),
			Encrypted: strings.HasSuffix(e.Name(), ".enc"),
		})
	}
	// Names of one reason order by export time.
	sort.Slice(archives, func(i, j int) bool {
		return archives[i].Path < archives[j].Path
	})
	return archives, nil
}

// GetConfig returns the current scheduler configuration.
func (s *Scheduler) GetConfig() SchedulerConfig {
	return s.config
}
