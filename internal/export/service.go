// Package export writes full ledger backups to JSON files, optionally
// encrypted and copied to an S3-compatible bucket.
package export

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hsvp/farmacontrol/backend/internal/errors"
	"github.com/hsvp/farmacontrol/backend/internal/export/crypto"
	"github.com/hsvp/farmacontrol/backend/internal/logging"
	"github.com/hsvp/farmacontrol/backend/internal/models"
)

const (
	// FilePrefix starts the name of every backup file.
	FilePrefix      = "farmacontrol_"
	plainExt        = ".json"
	encryptedExt    = ".json.enc"
	manifestSuffix  = ".manifest.json"
	manifestVersion = "1.0"
)

// Backup is the backup file body.
type Backup struct {
	Date         string               `json:"date"`
	Transactions []models.Transaction `json:"transactions"`
	Expedientes  []models.CaseRecord  `json:"expedientes"`
	Bitacora     []models.LogEntry    `json:"bitacora"`
	Medications  []models.Medication  `json:"medications"`
	Services     []string             `json:"services"`
	Pharmacists  []string             `json:"pharmacists"`
	Condiciones  []string             `json:"condiciones"`
}

// NewBackup captures snap at time now.
func NewBackup(snap models.Snapshot, now time.Time) Backup {
	return Backup{
		Date:         models.FormatDisplay(now),
		Transactions: nonNil(snap.Transactions),
		Expedientes:  nonNil(snap.Expedientes),
		Bitacora:     nonNil(snap.Bitacora),
		Medications:  nonNil(snap.Medications),
		Services:     nonNil(snap.Services),
		Pharmacists:  nonNil(snap.Pharmacists),
		Condiciones:  nonNil(snap.Condiciones),
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// Snapshot converts the backup back into ledger state.
func (b Backup) Snapshot() models.Snapshot {
	return models.Snapshot{
		Date:         b.Date,
		Transactions: b.Transactions,
		Expedientes:  b.Expedientes,
		Bitacora:     b.Bitacora,
		Medications:  b.Medications,
		Services:     b.Services,
		Pharmacists:  b.Pharmacists,
		Condiciones:  b.Condiciones,
	}
}

// ExportService writes backups into a directory.
type ExportService struct {
	dir      string
	uploader Uploader
	now      func() time.Time
}

// NewExportService creates a service writing into dir. uploader may be nil.
func NewExportService(dir string, uploader Uploader) *ExportService {
	if dir == "" {
		dir = "exports"
	}
	return &ExportService{dir: dir, uploader: uploader, now: time.Now}
}

// Dir returns the backup directory.
func (s *ExportService) Dir() string {
	return s.dir
}

// ExportConfig holds export configuration.
type ExportConfig struct {
	Snapshot   models.Snapshot
	OutputPath string // Default: <dir>/farmacontrol_<reason>_<timestamp>.json[.enc]
	Password   string // Empty = no encryption
	Reason     string // manual, scheduled or rollover (default: manual)
}

// ExportManifest sits next to each backup file.
type ExportManifest struct {
	Version      string    `json:"version"`
	ExportedAt   time.Time `json:"exported_at"`
	Reason       string    `json:"reason"`
	Transactions int       `json:"transactions"`
	Expedientes  int       `json:"expedientes"`
	Bitacora     int       `json:"bitacora"`
	Checksum     string    `json:"checksum"`
	Encrypted    bool      `json:"encrypted"`
}

// ExportResult represents the result of an export operation.
type ExportResult struct {
	FilePath     string
	ManifestPath string
	SizeBytes    int64
	ItemCount    int
	Checksum     string
	Encrypted    bool
	UploadKey    string
	UploadError  string
	Duration     time.Duration
}

// Uploaded reports whether the off-site copy succeeded.
func (r *ExportResult) Uploaded() bool {
	return r.UploadKey != "" && r.UploadError == ""
}

// Export writes a backup of config.Snapshot. The local file is the backup of
// record; a failed S3 copy is logged and reported in the result, not returned.
func (s *ExportService) Export(ctx context.Context, config *ExportConfig) (*ExportResult, error) {
	start := s.now()
	reason := config.Reason
	if reason == "" {
		reason = "manual"
	}

	backup := NewBackup(config.Snapshot, start)
	data, err := json.MarshalIndent(backup, "", "  ")
	if err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "failed to encode backup", err)
	}
	checksum := fmt.Sprintf("%x", sha256.Sum256(data))

	encrypted := config.Password != ""
	ext := plainExt
	if encrypted {
		if data, err = crypto.EncryptArchive(data, config.Password); err != nil {
			return nil, errors.Wrap(errors.ErrExportFailed, "failed to encrypt backup", err)
		}
		ext = encryptedExt
	}

	path := config.OutputPath
	if path == "" {
		path = filepath.Join(s.dir, fmt.Sprintf("%s%s_%s%s", FilePrefix, reason, start.Format("20060102_150405.000"), ext))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "failed to create exports directory", err)
	}
	if err := writeAtomic(path, data); err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "failed to write backup", err)
	}

	manifest := ExportManifest{
		Version:      manifestVersion,
		ExportedAt:   start.UTC(),
		Reason:       reason,
		Transactions: len(backup.Transactions),
		Expedientes:  len(backup.Expedientes),
		Bitacora:     len(backup.Bitacora),
		Checksum:     checksum,
		Encrypted:    encrypted,
	}
	manifestPath := ManifestPath(path)
	if err := writeManifest(manifestPath, &manifest); err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "failed to write manifest", err)
	}

	result := &ExportResult{
		FilePath:     path,
		ManifestPath: manifestPath,
		SizeBytes:    int64(len(data)),
		ItemCount:    manifest.Transactions + manifest.Expedientes + manifest.Bitacora,
		Checksum:     checksum,
		Encrypted:    encrypted,
	}

	if s.uploader != nil {
		result.UploadKey = filepath.Base(path)
		if err := s.uploader.Upload(ctx, result.UploadKey, data); err != nil {
			result.UploadError = err.Error()
			logging.Warn("Backup copy to S3 failed", map[string]interface{}{
				"file":  path,
				"error": err.Error(),
			})
		}
	}

	result.Duration = s.now().Sub(start)
	logging.Info("Backup written", map[string]interface{}{
		"file":       path,
		"reason":     reason,
		"items":      result.ItemCount,
		"size_bytes": result.SizeBytes,
		"encrypted":  encrypted,
		"uploaded":   result.Uploaded(),
	})
	return result, nil
}

// ManifestPath returns the manifest file of a backup file.
func ManifestPath(backupPath string) string {
	return backupPath + manifestSuffix
}

// IsBackupFile reports whether name is a backup file written by Export.
func IsBackupFile(name string) bool {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, FilePrefix) || strings.HasSuffix(base, manifestSuffix) {
		return false
	}
	return strings.HasSuffix(base, plainExt) || strings.HasSuffix(base, encryptedExt)
}

// ReadBackup loads a backup file, decrypting it with password when needed,
// and checks it against its manifest when one exists.
func ReadBackup(path, password string) (*Backup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNotFound, "failed to read backup", err)
	}
	if crypto.IsEncrypted(data) {
		if password == "" {
			return nil, errors.New(errors.ErrInvalidPassword, "backup is encrypted")
		}
		if data, err = crypto.DecryptArchive(data, password); err != nil {
			return nil, errors.Wrap(errors.ErrInvalidPassword, "failed to decrypt backup", err)
		}
	}

	if manifest, err := readManifest(ManifestPath(path)); err == nil {
		if sum := fmt.Sprintf("%x", sha256.Sum256(data)); sum != manifest.Checksum {
			return nil, errors.New(errors.ErrCorruptedArchive, "backup checksum mismatch")
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrap(errors.ErrCorruptedArchive, "failed to read manifest", err)
	}

	var backup Backup
	if err := json.Unmarshal(data, &backup); err != nil {
		return nil, errors.Wrap(errors.ErrCorruptedArchive, "failed to decode backup", err)
	}
	return &backup, nil
}

// writeAtomic writes data to a temporary file and renames it into place.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func writeManifest(path string, manifest *ExportManifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

func readManifest(path string) (*ExportManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var manifest ExportManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}
