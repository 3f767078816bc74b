package views

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/hsvp/farmacontrol/backend/internal/db"
	apperrors "github.com/hsvp/farmacontrol/backend/internal/errors"
	"github.com/hsvp/farmacontrol/backend/internal/models"
)

// Cache holds the latest ledger version and memoizes the dashboard per
// version and calendar day.
type Cache struct {
	local  db.Store
	config Config
	now    func() time.Time

	mu        sync.Mutex
	snap      models.Snapshot
	version   uint64
	dashboard *Dashboard
	dashKey   string
	computed  int
}

// NewCache creates a Cache. local receives the snapshot on every Publish and
// may be nil.
func NewCache(local db.Store, config *Config) *Cache {
	return &Cache{
		local:  local,
		config: config.normalized(),
		now:    time.Now,
		snap:   models.InitialSnapshot(),
	}
}

// Publish records version of the ledger and persists it as the local
// snapshot.
func (c *Cache) Publish(snap models.Snapshot, version uint64) error {
	c.Reset(snap, version)
	if c.local == nil {
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode snapshot", err)
	}
	if err := c.local.Set(models.SnapshotKey, string(data)); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to persist snapshot", err)
	}
	return nil
}

// Reset records version of the ledger without persisting it.
func (c *Cache) Reset(snap models.Snapshot, version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = snap
	c.version = version
}

// Version returns the latest published version.
func (c *Cache) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Dashboard returns the aggregates of the latest version.
func (c *Cache) Dashboard() Dashboard {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	key := now.In(models.Location).Format("2006-01-02")
	if c.dashboard != nil && c.dashboard.Version == c.version && c.dashKey == key {
		return *c.dashboard
	}
	d := Compute(c.snap, now, &c.config)
	d.Version = c.version
	c.dashboard = &d
	c.dashKey = key
	c.computed++
	return d
}

// Kardex returns the kardex of the latest version.
func (c *Cache) Kardex(q KardexQuery) Kardex {
	c.mu.Lock()
	snap, now := c.snap, c.now()
	c.mu.Unlock()
	return ComputeKardex(snap, q, now, c.config.PageSize)
}

// CaseRecords returns one page of case records matching search.
func (c *Cache) CaseRecords(search string, page int) Page[models.CaseRecord] {
	c.mu.Lock()
	records := c.snap.Expedientes
	c.mu.Unlock()
	return CaseRecords(records, search, page, c.config.PageSize)
}

// LogEntries returns one page of shift log entries.
func (c *Cache) LogEntries(page int) Page[models.LogEntry] {
	c.mu.Lock()
	entries := c.snap.Bitacora
	c.mu.Unlock()
	return LogEntries(entries, page, c.config.PageSize)
}
