package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsvp/farmacontrol/backend/internal/db"
	apperrors "github.com/hsvp/farmacontrol/backend/internal/errors"
	"github.com/hsvp/farmacontrol/backend/internal/export"
	"github.com/hsvp/farmacontrol/backend/internal/hydrate"
	"github.com/hsvp/farmacontrol/backend/internal/kardex"
	"github.com/hsvp/farmacontrol/backend/internal/remote/memstore"
	"github.com/hsvp/farmacontrol/backend/internal/rollover"
	engine "github.com/hsvp/farmacontrol/backend/internal/sync"
	"github.com/hsvp/farmacontrol/backend/internal/sync/queue"
	"github.com/hsvp/farmacontrol/backend/internal/views"
)

// setupSession creates a signed-out session over in-memory stores.
func setupSession(t *testing.T) (*kardex.Session, *memstore.Store) {
	t.Helper()
	kv := db.NewMemoryKV()
	store := memstore.New()
	q := queue.NewSyncQueue(kv, 20)
	require.NoError(t, q.Load())
	eng := engine.NewSyncEngine(store, q, kv, &engine.EngineConfig{BaseBackoff: time.Hour, MaxBackoff: time.Hour})

	cfg := kardex.DefaultConfig()
	cfg.AutoFlush = false
	session := kardex.NewSession(eng, hydrate.NewHydrator(store, kv, nil), views.NewCache(kv, nil), kv,
		export.NewMockExportService(t.TempDir()), rollover.ContextConfirmer(false), cfg)
	t.Cleanup(func() {
		session.Close()
		_ = eng.EndSession()
	})
	return session, store
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	session, _ := setupSession(t)

	rec := httptest.NewRecorder()
	Health(session)(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["ready"])

	rec = httptest.NewRecorder()
	Health(session)(rec, httptest.NewRequest(http.MethodPost, "/api/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSyncHandler_StatusAndClear(t *testing.T) {
	session, _ := setupSession(t)
	h := NewSyncHandler(session)

	_, err := session.Dispense(kardex.DispenseInput{MedID: "fent-50", Amount: 1})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/sync/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["pending"])
	assert.Equal(t, string(engine.SyncStatusNoSession), body["sync"])

	rec = httptest.NewRecorder()
	h.ClearQueue(rec, httptest.NewRequest(http.MethodGet, "/api/sync/queue", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ClearQueue(rec, httptest.NewRequest(http.MethodDelete, "/api/sync/queue", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, session.Status().Pending)
}

func TestSyncHandler_Flush(t *testing.T) {
	session, store := setupSession(t)
	h := NewSyncHandler(session)

	rec := httptest.NewRecorder()
	h.Flush(rec, httptest.NewRequest(http.MethodPost, "/api/sync/flush", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["skipped"])

	_, err := session.SignIn(context.Background(), "acct-1")
	require.NoError(t, err)
	_, err = session.Dispense(kardex.DispenseInput{MedID: "fent-50", Amount: 1})
	require.NoError(t, err)
	store.SetOffline(true)

	rec = httptest.NewRecorder()
	h.Flush(rec, httptest.NewRequest(http.MethodPost, "/api/sync/flush", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, string(engine.SyncStatusOffline), body["status"])
	assert.Equal(t, float64(1), body["remaining"])

	store.SetOffline(false)
	rec = httptest.NewRecorder()
	h.Flush(rec, httptest.NewRequest(http.MethodPost, "/api/sync/flush", nil))
	body = decode(t, rec)
	assert.Equal(t, float64(1), body["applied"])
	assert.Equal(t, float64(0), body["remaining"])

	rec = httptest.NewRecorder()
	h.GetErrors(rec, httptest.NewRequest(http.MethodGet, "/api/sync/errors", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode(t, rec), "errors")
}

func TestViewsHandler_Get(t *testing.T) {
	session, _ := setupSession(t)
	_, err := session.StockIn("fent-50", 12, "")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	NewViewsHandler(session).Get(rec, httptest.NewRequest(http.MethodGet, "/api/views?med=fent-50&recent=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Dashboard views.Dashboard `json:"dashboard"`
		Kardex    views.Kardex    `json:"kardex"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "fent-50", body.Kardex.MedID)
	assert.Equal(t, 1, body.Kardex.Recent.Total+body.Kardex.Historic.Total)
	assert.NotEmpty(t, body.Dashboard.Inventory)
}

func TestRolloverHandler(t *testing.T) {
	session, _ := setupSession(t)
	h := NewRolloverHandler(session)
	_, err := session.SignIn(context.Background(), "acct-1")
	require.NoError(t, err)
	_, err = session.StockIn("fent-50", 5, "")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.Run(rec, httptest.NewRequest(http.MethodPost, "/api/rollover", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ROLLOVER_DECLINED", decode(t, rec)["code"])

	rec = httptest.NewRecorder()
	h.Run(rec, httptest.NewRequest(http.MethodPost, "/api/rollover?confirm=true", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["carry_over"])
	assert.NotEmpty(t, body["backup_path"])

	rec = httptest.NewRecorder()
	h.Resume(rec, httptest.NewRequest(http.MethodPost, "/api/rollover/resume", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL_ERROR", decode(t, rec)["code"])

	cases := map[apperrors.ErrorCode]int{
		apperrors.ErrInvalid:      http.StatusBadRequest,
		apperrors.ErrRxExhausted:  http.StatusConflict,
		apperrors.ErrRolloverBusy: http.StatusConflict,
		apperrors.ErrQueueFull:    http.StatusServiceUnavailable,
		apperrors.ErrInternal:     http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, statusFor(code), string(code))
	}
}
