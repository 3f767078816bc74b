package handlers

import (
	"net/http"
	"strconv"

	"github.com/hsvp/farmacontrol/backend/internal/kardex"
	"github.com/hsvp/farmacontrol/backend/internal/views"
)

// ViewsHandler serves the derived views.
type ViewsHandler struct {
	session *kardex.Session
}

// NewViewsHandler creates a new ViewsHandler.
func NewViewsHandler(session *kardex.Session) *ViewsHandler {
	return &ViewsHandler{session: session}
}

func intParam(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 1
	}
	return n
}

// Get handles GET /api/views
// Query: med, search, recent, historic, expedientes_search, expedientes_page, bitacora_page.
func (h *ViewsHandler) Get(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	cache := h.session.Views()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dashboard": cache.Dashboard(),
		"kardex": cache.Kardex(views.KardexQuery{
			MedID:        q.Get("med"),
			Search:       q.Get("search"),
			RecentPage:   intParam(r, "recent"),
			HistoricPage: intParam(r, "historic"),
		}),
		"expedientes": cache.CaseRecords(q.Get("expedientes_search"), intParam(r, "expedientes_page")),
		"bitacora":    cache.LogEntries(intParam(r, "bitacora_page")),
	})
}
