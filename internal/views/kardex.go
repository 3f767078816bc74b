package views

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/hsvp/farmacontrol/backend/internal/models"
)

// Page is one page of rows. Page is clamped to [1, TotalPages].
type Page[T any] struct {
	Page       int `json:"page"`
	TotalPages int `json:"totalPages"`
	Total      int `json:"total"`
	Items      []T `json:"items"`
}

// Paginate returns page of items with size rows per page.
func Paginate[T any](items []T, page, size int) Page[T] {
	if size <= 0 {
		size = 25
	}
	totalPages := (len(items) + size - 1) / size
	if totalPages < 1 {
		totalPages = 1
	}
	if page < 1 {
		page = 1
	}
	if page > totalPages {
		page = totalPages
	}
	start := (page - 1) * size
	end := start + size
	if start > len(items) {
		start = len(items)
	}
	if end > len(items) {
		end = len(items)
	}
	return Page[T]{
		Page:       page,
		TotalPages: totalPages,
		Total:      len(items),
		Items:      append([]T{}, items[start:end]...),
	}
}

// KardexRow is one transaction as listed in the kardex.
type KardexRow struct {
	models.Transaction
	Progress string `json:"progress,omitempty"`
}

// KardexQuery selects the kardex of one medication.
type KardexQuery struct {
	MedID        string
	Search       string
	RecentPage   int
	HistoricPage int
}

// Kardex is the transaction history of one medication, split into the last
// 7 days and everything older.
type Kardex struct {
	MedID    string          `json:"medId"`
	Recent   Page[KardexRow] `json:"recent"`
	Historic Page[KardexRow] `json:"historic"`
}

func upper(s string) string {
	return strings.TrimSpace(cases.Upper(language.Spanish).String(s))
}

// matches reports whether the joined non-empty fields contain search.
func matches(search string, fields ...string) bool {
	if search == "" {
		return true
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			parts = append(parts, f)
		}
	}
	return strings.Contains(upper(strings.Join(parts, " ")), search)
}

func optionalInt(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

func sortTime(createdAt int64, display string) int64 {
	if createdAt > 0 {
		return createdAt
	}
	if t, ok := models.ParseDisplay(display); ok {
		return t.UnixMilli()
	}
	return 0
}

// ComputeKardex builds the kardex for q at time now. An empty MedID selects
// the snapshot's selected medication.
func ComputeKardex(snap models.Snapshot, q KardexQuery, now time.Time, pageSize int) Kardex {
	medID := q.MedID
	if medID == "" {
		medID = snap.SelectedMedID
	}
	search := upper(q.Search)
	cutoff := now.AddDate(0, 0, -7)

	var recent, historic []KardexRow
	for _, t := range snap.Transactions {
		if t.MedID != medID {
			continue
		}
		if !matches(search, t.Service, t.Cama, t.Prescription, t.Pharmacist, t.RxType, t.Type, t.Date,
			t.CierreTurno, optionalInt(t.TotalRecetas), optionalInt(t.TotalMedicamento)) {
			continue
		}
		row := KardexRow{Transaction: t, Progress: RxProgress(snap.Transactions, t)}
		if when, ok := t.When(); ok && !when.Before(cutoff) {
			recent = append(recent, row)
		} else {
			historic = append(historic, row)
		}
	}
	newestFirst := func(rows []KardexRow) {
		sort.SliceStable(rows, func(i, j int) bool {
			return sortTime(rows[i].CreatedAt, rows[i].Date) > sortTime(rows[j].CreatedAt, rows[j].Date)
		})
	}
	newestFirst(recent)
	newestFirst(historic)

	return Kardex{
		MedID:    medID,
		Recent:   Paginate(recent, q.RecentPage, pageSize),
		Historic: Paginate(historic, q.HistoricPage, pageSize),
	}
}

// RxProgress renders "<dispensed so far> de <rxQuantity>" for a draw on an
// open prescription, counting draws of the same medication and prescription
// up to and including t. It is empty for other transactions.
func RxProgress(txs []models.Transaction, t models.Transaction) string {
	if t.RxType != models.RxOpen {
		return ""
	}
	var draws []models.Transaction
	for _, x := range txs {
		if x.MedID == t.MedID && x.Prescription == t.Prescription && x.Type == models.TxOut && x.RxType == models.RxOpen {
			draws = append(draws, x)
		}
	}
	sort.SliceStable(draws, func(i, j int) bool {
		ti, tj := sortTime(draws[i].CreatedAt, draws[i].Date), sortTime(draws[j].CreatedAt, draws[j].Date)
		if ti != tj {
			return ti < tj
		}
		return draws[i].ID < draws[j].ID
	})
	sum := 0
	for _, d := range draws {
		sum += d.Amount
		if d.ID == t.ID {
			break
		}
	}
	return fmt.Sprintf("%d de %d", sum, t.RxQuantity)
}

// CaseRecords returns case records newest first, filtered by search.
func CaseRecords(records []models.CaseRecord, search string, page, pageSize int) Page[models.CaseRecord] {
	search = upper(search)
	var out []models.CaseRecord
	for _, r := range records {
		if matches(search, r.Fecha, r.Servicio, r.Receta, r.Cedula, r.Medicamento, r.Dosis, r.Condicion, r.Farmaceutico) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return sortTime(out[i].CreatedAt, out[i].Fecha) > sortTime(out[j].CreatedAt, out[j].Fecha)
	})
	return Paginate(out, page, pageSize)
}

// LogEntries returns shift log entries newest first.
func LogEntries(entries []models.LogEntry, page, pageSize int) Page[models.LogEntry] {
	out := append([]models.LogEntry(nil), entries...)
	sort.SliceStable(out, func(i, j int) bool {
		return sortTime(out[i].CreatedAt, out[i].Fecha) > sortTime(out[j].CreatedAt, out[j].Fecha)
	})
	return Paginate(out, page, pageSize)
}
