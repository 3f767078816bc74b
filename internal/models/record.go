// Package models provides data model definitions for the pharmacy ledger.
package models

import (
	"strconv"
	"time"
)

// Record collections replicated one document per record.
const (
	CollTransactions = "transactions"
	CollExpedientes  = "expedientes"
	CollBitacora     = "bitacora"
)

// Catalog collections replicated one document per entry.
const (
	CollServices    = "catalog_services"
	CollPharmacists = "catalog_pharmacists"
	CollCondiciones = "catalog_condiciones"
)

// RecordCollections lists the collections that rollover compacts.
var RecordCollections = []string{CollTransactions, CollExpedientes, CollBitacora}

// CatalogCollections lists the reference catalogs.
var CatalogCollections = []string{CollServices, CollPharmacists, CollCondiciones}

// IsRecordCollection reports whether name is one of the record collections.
func IsRecordCollection(name string) bool {
	for _, c := range RecordCollections {
		if c == name {
			return true
		}
	}
	return false
}

// IsCatalogCollection reports whether name is one of the catalog collections.
func IsCatalogCollection(name string) bool {
	for _, c := range CatalogCollections {
		if c == name {
			return true
		}
	}
	return false
}

// Transaction directions.
const (
	TxIn  = "IN"
	TxOut = "OUT"
)

// Prescription kinds.
const (
	RxClosed = "CERRADA"
	RxOpen   = "ABIERTA"
)

// Well-known service labels.
const (
	ServiceStockIn      = "INGRESO A INVENTARIO"
	ServiceReturn       = "REINTEGRO"
	ServiceOpening      = "SALDO INICIAL"
	ServiceShiftClosing = "CIERRE DE INVENTARIO"
	PrescriptionPeriod  = "CIERRE PERIODO"
	PharmacistSystem    = "SISTEMA"
)

// Case record conditions with special meaning.
const (
	ConditionInconsistent = "INCONSISTENTE"
	ConditionSuspended    = "SUSPENDIDA"
	ConditionRateChange   = "CAMBIO VELOCIDAD INFUSION"
)

// Record is implemented by every type stored in a record collection.
type Record interface {
	RecordID() int64
	CreatedAtMs() int64
	DisplayTime() string
}

// Transaction is one kardex movement.
type Transaction struct {
	ID               int64  `json:"id"`
	Date             string `json:"date"`
	CreatedAt        int64  `json:"createdAt,omitempty"`
	UpdatedAt        int64  `json:"updatedAt,omitempty"`
	MedID            string `json:"medId"`
	Type             string `json:"type"`
	Amount           int    `json:"amount"`
	Service          string `json:"service"`
	Cama             string `json:"cama"`
	Prescription     string `json:"prescription"`
	Dosis            string `json:"dosis,omitempty"`
	Pharmacist       string `json:"pharmacist"`
	RxType           string `json:"rxType"`
	RxQuantity       int    `json:"rxQuantity"`
	RxUsed           int    `json:"rxUsed"`
	IsCierre         bool   `json:"isCierre,omitempty"`
	CierreTurno      string `json:"cierreTurno,omitempty"`
	TotalRecetas     int    `json:"totalRecetas,omitempty"`
	TotalMedicamento int    `json:"totalMedicamento,omitempty"`
}

func (t Transaction) RecordID() int64     { return t.ID }
func (t Transaction) CreatedAtMs() int64  { return t.CreatedAt }
func (t Transaction) DisplayTime() string { return t.Date }

// Signed returns the stock effect of t: +amount for IN, -amount for OUT, 0 for closings.
func (t Transaction) Signed() int {
	if t.IsCierre {
		return 0
	}
	if t.Type == TxIn {
		return t.Amount
	}
	return -t.Amount
}

// When returns the effective time of t.
func (t Transaction) When() (time.Time, bool) {
	return EffectiveTime(t.CreatedAt, t.Date)
}

// CaseRecord is one patient prescription audit entry (expediente).
type CaseRecord struct {
	ID           int64  `json:"id"`
	Fecha        string `json:"fecha"`
	CreatedAt    int64  `json:"createdAt,omitempty"`
	UpdatedAt    int64  `json:"updatedAt,omitempty"`
	Servicio     string `json:"servicio"`
	Cedula       string `json:"cedula"`
	Receta       string `json:"receta"`
	Medicamento  string `json:"medicamento"`
	Dosis        string `json:"dosis"`
	Condicion    string `json:"condicion"`
	Farmaceutico string `json:"farmaceutico"`
}

func (c CaseRecord) RecordID() int64     { return c.ID }
func (c CaseRecord) CreatedAtMs() int64  { return c.CreatedAt }
func (c CaseRecord) DisplayTime() string { return c.Fecha }

// LogEntry is one shift log (bitacora) note.
type LogEntry struct {
	ID          int64  `json:"id"`
	Fecha       string `json:"fecha"`
	CreatedAt   int64  `json:"createdAt,omitempty"`
	UpdatedAt   int64  `json:"updatedAt,omitempty"`
	Servicio    string `json:"servicio"`
	Titulo      string `json:"titulo"`
	Detalle     string `json:"detalle"`
	Responsable string `json:"responsable"`
}

func (l LogEntry) RecordID() int64     { return l.ID }
func (l LogEntry) CreatedAtMs() int64  { return l.CreatedAt }
func (l LogEntry) DisplayTime() string { return l.Fecha }

// CatalogEntry is the remote document shape of a catalog name.
type CatalogEntry struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

// FormatRecordID renders a record id as a document id.
func FormatRecordID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Upsert replaces the record with the same id or prepends item.
func Upsert[T Record](items []T, item T) []T {
	for i := range items {
		if items[i].RecordID() == item.RecordID() {
			out := make([]T, len(items))
			copy(out, items)
			out[i] = item
			return out
		}
	}
	out := make([]T, 0, len(items)+1)
	out = append(out, item)
	return append(out, items...)
}

// Remove drops the record with the given id.
func Remove[T Record](items []T, id int64) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		if it.RecordID() != id {
			out = append(out, it)
		}
	}
	return out
}

// Find returns the record with the given id.
func Find[T Record](items []T, id int64) (T, bool) {
	for _, it := range items {
		if it.RecordID() == id {
			return it, true
		}
	}
	var zero T
	return zero, false
}
