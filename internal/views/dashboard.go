// Package views derives the read-only aggregates shown to operators from the
// in-memory ledger: stock, weekly usage, KPIs and the kardex.
package views

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hsvp/farmacontrol/backend/internal/models"
)

// Config tunes the derived views.
type Config struct {
	LowStockThreshold int // Stock below this is flagged (default: 15)
	PageSize          int // Rows per page (default: 25)
	TopServices       int // Services in the consumption ranking (default: 5)
}

// DefaultConfig returns the default view configuration.
func DefaultConfig() *Config {
	return &Config{LowStockThreshold: 15, PageSize: 25, TopServices: 5}
}

func (c *Config) normalized() Config {
	out := *DefaultConfig()
	if c == nil {
		return out
	}
	if c.LowStockThreshold > 0 {
		out.LowStockThreshold = c.LowStockThreshold
	}
	if c.PageSize > 0 {
		out.PageSize = c.PageSize
	}
	if c.TopServices > 0 {
		out.TopServices = c.TopServices
	}
	return out
}

// InventoryRow is the current position of one medication.
type InventoryRow struct {
	models.Medication
	Stock          int             `json:"stock"`
	WeeklyOut      int             `json:"weeklyOut"`
	MinRecommended int             `json:"minRecommended"`
	Low            bool            `json:"low"`
	Value          decimal.Decimal `json:"value"`
}

// Totals are the headline figures.
type Totals struct {
	TotalStock  int             `json:"totalStock"`
	LowStock    int             `json:"lowStock"`
	CaseRecords int             `json:"caseRecords"`
	TotalValue  decimal.Decimal `json:"totalValue"`
}

// ServiceUsage is the quantity dispensed to one service.
type ServiceUsage struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

// TrendPoint is the quantity dispensed on one day.
type TrendPoint struct {
	Date  string `json:"date"`
	Day   string `json:"day"`
	Value int    `json:"value"`
}

// KPIs are the dashboard indicators.
type KPIs struct {
	TopServices      []ServiceUsage `json:"topServices"`
	InterventionRate int            `json:"interventionRate"`
	Trend            []TrendPoint   `json:"trend"`
	TotalTrend       int            `json:"totalTrend"`
}

// Dashboard is every aggregate derived from one ledger version.
type Dashboard struct {
	Version     uint64         `json:"version"`
	GeneratedAt time.Time      `json:"generatedAt"`
	Inventory   []InventoryRow `json:"inventory"`
	Totals      Totals         `json:"totals"`
	KPIs        KPIs           `json:"kpis"`
}

var weekdays = [...]string{"DOM", "LUN", "MAR", "MIÉ", "JUE", "VIE", "SÁB"}

// Compute derives the dashboard of snap at time now.
func Compute(snap models.Snapshot, now time.Time, config *Config) Dashboard {
	cfg := config.normalized()
	inventory := Inventory(snap, now, cfg.LowStockThreshold)

	totals := Totals{CaseRecords: len(snap.Expedientes), TotalValue: decimal.Zero}
	for _, row := range inventory {
		totals.TotalStock += row.Stock
		totals.TotalValue = totals.TotalValue.Add(row.Value)
		if row.Low {
			totals.LowStock++
		}
	}

	trend := Trend(snap.Transactions, now)
	kpis := KPIs{
		TopServices:      TopServices(snap.Transactions, cfg.TopServices),
		InterventionRate: InterventionRate(snap.Expedientes),
		Trend:            trend,
	}
	for _, p := range trend {
		kpis.TotalTrend += p.Value
	}

	return Dashboard{
		GeneratedAt: now,
		Inventory:   inventory,
		Totals:      totals,
		KPIs:        kpis,
	}
}

// Inventory returns the position of every medication in name order. Stock
// ignores closing markers; weekly usage counts OUT over the trailing 7 days.
func Inventory(snap models.Snapshot, now time.Time, lowThreshold int) []InventoryRow {
	cutoff := now.AddDate(0, 0, -7)
	stock := make(map[string]int)
	weekly := make(map[string]int)
	for _, t := range snap.Transactions {
		if t.IsCierre {
			continue
		}
		stock[t.MedID] += t.Signed()
		if t.Type != models.TxOut {
			continue
		}
		if when, ok := t.When(); ok && !when.Before(cutoff) {
			weekly[t.MedID] += t.Amount
		}
	}

	meds := models.SortMedications(snap.Medications)
	rows := make([]InventoryRow, 0, len(meds))
	for _, med := range meds {
		qty := stock[med.ID]
		rows = append(rows, InventoryRow{
			Medication:     med,
			Stock:          qty,
			WeeklyOut:      weekly[med.ID],
			MinRecommended: weekly[med.ID],
			Low:            qty < lowThreshold,
			Value:          med.UnitPrice.Mul(decimal.NewFromInt(int64(qty))),
		})
	}
	return rows
}

// TopServices ranks services by quantity dispensed. Ties keep the order in
// which services first appear.
func TopServices(txs []models.Transaction, n int) []ServiceUsage {
	totals := make(map[string]int)
	var order []string
	for _, t := range txs {
		if t.Type != models.TxOut || t.Service == "" || t.IsCierre {
			continue
		}
		if _, seen := totals[t.Service]; !seen {
			order = append(order, t.Service)
		}
		totals[t.Service] += t.Amount
	}
	usage := make([]ServiceUsage, len(order))
	for i, name := range order {
		usage[i] = ServiceUsage{Name: name, Value: totals[name]}
	}
	sort.SliceStable(usage, func(i, j int) bool {
		return usage[i].Value > usage[j].Value
	})
	if len(usage) > n {
		usage = usage[:n]
	}
	return usage
}

// InterventionRate is the rounded percentage of case records flagged
// inconsistent or suspended.
func InterventionRate(records []models.CaseRecord) int {
	if len(records) == 0 {
		return 0
	}
	issues := 0
	for _, r := range records {
		if r.Condicion == models.ConditionInconsistent || r.Condicion == models.ConditionSuspended {
			issues++
		}
	}
	return (issues*200 + len(records)) / (2 * len(records))
}

// Trend returns the quantity dispensed on each of the last 7 calendar days,
// oldest first, in the hospital zone.
func Trend(txs []models.Transaction, now time.Time) []TrendPoint {
	today := now.In(models.Location)
	points := make([]TrendPoint, 7)
	index := make(map[string]int, 7)
	for i := 0; i < 7; i++ {
		d := today.AddDate(0, 0, i-6)
		key := d.Format("2006-01-02")
		points[i] = TrendPoint{Date: key, Day: weekdays[d.Weekday()]}
		index[key] = i
	}
	for _, t := range txs {
		if t.Type != models.TxOut || t.IsCierre {
			continue
		}
		when, ok := t.When()
		if !ok {
			continue
		}
		if i, ok := index[when.In(models.Location).Format("2006-01-02")]; ok {
			points[i].Value += t.Amount
		}
	}
	return points
}
