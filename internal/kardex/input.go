package kardex

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	apperrors "github.com/hsvp/farmacontrol/backend/internal/errors"
	"github.com/hsvp/farmacontrol/backend/internal/models"
)

// DispenseInput describes an outbound movement. Text fields are stored
// uppercased and trimmed.
type DispenseInput struct {
	MedID        string
	Amount       int
	Service      string
	Cama         string
	Prescription string
	Dosis        string
	Pharmacist   string
	RxType       string // CERRADA (default) or ABIERTA
	RxQuantity   int    // Units on an open prescription
	Date         string // Edits only; empty keeps the current display timestamp
}

func (in *DispenseInput) normalize() error {
	in.MedID = strings.TrimSpace(in.MedID)
	in.Service = upper(in.Service)
	in.Cama = upper(in.Cama)
	in.Prescription = upper(in.Prescription)
	in.Dosis = upper(in.Dosis)
	in.Pharmacist = upper(in.Pharmacist)
	in.RxType = upper(in.RxType)
	if in.RxType == "" {
		in.RxType = models.RxClosed
	}
	if in.MedID == "" {
		return apperrors.New(apperrors.ErrInvalid, "medication is required")
	}
	if in.Amount <= 0 {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("amount must be a positive integer, got %d", in.Amount))
	}
	switch in.RxType {
	case models.RxClosed:
		in.RxQuantity = 0
	case models.RxOpen:
		if in.RxQuantity <= 0 {
			return apperrors.New(apperrors.ErrInvalid, "an open prescription needs a positive quantity")
		}
	default:
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown prescription type %q", in.RxType))
	}
	if in.Date != "" {
		if _, ok := models.ParseDisplay(in.Date); !ok {
			return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid date %q, want dd/mm/yyyy HH:MM", in.Date))
		}
	}
	return nil
}

// ReturnInput describes medication returned to stock.
type ReturnInput struct {
	MedID      string
	Amount     int
	Receta     string
	Motivo     string
	Pharmacist string
}

// ClosingInput describes a shift closing marker.
type ClosingInput struct {
	MedID            string // Empty means the selected medication
	Shift            string
	Pharmacist       string
	TotalRecetas     int
	TotalMedicamento int
}

// Infusion is a continuous infusion dose.
type Infusion struct {
	Ampoules string
	Volume   string
	Rate     string
	Duration string
}

// CaseRecordInput describes a case record. Infusion, when set, replaces Dosis.
type CaseRecordInput struct {
	Servicio     string
	Cedula       string
	Receta       string
	Medicamento  string
	Dosis        string
	Infusion     *Infusion
	Condicion    string
	Farmaceutico string
	Fecha        string // Edits only; empty keeps the current display timestamp
}

func (in CaseRecordInput) dosis() string {
	if in.Infusion != nil {
		return fmt.Sprintf("INFUSION: %s AMPOLLAS EN %s CC A %s CC/HR DURACION: %s HRS",
			strings.TrimSpace(in.Infusion.Ampoules), strings.TrimSpace(in.Infusion.Volume),
			strings.TrimSpace(in.Infusion.Rate), strings.TrimSpace(in.Infusion.Duration))
	}
	return upper(in.Dosis)
}

// RateChangeDosis renders the dose of an infusion rate change.
func RateChangeDosis(rate, duration string) string {
	return upper(fmt.Sprintf("CAMBIO VELOCIDAD: %s CC/HR - NUEVA DURACION: %s HRS",
		strings.TrimSpace(rate), strings.TrimSpace(duration)))
}

// LogInput describes a shift log entry.
type LogInput struct {
	Servicio    string
	Titulo      string
	Detalle     string
	Responsable string
}

// MedicationInput describes a medication catalog entry.
type MedicationInput struct {
	Name      string
	Type      string
	UnitPrice decimal.Decimal
	Quota     int
}

func (in *MedicationInput) normalize() error {
	in.Name = upper(in.Name)
	in.Type = strings.TrimSpace(in.Type)
	if in.Name == "" {
		return apperrors.New(apperrors.ErrInvalid, "medication name is required")
	}
	if !models.ValidMedType(in.Type) {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown medication type %q", in.Type))
	}
	if in.UnitPrice.IsNegative() {
		return apperrors.New(apperrors.ErrInvalid, "unit price cannot be negative")
	}
	if in.Quota < 0 {
		in.Quota = 0
	}
	return nil
}

// ParseCurrency parses an amount written the Costa Rican way ("1.234,56").
// Blank input is zero.
func ParseCurrency(s string) (decimal.Decimal, error) {
	cleaned := strings.Join(strings.Fields(s), "")
	if cleaned == "" {
		return decimal.Zero, nil
	}
	cleaned = strings.ReplaceAll(cleaned, ".", "")
	cleaned = strings.Replace(cleaned, ",", ".", 1)
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("invalid amount %q", s), err)
	}
	return d, nil
}

func upper(s string) string {
	return models.NormalizeName(s)
}
