package models

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Medication types.
const (
	MedNarcotic     = "Estupefaciente"
	MedPsychotropic = "Psicotropico"
	MedOther        = "Otros"
)

func init() {
	// Unit prices travel as JSON numbers in the root document.
	decimal.MarshalJSONWithoutQuotes = true
}

// Medication is a catalog entry for a controlled drug presentation.
type Medication struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      string          `json:"type"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quota     int             `json:"quota"`
}

// ValidMedType reports whether t is a known medication type.
func ValidMedType(t string) bool {
	switch t {
	case MedNarcotic, MedPsychotropic, MedOther:
		return true
	}
	return false
}

// SortMedications returns meds ordered by name with Spanish collation.
func SortMedications(meds []Medication) []Medication {
	out := make([]Medication, len(meds))
	copy(out, meds)
	c := newCollator()
	sort.SliceStable(out, func(i, j int) bool {
		return c.CompareString(out[i].Name, out[j].Name) < 0
	})
	return out
}

// InitialMedications returns the seed medication catalog.
func InitialMedications() []Medication {
	return []Medication{
		{ID: "morf-15", Name: "MORFINA 15 MG", Type: MedNarcotic},
		{ID: "fent-50", Name: "FENTANYL 50 MCG", Type: MedNarcotic},
		{ID: "diaz-10", Name: "DIAZEPAM 10 MG", Type: MedPsychotropic},
		{ID: "midaz-15", Name: "MIDAZOLAM 15 MG", Type: MedPsychotropic},
		{ID: "clon-2", Name: "CLONAZEPAM 2 MG", Type: MedPsychotropic},
		{ID: "feno-50", Name: "FENOBARBITAL 50 MG", Type: MedPsychotropic},
	}
}

// InitialServices returns the seed service catalog.
func InitialServices() []string {
	return []string{"EMERGENCIAS", "MEDICINA", "CIRUGIA", "PEDIATRIA", "UCI", "CLINICA DEL DOLOR"}
}

// InitialPharmacists returns the seed pharmacist catalog.
func InitialPharmacists() []string {
	return []string{"2492 ESTHER HERNANDEZ", "2488 VIVIANA ESQUIVEL", "3632 GINNETTE MONTERO", "4511 JEANNETTE SALAZAR"}
}

// InitialCondiciones returns the seed case-record condition catalog.
func InitialCondiciones() []string {
	return []string{"VALIDACION", ConditionInconsistent, ConditionSuspended, "EGRESO"}
}
