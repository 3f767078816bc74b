package models

// SnapshotKey is the local storage key of the cached ledger snapshot.
const SnapshotKey = "pharmaControlData"

// Snapshot is the full ledger state as cached locally.
type Snapshot struct {
	Date          string        `json:"date,omitempty"`
	Transactions  []Transaction `json:"transactions"`
	Expedientes   []CaseRecord  `json:"expedientes"`
	Bitacora      []LogEntry    `json:"bitacora"`
	Medications   []Medication  `json:"medications"`
	Services      []string      `json:"services"`
	Pharmacists   []string      `json:"pharmacists"`
	Condiciones   []string      `json:"condiciones"`
	SelectedMedID string        `json:"selectedMedId,omitempty"`
}

// InitialSnapshot returns the state of a fresh install: seed catalogs and no records.
func InitialSnapshot() Snapshot {
	meds := InitialMedications()
	return Snapshot{
		Transactions:  []Transaction{},
		Expedientes:   []CaseRecord{},
		Bitacora:      []LogEntry{},
		Medications:   meds,
		Services:      InitialServices(),
		Pharmacists:   InitialPharmacists(),
		Condiciones:   InitialCondiciones(),
		SelectedMedID: meds[0].ID,
	}
}

// Clone returns a copy whose slices can be modified independently.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Transactions = append([]Transaction(nil), s.Transactions...)
	out.Expedientes = append([]CaseRecord(nil), s.Expedientes...)
	out.Bitacora = append([]LogEntry(nil), s.Bitacora...)
	out.Medications = append([]Medication(nil), s.Medications...)
	out.Services = append([]string(nil), s.Services...)
	out.Pharmacists = append([]string(nil), s.Pharmacists...)
	out.Condiciones = append([]string(nil), s.Condiciones...)
	return out
}

// Catalog returns the names held for a catalog collection.
func (s *Snapshot) Catalog(collection string) []string {
	switch collection {
	case CollServices:
		return s.Services
	case CollPharmacists:
		return s.Pharmacists
	case CollCondiciones:
		return s.Condiciones
	}
	return nil
}

// SetCatalog replaces the names held for a catalog collection.
func (s *Snapshot) SetCatalog(collection string, names []string) {
	switch collection {
	case CollServices:
		s.Services = names
	case CollPharmacists:
		s.Pharmacists = names
	case CollCondiciones:
		s.Condiciones = names
	}
}

// MaxRecordID returns the largest record id in the snapshot.
func (s Snapshot) MaxRecordID() int64 {
	var max int64
	for _, t := range s.Transactions {
		if t.ID > max {
			max = t.ID
		}
	}
	for _, c := range s.Expedientes {
		if c.ID > max {
			max = c.ID
		}
	}
	for _, l := range s.Bitacora {
		if l.ID > max {
			max = l.ID
		}
	}
	return max
}
