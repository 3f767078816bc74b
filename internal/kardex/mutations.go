package kardex

import (
	"context"
	"fmt"
	"strconv"

	apperrors "github.com/hsvp/farmacontrol/backend/internal/errors"
	"github.com/hsvp/farmacontrol/backend/internal/models"
)

func upsertOp(collection string, id string, payload interface{}) (models.PendingWrite, error) {
	doc, err := models.ToDocument(payload)
	if err != nil {
		return models.PendingWrite{}, apperrors.Wrap(apperrors.ErrInternal, "failed to encode "+collection+" record", err)
	}
	return models.PendingWrite{Kind: models.OpUpsert, Collection: collection, RecordID: id, Payload: doc}, nil
}

func deleteOp(collection string, id string) models.PendingWrite {
	return models.PendingWrite{Kind: models.OpDelete, Collection: collection, RecordID: id}
}

func notFound(what string, id int64) error {
	return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s %d not found", what, id))
}

func (s *Session) stamp() (string, int64) {
	now := s.now()
	return models.FormatDisplay(now), now.UnixMilli()
}

// defaultPharmacist falls back to the first pharmacist of the catalog.
func defaultPharmacist(snap *models.Snapshot, name string) string {
	if name != "" || len(snap.Pharmacists) == 0 {
		return name
	}
	return snap.Pharmacists[0]
}

// saveTransaction queues t and stores it in the ledger.
func (s *Session) saveTransaction(t models.Transaction, check func(snap *models.Snapshot, t *models.Transaction) error) (models.Transaction, error) {
	var saved models.Transaction
	err := s.commit(func(snap *models.Snapshot) ([]models.PendingWrite, error) {
		if check != nil {
			if err := check(snap, &t); err != nil {
				return nil, err
			}
		}
		op, err := upsertOp(models.CollTransactions, models.FormatRecordID(t.ID), t)
		if err != nil {
			return nil, err
		}
		snap.Transactions = models.Upsert(snap.Transactions, t)
		saved = t
		return []models.PendingWrite{op}, nil
	})
	return saved, err
}

// nextOpenRxUse returns the draw number the next dispense on an open
// prescription gets. It fails once the prescription is fully drawn.
func nextOpenRxUse(txs []models.Transaction, medID, prescription string, quantity int) (int, error) {
	used, found := 0, false
	for _, t := range txs {
		if t.MedID != medID || t.Prescription != prescription || t.RxType != models.RxOpen || t.RxQuantity != quantity {
			continue
		}
		found = true
		if t.RxUsed > used {
			used = t.RxUsed
		}
	}
	if !found {
		return 1, nil
	}
	if used >= quantity {
		return 0, apperrors.New(apperrors.ErrRxExhausted,
			fmt.Sprintf("prescription %s already has %d of %d draws", prescription, used, quantity))
	}
	return used + 1, nil
}

// Dispense records an outbound movement.
func (s *Session) Dispense(in DispenseInput) (models.Transaction, error) {
	if err := in.normalize(); err != nil {
		return models.Transaction{}, err
	}
	date, createdAt := s.stamp()
	t := models.Transaction{
		ID:           s.ids.Next(),
		Date:         date,
		CreatedAt:    createdAt,
		MedID:        in.MedID,
		Type:         models.TxOut,
		Amount:       in.Amount,
		Service:      in.Service,
		Cama:         in.Cama,
		Prescription: in.Prescription,
		Dosis:        in.Dosis,
		RxType:       in.RxType,
		RxQuantity:   in.RxQuantity,
	}
	return s.saveTransaction(t, func(snap *models.Snapshot, t *models.Transaction) error {
		t.Pharmacist = defaultPharmacist(snap, in.Pharmacist)
		if t.RxType != models.RxOpen {
			return nil
		}
		used, err := nextOpenRxUse(snap.Transactions, t.MedID, t.Prescription, t.RxQuantity)
		t.RxUsed = used
		return err
	})
}

// DrawOpenRx records the next draw on the open prescription of transaction id.
// A prescription with every draw already taken is refused with RX_EXHAUSTED
// rather than ignored; over HTTP that code maps to 409 Conflict.
func (s *Session) DrawOpenRx(id int64) (models.Transaction, error) {
	date, createdAt := s.stamp()
	newID := s.ids.Next()
	return s.saveTransaction(models.Transaction{}, func(snap *models.Snapshot, t *models.Transaction) error {
		source, ok := models.Find(snap.Transactions, id)
		if !ok {
			return notFound("transaction", id)
		}
		if source.RxType != models.RxOpen || source.RxQuantity <= 0 {
			return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("transaction %d is not on an open prescription", id))
		}
		used, err := nextOpenRxUse(snap.Transactions, source.MedID, source.Prescription, source.RxQuantity)
		if err != nil {
			return err
		}
		*t = source
		t.ID = newID
		t.Date = date
		t.CreatedAt = createdAt
		t.UpdatedAt = 0
		t.Type = models.TxOut
		t.RxUsed = used
		t.IsCierre = false
		return nil
	})
}

// StockIn records medication received into inventory.
func (s *Session) StockIn(medID string, amount int, pharmacist string) (models.Transaction, error) {
	if medID == "" {
		return models.Transaction{}, apperrors.New(apperrors.ErrInvalid, "medication is required")
	}
	if amount <= 0 {
		return models.Transaction{}, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("amount must be a positive integer, got %d", amount))
	}
	date, createdAt := s.stamp()
	t := models.Transaction{
		ID:        s.ids.Next(),
		Date:      date,
		CreatedAt: createdAt,
		MedID:     medID,
		Type:      models.TxIn,
		Amount:    amount,
		Service:   models.ServiceStockIn,
		RxType:    models.RxClosed,
	}
	return s.saveTransaction(t, func(snap *models.Snapshot, t *models.Transaction) error {
		t.Pharmacist = defaultPharmacist(snap, upper(pharmacist))
		return nil
	})
}

// Return records medication returned to stock against a prescription.
func (s *Session) Return(in ReturnInput) (models.Transaction, error) {
	if in.MedID == "" {
		return models.Transaction{}, apperrors.New(apperrors.ErrInvalid, "medication is required")
	}
	if in.Amount <= 0 {
		return models.Transaction{}, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("amount must be a positive integer, got %d", in.Amount))
	}
	date, createdAt := s.stamp()
	t := models.Transaction{
		ID:           s.ids.Next(),
		Date:         date,
		CreatedAt:    createdAt,
		MedID:        in.MedID,
		Type:         models.TxIn,
		Amount:       in.Amount,
		Service:      models.ServiceReturn,
		Prescription: fmt.Sprintf("RECETA %s - %s", upper(in.Receta), upper(in.Motivo)),
		RxType:       models.RxClosed,
	}
	return s.saveTransaction(t, func(snap *models.Snapshot, t *models.Transaction) error {
		t.Pharmacist = defaultPharmacist(snap, upper(in.Pharmacist))
		return nil
	})
}

// CloseShift records a shift closing marker. It never moves stock.
func (s *Session) CloseShift(in ClosingInput) (models.Transaction, error) {
	if in.TotalRecetas < 0 || in.TotalMedicamento < 0 {
		return models.Transaction{}, apperrors.New(apperrors.ErrInvalid, "closing totals cannot be negative")
	}
	date, createdAt := s.stamp()
	t := models.Transaction{
		ID:               s.ids.Next(),
		Date:             date,
		CreatedAt:        createdAt,
		Type:             models.TxIn,
		Service:          models.ServiceShiftClosing,
		RxType:           models.RxClosed,
		IsCierre:         true,
		CierreTurno:      upper(in.Shift),
		TotalRecetas:     in.TotalRecetas,
		TotalMedicamento: in.TotalMedicamento,
	}
	return s.saveTransaction(t, func(snap *models.Snapshot, t *models.Transaction) error {
		t.MedID = in.MedID
		if t.MedID == "" {
			t.MedID = snap.SelectedMedID
		}
		if t.MedID == "" {
			return apperrors.New(apperrors.ErrInvalid, "medication is required")
		}
		t.Pharmacist = defaultPharmacist(snap, upper(in.Pharmacist))
		return nil
	})
}

// EditTransaction rewrites transaction id. The movement type and creation
// time never change; rxUsed is capped at the new prescription quantity.
func (s *Session) EditTransaction(id int64, in DispenseInput) (models.Transaction, error) {
	if err := in.normalize(); err != nil {
		return models.Transaction{}, err
	}
	_, updatedAt := s.stamp()
	return s.saveTransaction(models.Transaction{}, func(snap *models.Snapshot, t *models.Transaction) error {
		current, ok := models.Find(snap.Transactions, id)
		if !ok {
			return notFound("transaction", id)
		}
		*t = current
		t.MedID = in.MedID
		t.Amount = in.Amount
		t.Service = in.Service
		t.Cama = in.Cama
		t.Prescription = in.Prescription
		t.Dosis = in.Dosis
		t.Pharmacist = defaultPharmacist(snap, in.Pharmacist)
		t.RxType = in.RxType
		t.RxQuantity = in.RxQuantity
		t.RxUsed = 0
		if in.RxType == models.RxOpen {
			t.RxUsed = min(current.RxUsed, in.RxQuantity)
		}
		if in.Date != "" {
			t.Date = in.Date
		}
		t.UpdatedAt = updatedAt
		return nil
	})
}

// DeleteTransaction removes transaction id.
func (s *Session) DeleteTransaction(id int64) error {
	return s.commit(func(snap *models.Snapshot) ([]models.PendingWrite, error) {
		if _, ok := models.Find(snap.Transactions, id); !ok {
			return nil, notFound("transaction", id)
		}
		snap.Transactions = models.Remove(snap.Transactions, id)
		return []models.PendingWrite{deleteOp(models.CollTransactions, models.FormatRecordID(id))}, nil
	})
}

func (s *Session) saveCaseRecord(r models.CaseRecord, check func(snap *models.Snapshot, r *models.CaseRecord) error) (models.CaseRecord, error) {
	var saved models.CaseRecord
	err := s.commit(func(snap *models.Snapshot) ([]models.PendingWrite, error) {
		if err := check(snap, &r); err != nil {
			return nil, err
		}
		op, err := upsertOp(models.CollExpedientes, models.FormatRecordID(r.ID), r)
		if err != nil {
			return nil, err
		}
		snap.Expedientes = models.Upsert(snap.Expedientes, r)
		saved = r
		return []models.PendingWrite{op}, nil
	})
	return saved, err
}

func (in CaseRecordInput) validate() error {
	if upper(in.Cedula) == "" && upper(in.Receta) == "" {
		return apperrors.New(apperrors.ErrInvalid, "a case record needs a patient id or a prescription")
	}
	if in.Fecha != "" {
		if _, ok := models.ParseDisplay(in.Fecha); !ok {
			return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid date %q, want dd/mm/yyyy HH:MM", in.Fecha))
		}
	}
	return nil
}

// AddCaseRecord records a patient case.
func (s *Session) AddCaseRecord(in CaseRecordInput) (models.CaseRecord, error) {
	if err := in.validate(); err != nil {
		return models.CaseRecord{}, err
	}
	fecha, createdAt := s.stamp()
	r := models.CaseRecord{
		ID:          s.ids.Next(),
		Fecha:       fecha,
		CreatedAt:   createdAt,
		Servicio:    upper(in.Servicio),
		Cedula:      upper(in.Cedula),
		Receta:      upper(in.Receta),
		Medicamento: upper(in.Medicamento),
		Dosis:       in.dosis(),
		Condicion:   upper(in.Condicion),
	}
	return s.saveCaseRecord(r, func(snap *models.Snapshot, r *models.CaseRecord) error {
		r.Farmaceutico = defaultPharmacist(snap, upper(in.Farmaceutico))
		return nil
	})
}

// EditCaseRecord rewrites case record id, keeping its creation time.
func (s *Session) EditCaseRecord(id int64, in CaseRecordInput) (models.CaseRecord, error) {
	if err := in.validate(); err != nil {
		return models.CaseRecord{}, err
	}
	_, updatedAt := s.stamp()
	return s.saveCaseRecord(models.CaseRecord{}, func(snap *models.Snapshot, r *models.CaseRecord) error {
		current, ok := models.Find(snap.Expedientes, id)
		if !ok {
			return notFound("case record", id)
		}
		*r = current
		r.Servicio = upper(in.Servicio)
		r.Cedula = upper(in.Cedula)
		r.Receta = upper(in.Receta)
		r.Medicamento = upper(in.Medicamento)
		r.Dosis = in.dosis()
		r.Condicion = upper(in.Condicion)
		r.Farmaceutico = defaultPharmacist(snap, upper(in.Farmaceutico))
		if in.Fecha != "" {
			r.Fecha = in.Fecha
		}
		r.UpdatedAt = updatedAt
		return nil
	})
}

// ChangeInfusionRate records a new case record copied from parentID with the
// new infusion rate.
func (s *Session) ChangeInfusionRate(parentID int64, rate, duration, farmaceutico string) (models.CaseRecord, error) {
	if upper(rate) == "" {
		return models.CaseRecord{}, apperrors.New(apperrors.ErrInvalid, "infusion rate is required")
	}
	fecha, createdAt := s.stamp()
	newID := s.ids.Next()
	return s.saveCaseRecord(models.CaseRecord{}, func(snap *models.Snapshot, r *models.CaseRecord) error {
		parent, ok := models.Find(snap.Expedientes, parentID)
		if !ok {
			return notFound("case record", parentID)
		}
		*r = parent
		r.ID = newID
		r.Fecha = fecha
		r.CreatedAt = createdAt
		r.UpdatedAt = 0
		r.Dosis = RateChangeDosis(rate, duration)
		r.Condicion = models.ConditionRateChange
		r.Farmaceutico = defaultPharmacist(snap, upper(farmaceutico))
		return nil
	})
}

// DeleteCaseRecord removes case record id.
func (s *Session) DeleteCaseRecord(id int64) error {
	return s.commit(func(snap *models.Snapshot) ([]models.PendingWrite, error) {
		if _, ok := models.Find(snap.Expedientes, id); !ok {
			return nil, notFound("case record", id)
		}
		snap.Expedientes = models.Remove(snap.Expedientes, id)
		return []models.PendingWrite{deleteOp(models.CollExpedientes, models.FormatRecordID(id))}, nil
	})
}

// AddLogEntry records a shift log entry.
func (s *Session) AddLogEntry(in LogInput) (models.LogEntry, error) {
	if upper(in.Titulo) == "" && upper(in.Detalle) == "" {
		return models.LogEntry{}, apperrors.New(apperrors.ErrInvalid, "a log entry needs a title or a detail")
	}
	fecha, createdAt := s.stamp()
	entry := models.LogEntry{
		ID:        s.ids.Next(),
		Fecha:     fecha,
		CreatedAt: createdAt,
		Servicio:  upper(in.Servicio),
		Titulo:    upper(in.Titulo),
		Detalle:   upper(in.Detalle),
	}
	err := s.commit(func(snap *models.Snapshot) ([]models.PendingWrite, error) {
		entry.Responsable = defaultPharmacist(snap, upper(in.Responsable))
		op, err := upsertOp(models.CollBitacora, models.FormatRecordID(entry.ID), entry)
		if err != nil {
			return nil, err
		}
		snap.Bitacora = models.Upsert(snap.Bitacora, entry)
		return []models.PendingWrite{op}, nil
	})
	if err != nil {
		return models.LogEntry{}, err
	}
	return entry, nil
}

// DeleteLogEntry removes log entry id.
func (s *Session) DeleteLogEntry(id int64) error {
	return s.commit(func(snap *models.Snapshot) ([]models.PendingWrite, error) {
		if _, ok := models.Find(snap.Bitacora, id); !ok {
			return nil, notFound("log entry", id)
		}
		snap.Bitacora = models.Remove(snap.Bitacora, id)
		return []models.PendingWrite{deleteOp(models.CollBitacora, models.FormatRecordID(id))}, nil
	})
}

func catalogCollection(collection string) error {
	if !models.IsCatalogCollection(collection) {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown catalog %q", collection))
	}
	return nil
}

// AddCatalogEntry adds name to the front of a catalog.
func (s *Session) AddCatalogEntry(collection, name string) error {
	if err := catalogCollection(collection); err != nil {
		return err
	}
	name = models.NormalizeName(name)
	id := models.CatalogID(name)
	if id == "" {
		return apperrors.New(apperrors.ErrInvalid, "catalog name is required")
	}
	_, createdAt := s.stamp()
	return s.commit(func(snap *models.Snapshot) ([]models.PendingWrite, error) {
		op, err := upsertOp(collection, id, models.CatalogEntry{ID: id, Name: name, CreatedAt: createdAt})
		if err != nil {
			return nil, err
		}
		snap.SetCatalog(collection, models.AddName(snap.Catalog(collection), name))
		return []models.PendingWrite{op}, nil
	})
}

// RemoveCatalogEntry removes name from a catalog.
func (s *Session) RemoveCatalogEntry(collection, name string) error {
	if err := catalogCollection(collection); err != nil {
		return err
	}
	name = models.NormalizeName(name)
	return s.commit(func(snap *models.Snapshot) ([]models.PendingWrite, error) {
		names := snap.Catalog(collection)
		next := models.RemoveName(names, name)
		if len(next) == len(names) {
			return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s not found in %s", name, collection))
		}
		snap.SetCatalog(collection, next)
		return []models.PendingWrite{deleteOp(collection, models.CatalogID(name))}, nil
	})
}

// AddMedication adds a medication to the catalog and selects it.
func (s *Session) AddMedication(ctx context.Context, in MedicationInput) (models.Medication, error) {
	if err := in.normalize(); err != nil {
		return models.Medication{}, err
	}
	med := models.Medication{
		ID:        "med-" + strconv.FormatInt(s.ids.Next(), 10),
		Name:      in.Name,
		Type:      in.Type,
		UnitPrice: in.UnitPrice,
		Quota:     in.Quota,
	}
	err := s.commit(func(snap *models.Snapshot) ([]models.PendingWrite, error) {
		meds := make([]models.Medication, 0, len(snap.Medications)+1)
		snap.Medications = append(append(meds, med), snap.Medications...)
		snap.SelectedMedID = med.ID
		return nil, nil
	})
	if err != nil {
		return models.Medication{}, err
	}
	s.writeRoot(ctx)
	return med, nil
}

func medicationIndex(meds []models.Medication, id string) int {
	for i, m := range meds {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// EditMedication rewrites medication id.
func (s *Session) EditMedication(ctx context.Context, id string, in MedicationInput) (models.Medication, error) {
	if err := in.normalize(); err != nil {
		return models.Medication{}, err
	}
	med := models.Medication{ID: id, Name: in.Name, Type: in.Type, UnitPrice: in.UnitPrice, Quota: in.Quota}
	err := s.commit(func(snap *models.Snapshot) ([]models.PendingWrite, error) {
		i := medicationIndex(snap.Medications, id)
		if i < 0 {
			return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("medication %s not found", id))
		}
		meds := append([]models.Medication(nil), snap.Medications...)
		meds[i] = med
		snap.Medications = meds
		return nil, nil
	})
	if err != nil {
		return models.Medication{}, err
	}
	s.writeRoot(ctx)
	return med, nil
}

// DeleteMedication removes medication id together with its transactions and
// selects the first remaining medication. It returns how many transactions
// were removed. Transactions that do not fit in the pending write queue are
// deleted in chunks with a flush in between; when a flush cannot make room
// the call fails with QUEUE_FULL and the medication keeps the transactions
// not yet deleted.
func (s *Session) DeleteMedication(ctx context.Context, id string) (int, error) {
	removed := 0
	for {
		n, done, err := s.deleteMedicationChunk(id)
		removed += n
		if err != nil && !apperrors.Is(err, apperrors.ErrQueueFull) {
			return removed, err
		}
		if done {
			break
		}
		if err := s.makeRoom(ctx); err != nil {
			return removed, err
		}
	}
	s.writeRoot(ctx)
	return removed, nil
}

// deleteMedicationChunk deletes as many of the medication's transactions as
// the queue has room for, and the medication itself once none are left.
func (s *Session) deleteMedicationChunk(id string) (int, bool, error) {
	removed, done := 0, false
	err := s.commit(func(snap *models.Snapshot) ([]models.PendingWrite, error) {
		i := medicationIndex(snap.Medications, id)
		if i < 0 {
			return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("medication %s not found", id))
		}

		var doomed []int64
		for _, t := range snap.Transactions {
			if t.MedID == id {
				doomed = append(doomed, t.ID)
			}
		}
		free := s.queue.Capacity() - s.queue.Size()
		if len(doomed) > free {
			if free <= 0 {
				return nil, apperrors.New(apperrors.ErrQueueFull, "no room left in the pending write queue")
			}
			doomed = doomed[:free]
		} else {
			done = true
			meds := make([]models.Medication, 0, len(snap.Medications)-1)
			meds = append(meds, snap.Medications[:i]...)
			snap.Medications = append(meds, snap.Medications[i+1:]...)
			if snap.SelectedMedID == id {
				snap.SelectedMedID = ""
				if len(snap.Medications) > 0 {
					snap.SelectedMedID = snap.Medications[0].ID
				}
			}
		}

		drop := make(map[int64]bool, len(doomed))
		ops := make([]models.PendingWrite, 0, len(doomed))
		for _, txID := range doomed {
			drop[txID] = true
			ops = append(ops, deleteOp(models.CollTransactions, models.FormatRecordID(txID)))
		}
		kept := make([]models.Transaction, 0, len(snap.Transactions)-len(doomed))
		for _, t := range snap.Transactions {
			if !drop[t.ID] {
				kept = append(kept, t)
			}
		}
		snap.Transactions = kept
		removed = len(ops)
		return ops, nil
	})
	if err != nil {
		return 0, false, err
	}
	return removed, done, nil
}

// makeRoom replays the pending writes, waiting out a flush already in
// flight. It fails with QUEUE_FULL when the queue is still full afterwards.
func (s *Session) makeRoom(ctx context.Context) error {
	for attempt := 0; attempt < 2; attempt++ {
		res, err := s.engine.Flush(ctx)
		if err != nil {
			return err
		}
		if !res.Skipped {
			break
		}
		if err := s.engine.Exclusive(ctx, func(context.Context) error { return nil }); err != nil {
			return err
		}
	}
	if s.queue.Size() >= s.queue.Capacity() {
		return apperrors.New(apperrors.ErrQueueFull,
			fmt.Sprintf("pending write queue is full (%d) and could not be replayed", s.queue.Capacity()))
	}
	return nil
}

// SelectMedication makes id the selected medication.
func (s *Session) SelectMedication(ctx context.Context, id string) error {
	err := s.commit(func(snap *models.Snapshot) ([]models.PendingWrite, error) {
		if medicationIndex(snap.Medications, id) < 0 {
			return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("medication %s not found", id))
		}
		snap.SelectedMedID = id
		return nil, nil
	})
	if err != nil {
		return err
	}
	s.writeRoot(ctx)
	return nil
}
