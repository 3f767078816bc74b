package rollover

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/hsvp/farmacontrol/backend/internal/errors"
	"github.com/hsvp/farmacontrol/backend/internal/logging"
)

// Timer is the debounce timer handle. *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

// Trigger starts a rollover once the transaction count reaches the threshold
// and stays there for the debounce period.
type Trigger struct {
	rollover  *Rollover
	ledger    Ledger
	threshold int
	debounce  time.Duration
	afterFunc func(d time.Duration, f func()) Timer
	onResult  func(*Result, error)

	mu    sync.Mutex
	timer Timer
}

// NewTrigger creates a Trigger for ledger. onResult, when set, receives the
// outcome of every automatic rollover.
func NewTrigger(r *Rollover, ledger Ledger, threshold int, debounce time.Duration, onResult func(*Result, error)) *Trigger {
	if threshold <= 0 {
		threshold = 5000
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Trigger{
		rollover:  r,
		ledger:    ledger,
		threshold: threshold,
		debounce:  debounce,
		onResult:  onResult,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
	}
}

// Observe is called after every change to the ledger. Each qualifying call
// restarts the debounce timer; a non-qualifying one cancels it.
func (t *Trigger) Observe(transactions int, ready bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if !ready || transactions < t.threshold {
		return
	}
	t.timer = t.afterFunc(t.debounce, t.fire)
}

// Stop cancels a pending trigger.
func (t *Trigger) Stop() {
	t.Observe(0, false)
}

func (t *Trigger) fire() {
	t.mu.Lock()
	t.timer = nil
	t.mu.Unlock()

	logging.Info("Transaction threshold reached, starting rollover", map[string]interface{}{
		"threshold": t.threshold,
	})
	result, err := t.rollover.Run(context.Background(), t.ledger)
	if err != nil && !apperrors.Is(err, apperrors.ErrRolloverDeclined) {
		logging.Error("Automatic rollover failed", err, nil)
	}
	if t.onResult != nil {
		t.onResult(result, err)
	}
}
