// Package progress tracks the observable state of one backup run. The
// orchestrator is the single writer; the presentation layer reads snapshots
// concurrently at any time.
package progress

import (
	"sync"
	"time"
)

// RunState is the overall state of a backup run.
type RunState string

const (
	StateIdle      RunState = "idle"
	StateRunning   RunState = "running"
	StateCancelled RunState = "cancelled"
	StateCompleted RunState = "completed"
)

// Account is the per-account sub-state of a run.
type Account struct {
	Name             string
	TotalFolders     int
	CompletedFolders int
	CurrentFolder    string
	NewEmails        int
	TotalEmails      int
	BytesProcessed   int64
	Complete         bool
	Err              string
}

// AccountUpdate carries a partial update: only non-nil fields are applied.
type AccountUpdate struct {
	TotalFolders     *int
	CompletedFolders *int
	CurrentFolder    *string
	NewEmails        *int
	TotalEmails      *int
	BytesProcessed   *int64
	Complete         *bool
	Err              *string
}

// Pointer helpers for building AccountUpdate values.
func Int(v int) *int          { return &v }
func Int64(v int64) *int64    { return &v }
func String(v string) *string { return &v }
func Bool(v bool) *bool       { return &v }

// Snapshot is an immutable copy of the run state handed to readers.
type Snapshot struct {
	State             RunState
	StartedAt         time.Time
	Accounts          []Account
	CompletedAccounts int
	Overall           float64
	Remaining         time.Duration
	TotalNewEmails    int
	TotalBytes        int64
	LastErr           string
}

// Tracker is the mutable run state. All mutations come from the
// orchestrator's task; Snapshot may be called from any goroutine.
type Tracker struct {
	mu                sync.RWMutex
	state             RunState
	startedAt         time.Time
	order             []string
	accounts          map[string]*Account
	completedAccounts int
	lastErr           string
	now               func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{state: StateIdle, accounts: map[string]*Account{}, now: time.Now}
}

// StartRun resets the tracker and seeds one zeroed sub-state per account.
func (t *Tracker) StartRun(names []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateRunning
	t.startedAt = t.now()
	t.order = append([]string(nil), names...)
	t.accounts = make(map[string]*Account, len(names))
	for _, n := range names {
		t.accounts[n] = &Account{Name: n}
	}
	t.completedAccounts = 0
	t.lastErr = ""
}

// UpdateAccount applies the supplied fields to the named sub-state.
// Updates for unknown accounts are dropped.
func (t *Tracker) UpdateAccount(name string, u AccountUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.accounts[name]
	if !ok {
		return
	}
	if u.TotalFolders != nil {
		a.TotalFolders = *u.TotalFolders
	}
	if u.CompletedFolders != nil {
		a.CompletedFolders = *u.CompletedFolders
	}
	if u.CurrentFolder != nil {
		a.CurrentFolder = *u.CurrentFolder
	}
	if u.NewEmails != nil {
		a.NewEmails = *u.NewEmails
	}
	if u.TotalEmails != nil {
		a.TotalEmails = *u.TotalEmails
	}
	if u.BytesProcessed != nil {
		a.BytesProcessed = *u.BytesProcessed
	}
	if u.Complete != nil && *u.Complete && !a.Complete {
		// guard: counting an account complete twice would skew totals
		a.Complete = true
		t.completedAccounts++
	}
	if u.Err != nil {
		a.Err = *u.Err
		t.lastErr = *u.Err
	}
}

// CompleteRun marks the run completed; overall progress snaps to 1.0.
func (t *Tracker) CompleteRun() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateCompleted
}

// CancelRun marks the run cancelled, keeping partial per-account data
// intact for inspection.
func (t *Tracker) CancelRun() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateCancelled
	t.lastErr = "backup cancelled"
}

// Snapshot returns a deep copy of the current state with derived
// aggregates filled in.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Snapshot{
		State:             t.state,
		StartedAt:         t.startedAt,
		CompletedAccounts: t.completedAccounts,
		LastErr:           t.lastErr,
		Accounts:          make([]Account, 0, len(t.order)),
	}
	for _, n := range t.order {
		a := t.accounts[n]
		s.Accounts = append(s.Accounts, *a)
		s.TotalNewEmails += a.NewEmails
		s.TotalBytes += a.BytesProcessed
	}
	s.Overall = t.overallLocked()
	if s.Overall > 0 && t.state == StateRunning {
		elapsed := t.now().Sub(t.startedAt)
		s.Remaining = time.Duration(float64(elapsed) * (1/s.Overall - 1))
	}
	return s
}

// overallLocked averages per-account folder completion; accounts that have
// not reported folders yet count as zero.
func (t *Tracker) overallLocked() float64 {
	if t.state == StateCompleted {
		return 1.0
	}
	if len(t.order) == 0 {
		return 0
	}
	var sum float64
	for _, n := range t.order {
		a := t.accounts[n]
		if a.TotalFolders > 0 {
			sum += float64(a.CompletedFolders) / float64(a.TotalFolders)
		}
	}
	return sum / float64(len(t.order))
}
