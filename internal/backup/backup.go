// Package backup drives one backup run: per-account and per-folder
// traversal, dedup against prior backups, persistence through the store,
// and progress reporting. A run is a single sequential background task;
// cancellation is cooperative and checked at account and folder
// boundaries.
package backup

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/pepperpark/mailkeep/internal/account"
	"github.com/pepperpark/mailkeep/internal/progress"
	"github.com/pepperpark/mailkeep/internal/sanitize"
	"github.com/pepperpark/mailkeep/internal/session"
	"github.com/pepperpark/mailkeep/internal/store"
)

// Options configure a Runner.
type Options struct {
	// Root is the backup destination directory.
	Root string
	// Quiet suppresses per-folder log lines.
	Quiet bool
	// Logger receives diagnostics; nil means log.Default().
	Logger *log.Logger
}

// Runner is the backup orchestrator. One Runner allows one run at a time;
// a second Start while running is a logged no-op.
type Runner struct {
	dialer  session.Dialer
	tracker *progress.Tracker
	opts    Options
	logger  *log.Logger

	mu      sync.Mutex
	running bool
}

func NewRunner(dialer session.Dialer, tracker *progress.Tracker, opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{dialer: dialer, tracker: tracker, opts: opts, logger: logger}
}

// Tracker returns the progress tracker readers poll during the run.
func (r *Runner) Tracker() *progress.Tracker { return r.tracker }

// Run backs up every enabled account in the order given. Errors in one
// account or folder never abort the run; the only run-level exit besides
// completion is cancellation through ctx. Returns ctx's error when
// cancelled, nil otherwise.
func (r *Runner) Run(ctx context.Context, accounts []account.Account) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		r.logger.Printf("[run] backup already running, ignoring start")
		return nil
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	enabled := make([]account.Account, 0, len(accounts))
	names := make([]string, 0, len(accounts))
	for _, a := range accounts {
		if a.Enabled {
			enabled = append(enabled, a)
			names = append(names, a.Name)
		}
	}
	r.tracker.StartRun(names)
	if !r.opts.Quiet {
		r.logger.Printf("[run] starting backup of %d account(s)", len(enabled))
	}

	for _, acct := range enabled {
		if ctx.Err() != nil {
			r.tracker.CancelRun()
			r.logger.Printf("[run] cancelled")
			return ctx.Err()
		}
		r.backupAccount(ctx, acct)
		if ctx.Err() != nil {
			r.tracker.CancelRun()
			r.logger.Printf("[run] cancelled")
			return ctx.Err()
		}
	}
	r.tracker.CompleteRun()
	if !r.opts.Quiet {
		r.logger.Printf("[run] completed")
	}
	return nil
}

// backupAccount processes one account. Failures are recorded on the
// account's sub-state; they never propagate to the run.
func (r *Runner) backupAccount(ctx context.Context, acct account.Account) {
	name := acct.Name
	if !r.opts.Quiet {
		r.logger.Printf("[account] %s: start", name)
	}

	dir := filepath.Join(r.opts.Root, sanitize.Token(name))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.fail(name, fmt.Errorf("create backup dir: %w", err))
		return
	}

	sess, err := r.dialer.Connect(ctx, acct)
	if err != nil {
		r.fail(name, err)
		return
	}
	// Force-close the transport on cancel to unblock in-flight I/O.
	watch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = sess.Disconnect()
		case <-watch:
		}
	}()
	defer close(watch)
	defer func() { _ = sess.Disconnect() }()

	folders, err := sess.ListFolders()
	if err != nil {
		r.fail(name, fmt.Errorf("list folders: %w", err))
		return
	}
	r.tracker.UpdateAccount(name, progress.AccountUpdate{TotalFolders: progress.Int(len(folders))})

	var (
		completed   int
		newEmails   int
		totalEmails int
		bytesDone   int64
	)
	for _, f := range folders {
		if ctx.Err() != nil {
			// the run loop records the cancellation
			return
		}
		r.tracker.UpdateAccount(name, progress.AccountUpdate{CurrentFolder: progress.String(f.Name)})
		saved, existing, folderBytes, err := r.backupFolder(ctx, sess, f, dir, name)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Printf("[account] %s: folder %s: %v", name, f.Name, err)
			r.tracker.UpdateAccount(name, progress.AccountUpdate{Err: progress.String(fmt.Sprintf("folder %s: %v", f.Name, err))})
		} else if !r.opts.Quiet {
			r.logger.Printf("[account] %s: folder %s: %d new message(s)", name, f.Name, saved)
		}
		completed++
		newEmails += saved
		totalEmails += existing + saved
		bytesDone += folderBytes
		r.tracker.UpdateAccount(name, progress.AccountUpdate{
			CompletedFolders: progress.Int(completed),
			NewEmails:        progress.Int(newEmails),
			TotalEmails:      progress.Int(totalEmails),
			BytesProcessed:   progress.Int64(bytesDone),
		})
	}
	r.tracker.UpdateAccount(name, progress.AccountUpdate{Complete: progress.Bool(true)})
	if !r.opts.Quiet {
		r.logger.Printf("[account] %s: done, %d new message(s)", name, newEmails)
	}
}

// backupFolder deduplicates against the folder's metadata and persists
// whatever the session fetches. Per-message save failures are recorded
// and skipped; the rest of the folder continues.
func (r *Runner) backupFolder(ctx context.Context, sess session.Session, f session.Folder, accountDir, accountName string) (saved, existing int, bytes int64, err error) {
	dir := store.FolderDir(accountDir, f.Name, f.Delimiter)
	uids, err := store.ExistingUIDs(dir)
	if err != nil {
		return 0, 0, 0, err
	}
	msgs, err := sess.FetchNew(ctx, f.Name, uids)
	if err != nil {
		return 0, len(uids), 0, err
	}
	for _, m := range msgs {
		res, err := store.Save(m, dir)
		if err != nil {
			r.logger.Printf("[account] %s: save uid %d in %s: %v", accountName, m.UID, f.Name, err)
			r.tracker.UpdateAccount(accountName, progress.AccountUpdate{Err: progress.String(fmt.Sprintf("save uid %d in %s: %v", m.UID, f.Name, err))})
			continue
		}
		saved++
		bytes += res.Bytes
	}
	return saved, len(uids), bytes, nil
}

// fail records an error on the account sub-state and marks the account
// finished so the run can move on to its siblings.
func (r *Runner) fail(name string, err error) {
	r.logger.Printf("[account] %s: %v", name, err)
	r.tracker.UpdateAccount(name, progress.AccountUpdate{
		Err:      progress.String(err.Error()),
		Complete: progress.Bool(true),
	})
}
