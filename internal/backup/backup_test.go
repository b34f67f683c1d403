package backup

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pepperpark/mailkeep/internal/account"
	"github.com/pepperpark/mailkeep/internal/progress"
	"github.com/pepperpark/mailkeep/internal/session"
	"github.com/pepperpark/mailkeep/internal/store"
)

type fakeSession struct {
	mu        sync.Mutex
	folders   []session.Folder
	messages  map[string][]*store.Message // per folder, the full server contents
	excluding map[string]map[uint32]struct{}
	onFetch   func(folder string)
	fetchErr  error
	closed    int
}

func (s *fakeSession) ListFolders() ([]session.Folder, error) {
	return s.folders, nil
}

func (s *fakeSession) FetchNew(ctx context.Context, folder string, excluding map[uint32]struct{}) ([]*store.Message, error) {
	s.mu.Lock()
	if s.excluding == nil {
		s.excluding = map[string]map[uint32]struct{}{}
	}
	s.excluding[folder] = excluding
	s.mu.Unlock()
	if s.onFetch != nil {
		s.onFetch(folder)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	out := []*store.Message{}
	for _, m := range s.messages[folder] {
		if _, ok := excluding[m.UID]; !ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeSession) Disconnect() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

type fakeDialer struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	errs     map[string]error
	dialed   []string
}

func (d *fakeDialer) Connect(_ context.Context, acct account.Account) (session.Session, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, acct.Name)
	d.mu.Unlock()
	if err := d.errs[acct.Name]; err != nil {
		return nil, err
	}
	return d.sessions[acct.Name], nil
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func twoFolders() []session.Folder {
	return []session.Folder{
		{Name: "INBOX", Delimiter: "/"},
		{Name: "Archive", Delimiter: "/"},
	}
}

func testAccount(name string) account.Account {
	return account.Account{ID: name, Name: name, Server: "imap.example.com", Port: 993, Username: name, Enabled: true}
}

func testMessage(uid uint32, from string) *store.Message {
	return &store.Message{
		UID:  uid,
		From: from,
		Date: time.Date(2024, 5, 1, 8, 0, int(uid), 0, time.UTC),
		Body: []byte(fmt.Sprintf("body of %d", uid)),
	}
}

func newRunner(t *testing.T, d session.Dialer) *Runner {
	t.Helper()
	return NewRunner(d, progress.NewTracker(), Options{Root: t.TempDir(), Quiet: true, Logger: quietLogger()})
}

func TestEmptyRunCompletes(t *testing.T) {
	dialer := &fakeDialer{sessions: map[string]*fakeSession{
		"a": {folders: twoFolders()},
		"b": {folders: twoFolders()},
	}}
	r := newRunner(t, dialer)
	if err := r.Run(context.Background(), []account.Account{testAccount("a"), testAccount("b")}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	s := r.Tracker().Snapshot()
	if s.State != progress.StateCompleted {
		t.Fatalf("state = %s, want completed", s.State)
	}
	if s.Overall != 1.0 {
		t.Fatalf("overall = %f, want 1.0", s.Overall)
	}
	if s.TotalNewEmails != 0 {
		t.Fatalf("new emails = %d, want 0", s.TotalNewEmails)
	}
	if s.CompletedAccounts != 2 {
		t.Fatalf("completed accounts = %d, want 2", s.CompletedAccounts)
	}
}

func TestDisabledAccountsSkipped(t *testing.T) {
	dialer := &fakeDialer{sessions: map[string]*fakeSession{"a": {folders: twoFolders()}}}
	r := newRunner(t, dialer)
	disabled := testAccount("off")
	disabled.Enabled = false
	if err := r.Run(context.Background(), []account.Account{testAccount("a"), disabled}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(dialer.dialed) != 1 || dialer.dialed[0] != "a" {
		t.Fatalf("dialed = %v", dialer.dialed)
	}
	if s := r.Tracker().Snapshot(); len(s.Accounts) != 1 {
		t.Fatalf("tracker should only know enabled accounts: %+v", s.Accounts)
	}
}

func TestMessagesPersistedAndDeduplicated(t *testing.T) {
	sess := &fakeSession{
		folders: []session.Folder{{Name: "INBOX", Delimiter: "/"}},
		messages: map[string][]*store.Message{
			"INBOX": {
				testMessage(1, "Jane Doe <jane@x.com>"),
				testMessage(2, "bob@x.com"),
			},
		},
	}
	dialer := &fakeDialer{sessions: map[string]*fakeSession{"a": sess}}
	root := t.TempDir()
	tracker := progress.NewTracker()
	r := NewRunner(dialer, tracker, Options{Root: root, Quiet: true, Logger: quietLogger()})
	accounts := []account.Account{testAccount("a")}

	if err := r.Run(context.Background(), accounts); err != nil {
		t.Fatalf("first run: %v", err)
	}
	s := tracker.Snapshot()
	if s.TotalNewEmails != 2 {
		t.Fatalf("first run new emails = %d, want 2", s.TotalNewEmails)
	}
	inboxDir := filepath.Join(root, "a", "INBOX")
	uids, err := store.ExistingUIDs(inboxDir)
	if err != nil {
		t.Fatalf("ExistingUIDs: %v", err)
	}
	if len(uids) != 2 {
		t.Fatalf("persisted uids = %v", uids)
	}

	// second run: the exclusion set covers both saved UIDs, nothing new
	if err := r.Run(context.Background(), accounts); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := sess.excluding["INBOX"]; len(got) != 2 {
		t.Fatalf("second run exclusion set = %v", got)
	}
	if s := tracker.Snapshot(); s.TotalNewEmails != 0 {
		t.Fatalf("second run new emails = %d, want 0", s.TotalNewEmails)
	}
}

func TestAuthFailureSkipsAccountOnly(t *testing.T) {
	dialer := &fakeDialer{
		sessions: map[string]*fakeSession{"good": {folders: twoFolders()}},
		errs:     map[string]error{"bad": &session.AuthError{Username: "bad", Err: fmt.Errorf("rejected")}},
	}
	r := newRunner(t, dialer)
	err := r.Run(context.Background(), []account.Account{testAccount("bad"), testAccount("good")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	s := r.Tracker().Snapshot()
	if s.State != progress.StateCompleted {
		t.Fatalf("state = %s, want completed", s.State)
	}
	if s.Accounts[0].Err == "" {
		t.Fatalf("auth failure not recorded on sub-state")
	}
	if !s.Accounts[1].Complete || s.Accounts[1].Err != "" {
		t.Fatalf("sibling account affected: %+v", s.Accounts[1])
	}
}

func TestFolderErrorDoesNotAbortAccount(t *testing.T) {
	sess := &fakeSession{
		folders:  twoFolders(),
		fetchErr: fmt.Errorf("boom"),
	}
	dialer := &fakeDialer{sessions: map[string]*fakeSession{"a": sess}}
	r := newRunner(t, dialer)
	if err := r.Run(context.Background(), []account.Account{testAccount("a")}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	s := r.Tracker().Snapshot()
	a := s.Accounts[0]
	if a.CompletedFolders != 2 {
		t.Fatalf("completed folders = %d, want 2", a.CompletedFolders)
	}
	if a.Err == "" {
		t.Fatalf("folder error not recorded")
	}
	if !a.Complete {
		t.Fatalf("account should still complete")
	}
}

func TestCancelMidRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sessB := &fakeSession{folders: twoFolders()}
	sessB.onFetch = func(folder string) {
		if folder == "INBOX" {
			cancel()
		}
	}
	dialer := &fakeDialer{sessions: map[string]*fakeSession{
		"a": {folders: twoFolders()},
		"b": sessB,
		"c": {folders: twoFolders()},
	}}
	r := newRunner(t, dialer)
	accounts := []account.Account{testAccount("a"), testAccount("b"), testAccount("c")}
	if err := r.Run(ctx, accounts); err != context.Canceled {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	s := r.Tracker().Snapshot()
	if s.State != progress.StateCancelled {
		t.Fatalf("state = %s, want cancelled", s.State)
	}
	if !s.Accounts[0].Complete {
		t.Fatalf("account a should be complete: %+v", s.Accounts[0])
	}
	if s.Accounts[1].Complete {
		t.Fatalf("account b should be partial: %+v", s.Accounts[1])
	}
	if s.Accounts[2].TotalFolders != 0 || s.Accounts[2].Complete {
		t.Fatalf("account c should be untouched: %+v", s.Accounts[2])
	}
	for _, name := range dialer.dialed {
		if name == "c" {
			t.Fatalf("account c must not be dialed after cancellation")
		}
	}
}

func TestSessionAlwaysDisconnected(t *testing.T) {
	sess := &fakeSession{folders: twoFolders(), fetchErr: fmt.Errorf("boom")}
	dialer := &fakeDialer{sessions: map[string]*fakeSession{"a": sess}}
	r := newRunner(t, dialer)
	if err := r.Run(context.Background(), []account.Account{testAccount("a")}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sess.closed == 0 {
		t.Fatalf("session was never disconnected")
	}
}

func TestSaveFailureRecordedAndSkipped(t *testing.T) {
	sess := &fakeSession{
		folders: []session.Folder{{Name: "Broken", Delimiter: "/"}, {Name: "INBOX", Delimiter: "/"}},
		messages: map[string][]*store.Message{
			"Broken": {testMessage(1, "jane@x.com")},
			"INBOX":  {testMessage(2, "bob@x.com")},
		},
	}
	dialer := &fakeDialer{sessions: map[string]*fakeSession{"a": sess}}
	root := t.TempDir()
	// a regular file where the folder directory should go makes Save fail
	if err := os.MkdirAll(filepath.Join(root, "a"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "a", "Broken"), []byte("in the way"), 0o644); err != nil {
		t.Fatal(err)
	}
	tracker := progress.NewTracker()
	r := NewRunner(dialer, tracker, Options{Root: root, Quiet: true, Logger: quietLogger()})
	if err := r.Run(context.Background(), []account.Account{testAccount("a")}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	s := tracker.Snapshot()
	a := s.Accounts[0]
	if a.Err == "" {
		t.Fatalf("save failure not surfaced")
	}
	if a.NewEmails != 1 {
		t.Fatalf("healthy folder should still back up: %+v", a)
	}
	if s.State != progress.StateCompleted {
		t.Fatalf("run should complete despite save failures, got %s", s.State)
	}
}

func TestSecondStartIsNoOp(t *testing.T) {
	release := make(chan struct{})
	sess := &fakeSession{folders: []session.Folder{{Name: "INBOX", Delimiter: "/"}}}
	sess.onFetch = func(string) { <-release }
	dialer := &fakeDialer{sessions: map[string]*fakeSession{"a": sess}}
	r := newRunner(t, dialer)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), []account.Account{testAccount("a")}) }()

	// wait until the first run is inside FetchNew
	for {
		sess.mu.Lock()
		started := len(sess.excluding) > 0
		sess.mu.Unlock()
		if started {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := r.Run(context.Background(), []account.Account{testAccount("a")}); err != nil {
		t.Fatalf("second start should be a no-op, got %v", err)
	}
	if s := r.Tracker().Snapshot(); s.State != progress.StateRunning {
		t.Fatalf("second start reset the tracker: %s", s.State)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}
