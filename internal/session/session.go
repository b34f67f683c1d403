// Package session wraps one authenticated IMAP connection to one account.
// A session is exclusively owned by the orchestrator for the duration of
// one account's processing.
package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"github.com/pepperpark/mailkeep/internal/account"
	"github.com/pepperpark/mailkeep/internal/credential"
	"github.com/pepperpark/mailkeep/internal/imaputil"
	"github.com/pepperpark/mailkeep/internal/store"
)

// ConnectionError reports a transport or handshake failure.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("connect %s: %v", e.Host, e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError reports a rejected or missing credential.
type AuthError struct {
	Username string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Username, e.Err)
}
func (e *AuthError) Unwrap() error { return e.Err }

// Misuse of the session state machine.
var (
	ErrNotConnected     = errors.New("session not connected")
	ErrNotAuthenticated = errors.New("session not authenticated")
)

// Folder describes one mailbox as reported at listing time.
type Folder struct {
	Name       string
	Delimiter  string
	Attributes []string
	Messages   uint32
	Unseen     uint32
}

// Session exposes folder listing and filtered fetching over one
// authenticated connection.
type Session interface {
	// ListFolders returns the account's folder list.
	ListFolders() ([]Folder, error)
	// FetchNew returns the messages in folder whose UIDs are not in
	// excluding. Messages in the exclusion set are never returned.
	FetchNew(ctx context.Context, folder string, excluding map[uint32]struct{}) ([]*store.Message, error)
	// Disconnect releases the transport. Idempotent, never fails.
	Disconnect() error
}

// Dialer opens sessions. The IMAP implementation is IMAPDialer; tests
// substitute fakes.
type Dialer interface {
	Connect(ctx context.Context, acct account.Account) (Session, error)
}

// IMAPDialer connects to real IMAP servers, pulling secrets from the
// credential store keyed by (server, username).
type IMAPDialer struct {
	Credentials credential.Store
	TLSConfig   *tls.Config
	// Timeout bounds individual transport operations; expiry surfaces
	// as a ConnectionError.
	Timeout time.Duration
}

const defaultTimeout = 30 * time.Second

func (d *IMAPDialer) Connect(ctx context.Context, acct account.Account) (Session, error) {
	secret, err := d.Credentials.GetSecret(acct.Server, acct.Username)
	if err != nil {
		return nil, &AuthError{Username: acct.Username, Err: err}
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c, err := imaputil.Dial(acct.Server, acct.Port, acct.UseTLS, d.TLSConfig, timeout)
	if err != nil {
		return nil, &ConnectionError{Host: acct.Server, Err: err}
	}
	if err := c.Login(acct.Username, secret); err != nil {
		_ = c.Logout()
		return nil, &AuthError{Username: acct.Username, Err: err}
	}
	return &imapSession{c: c, state: stateAuthenticated}, nil
}

type sessState int

const (
	stateDisconnected sessState = iota
	stateAuthenticated
	stateListing
	stateFetching
)

type imapSession struct {
	mu    sync.Mutex
	c     *client.Client
	state sessState
}

func (s *imapSession) enter(st sessState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateDisconnected:
		return ErrNotConnected
	case stateAuthenticated:
		s.state = st
		return nil
	default:
		return ErrNotAuthenticated
	}
}

func (s *imapSession) leave() {
	s.mu.Lock()
	if s.state != stateDisconnected {
		s.state = stateAuthenticated
	}
	s.mu.Unlock()
}

func (s *imapSession) ListFolders() ([]Folder, error) {
	if err := s.enter(stateListing); err != nil {
		return nil, err
	}
	defer s.leave()

	boxes, err := imaputil.ListMailboxes(s.c)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	folders := make([]Folder, 0, len(boxes))
	for _, b := range boxes {
		f := Folder{Name: b.Name, Delimiter: b.Delimiter, Attributes: b.Attributes}
		// counts are informational; a failed STATUS leaves them zero
		if st, err := imaputil.MailboxStatus(s.c, b.Name); err == nil {
			f.Messages = st.Messages
			f.Unseen = st.Unseen
		}
		folders = append(folders, f)
	}
	return folders, nil
}

func (s *imapSession) FetchNew(ctx context.Context, folder string, excluding map[uint32]struct{}) ([]*store.Message, error) {
	if err := s.enter(stateFetching); err != nil {
		return nil, err
	}
	defer s.leave()

	if _, err := s.c.Select(folder, true); err != nil {
		return nil, fmt.Errorf("select %s: %w", folder, err)
	}
	uids, err := imaputil.SearchAllUIDs(s.c)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", folder, err)
	}
	wanted := uids[:0]
	for _, uid := range uids {
		if _, ok := excluding[uid]; !ok {
			wanted = append(wanted, uid)
		}
	}
	if len(wanted) == 0 {
		return nil, nil
	}

	seq := new(imap.SeqSet)
	for _, uid := range wanted {
		seq.AddNum(uid)
	}
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		section.FetchItem(),
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchUid,
		imap.FetchRFC822Size,
		imap.FetchInternalDate,
	}
	msgs := make(chan *imap.Message, 64)
	doneCh := make(chan error, 1)
	go func() {
		doneCh <- s.c.UidFetch(seq, items, msgs)
	}()

	out := []*store.Message{}
	fetchErr := error(nil)
	msgsClosed := false
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				msgsClosed = true
				if fetchErr != nil {
					return nil, fetchErr
				}
				return out, nil
			}
			if msg == nil {
				continue
			}
			if _, ok := excluding[msg.Uid]; ok {
				// exact-set semantics: never hand back an excluded UID
				continue
			}
			m, err := buildMessage(msg, section)
			if err != nil {
				continue
			}
			out = append(out, m)
		case err := <-doneCh:
			if err != nil {
				fetchErr = err
				if msgsClosed {
					return nil, fetchErr
				}
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *imapSession) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateDisconnected {
		return nil
	}
	s.state = stateDisconnected
	// best-effort; the transport may already be gone
	_ = s.c.Logout()
	return nil
}

// buildMessage converts one fetched IMAP message into the store model,
// decoding MIME parts into attachments.
func buildMessage(msg *imap.Message, section *imap.BodySectionName) (*store.Message, error) {
	lit := msg.GetBody(section)
	if lit == nil {
		return nil, fmt.Errorf("uid %d has no body", msg.Uid)
	}
	body, err := io.ReadAll(lit)
	if err != nil {
		return nil, fmt.Errorf("read body uid %d: %w", msg.Uid, err)
	}
	m := &store.Message{
		UID:   msg.Uid,
		Flags: append([]string(nil), msg.Flags...),
		Size:  int(msg.Size),
		Body:  body,
		Date:  msg.InternalDate,
	}
	if env := msg.Envelope; env != nil {
		m.Subject = env.Subject
		if !env.Date.IsZero() {
			m.Date = env.Date
		}
		m.From = formatAddresses(env.From)
		m.To = formatAddresses(env.To)
	}
	m.Headers, m.Attachments = parseMIME(body)
	return m, nil
}

func formatAddresses(addrs []*imap.Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a == nil {
			continue
		}
		if a.PersonalName != "" {
			parts = append(parts, fmt.Sprintf("%s <%s>", a.PersonalName, a.Address()))
		} else {
			parts = append(parts, a.Address())
		}
	}
	return strings.Join(parts, ", ")
}

// parseMIME extracts the header map and attachment contents from a raw
// message. Unparseable messages yield empty results rather than failing
// the backup of the raw artifact.
func parseMIME(raw []byte) (map[string]string, []store.Attachment) {
	headers := map[string]string{}
	var attachments []store.Attachment

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return headers, nil
	}
	defer mr.Close()

	fields := mr.Header.Fields()
	for fields.Next() {
		if _, ok := headers[fields.Key()]; ok {
			continue // keep the first occurrence
		}
		headers[fields.Key()] = fields.Value()
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		h, ok := part.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}
		filename, _ := h.Filename()
		contentType, _, _ := h.ContentType()
		data, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		attachments = append(attachments, store.Attachment{
			Filename: filename,
			MIMEType: contentType,
			Data:     data,
		})
	}
	return headers, attachments
}
