package session

import (
	"strings"
	"testing"

	"github.com/emersion/go-imap"
)

func TestStateMachineGuards(t *testing.T) {
	s := &imapSession{state: stateDisconnected}
	if _, err := s.ListFolders(); err != ErrNotConnected {
		t.Fatalf("ListFolders on disconnected session: %v", err)
	}
	if _, err := s.FetchNew(nil, "INBOX", nil); err != ErrNotConnected {
		t.Fatalf("FetchNew on disconnected session: %v", err)
	}

	s.state = stateFetching
	if _, err := s.ListFolders(); err != ErrNotAuthenticated {
		t.Fatalf("ListFolders while fetching: %v", err)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	s := &imapSession{state: stateDisconnected}
	for i := 0; i < 3; i++ {
		if err := s.Disconnect(); err != nil {
			t.Fatalf("Disconnect must never fail: %v", err)
		}
	}
	if s.state != stateDisconnected {
		t.Fatalf("unexpected state %d", s.state)
	}
}

func TestFormatAddresses(t *testing.T) {
	addrs := []*imap.Address{
		{PersonalName: "Jane Doe", MailboxName: "jane", HostName: "example.com"},
		{MailboxName: "bob", HostName: "example.com"},
		nil,
	}
	got := formatAddresses(addrs)
	want := "Jane Doe <jane@example.com>, bob@example.com"
	if got != want {
		t.Fatalf("formatAddresses = %q, want %q", got, want)
	}
}

func TestParseMIMEAttachments(t *testing.T) {
	raw := strings.Join([]string{
		"From: Jane Doe <jane@example.com>",
		"To: bob@example.com",
		"Subject: with attachment",
		"MIME-Version: 1.0",
		"Content-Type: multipart/mixed; boundary=BOUNDARY",
		"",
		"--BOUNDARY",
		"Content-Type: text/plain",
		"",
		"see attached",
		"--BOUNDARY",
		"Content-Type: application/pdf",
		"Content-Disposition: attachment; filename=report.pdf",
		"",
		"%PDF-fake",
		"--BOUNDARY--",
		"",
	}, "\r\n")

	headers, attachments := parseMIME([]byte(raw))
	if headers["Subject"] != "with attachment" {
		t.Fatalf("headers = %v", headers)
	}
	if len(attachments) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(attachments))
	}
	a := attachments[0]
	if a.Filename != "report.pdf" || a.MIMEType != "application/pdf" {
		t.Fatalf("attachment = %+v", a)
	}
	if string(a.Data) != "%PDF-fake" {
		t.Fatalf("attachment data = %q", a.Data)
	}
}

func TestParseMIMEGarbage(t *testing.T) {
	headers, attachments := parseMIME([]byte("\x00\x01 not a message"))
	if len(attachments) != 0 {
		t.Fatalf("garbage should yield no attachments")
	}
	if headers == nil {
		t.Fatalf("headers map should be non-nil")
	}
}
