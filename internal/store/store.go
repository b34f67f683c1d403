// Package store persists messages as raw .eml artifacts plus JSON metadata
// in a per-folder directory, and recovers the set of already-backed-up UIDs
// by scanning that metadata.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pepperpark/mailkeep/internal/sanitize"
)

// Attachment is one decoded MIME attachment of a fetched message.
type Attachment struct {
	Filename string
	MIMEType string
	Data     []byte
}

// Message is one fetched message, consumed once by Save and then discarded.
// The UID is unique within its folder only.
type Message struct {
	UID         uint32
	Flags       []string
	Subject     string
	From        string
	To          string
	Date        time.Time
	Size        int
	Body        []byte
	Headers     map[string]string
	Attachments []Attachment
}

// Metadata is the on-disk JSON schema. Field names are fixed for
// compatibility with existing backups.
type Metadata struct {
	UID         uint32            `json:"uid"`
	Flags       []string          `json:"flags"`
	Subject     string            `json:"subject"`
	From        string            `json:"from"`
	To          string            `json:"to"`
	Date        time.Time         `json:"date"`
	Size        int               `json:"size"`
	Headers     map[string]string `json:"headers"`
	Attachments []string          `json:"attachments"`
}

// SaveResult describes what Save actually wrote.
type SaveResult struct {
	Base        string
	Attachments []string
	Bytes       int64
}

const timestampLayout = "2006-01-02_15_04_05"

// BaseName derives the shared filename stem linking a message's raw body,
// metadata and attachment directory. Timestamps are UTC so names sort.
func BaseName(m *Message) string {
	return sanitize.SenderToken(m.From) + "_" + m.Date.UTC().Format(timestampLayout)
}

// ExistingUIDs scans the metadata files in dir and returns the UIDs of all
// messages already backed up there. Body filenames are not trusted to
// encode the UID; only parsed metadata counts. Corrupt or unreadable files
// are skipped. A missing directory yields an empty set.
func ExistingUIDs(dir string) (map[uint32]struct{}, error) {
	uids := make(map[uint32]struct{})
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return uids, nil
		}
		return nil, fmt.Errorf("scan folder %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		meta, err := ReadMetadata(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		uids[meta.UID] = struct{}{}
	}
	return uids, nil
}

// ReadMetadata parses one metadata file.
func ReadMetadata(path string) (*Metadata, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	meta := &Metadata{}
	if err := json.Unmarshal(b, meta); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return meta, nil
}

// Save writes the raw body, any attachments and the metadata file for one
// message into dir. Dedup against prior saves is the caller's job: Save
// itself will happily write the same UID twice under a different base name.
func Save(m *Message, dir string) (*SaveResult, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create folder dir: %w", err)
	}
	base := BaseName(m)
	res := &SaveResult{Base: base}

	if err := os.WriteFile(filepath.Join(dir, base+".eml"), m.Body, 0o644); err != nil {
		return nil, fmt.Errorf("write body %s: %w", base, err)
	}
	res.Bytes += int64(len(m.Body))

	if len(m.Attachments) > 0 {
		attDir := filepath.Join(dir, "attachments", base)
		if err := os.MkdirAll(attDir, 0o755); err != nil {
			return nil, fmt.Errorf("create attachments dir %s: %w", base, err)
		}
		for i, a := range m.Attachments {
			name := sanitize.FileName(a.Filename)
			if name == "" {
				continue
			}
			name = disambiguate(attDir, name, i)
			if err := os.WriteFile(filepath.Join(attDir, name), a.Data, 0o644); err != nil {
				return nil, fmt.Errorf("write attachment %s: %w", name, err)
			}
			res.Attachments = append(res.Attachments, name)
			res.Bytes += int64(len(a.Data))
		}
	}

	meta := Metadata{
		UID:         m.UID,
		Flags:       m.Flags,
		Subject:     m.Subject,
		From:        m.From,
		To:          m.To,
		Date:        m.Date,
		Size:        m.Size,
		Headers:     m.Headers,
		Attachments: res.Attachments,
	}
	b, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode metadata %s: %w", base, err)
	}
	if err := os.WriteFile(filepath.Join(dir, base+".json"), b, 0o644); err != nil {
		return nil, fmt.Errorf("write metadata %s: %w", base, err)
	}
	return res, nil
}

// disambiguate appends _<index> before the extension while the target name
// is taken, so a second report.pdf lands as report_1.pdf.
func disambiguate(dir, name string, index int) string {
	if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	n := index
	if n == 0 {
		n = 1
	}
	for {
		candidate := fmt.Sprintf("%s_%d%s", stem, n, ext)
		if _, err := os.Stat(filepath.Join(dir, candidate)); err != nil {
			return candidate
		}
		n++
	}
}

// FolderDir maps a mailbox folder name to its directory under accountDir,
// mirroring the server-side hierarchy via the folder delimiter.
func FolderDir(accountDir, folderName, delimiter string) string {
	segments := []string{folderName}
	if delimiter != "" {
		segments = strings.Split(folderName, delimiter)
	}
	parts := make([]string, 0, len(segments)+1)
	parts = append(parts, accountDir)
	for _, s := range segments {
		parts = append(parts, sanitize.Token(s))
	}
	return filepath.Join(parts...)
}
