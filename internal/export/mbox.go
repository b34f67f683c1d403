// Package export converts a backed-up folder directory into a single mbox
// file, pairing each raw .eml artifact with the date from its metadata.
package export

import (
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/emersion/go-mbox"

	"github.com/pepperpark/mailkeep/internal/store"
)

// Folder writes every message saved under dir into the mbox file at out.
// Returns the number of messages written. Artifacts whose metadata or body
// cannot be read are skipped.
func Folder(dir, out string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read folder %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	f, err := os.Create(out)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", out, err)
	}
	defer f.Close()
	w := mbox.NewWriter(f)

	written := 0
	for _, name := range names {
		meta, err := store.ReadMetadata(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		body, err := os.ReadFile(filepath.Join(dir, strings.TrimSuffix(name, ".json")+".eml"))
		if err != nil {
			continue
		}
		mw, err := w.CreateMessage(addrSpec(meta.From), meta.Date)
		if err != nil {
			return written, fmt.Errorf("mbox message: %w", err)
		}
		if _, err := mw.Write(body); err != nil {
			return written, fmt.Errorf("mbox write: %w", err)
		}
		written++
	}
	if err := w.Close(); err != nil {
		return written, fmt.Errorf("close mbox: %w", err)
	}
	return written, nil
}

// addrSpec extracts the bare address for the mbox separator line.
func addrSpec(from string) string {
	if a, err := mail.ParseAddress(from); err == nil {
		return a.Address
	}
	return "MAILER-DAEMON"
}
