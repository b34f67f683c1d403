package imaputil

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// Dial opens a transport to an IMAP server. With useTLS the connection is
// implicit TLS; otherwise a plain connection is upgraded via STARTTLS.
func Dial(host string, port int, useTLS bool, tlsConfig *tls.Config, timeout time.Duration) (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	var c *client.Client
	var err error
	if useTLS {
		c, err = client.DialTLS(addr, tlsConfig)
		if err != nil {
			return nil, err
		}
	} else {
		c, err = client.Dial(addr)
		if err != nil {
			return nil, err
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			_ = c.Logout()
			return nil, err
		}
	}
	if timeout > 0 {
		c.Timeout = timeout
	}
	// Enable raw IMAP wire debug if requested via environment variable
	if os.Getenv("MAILKEEP_IMAP_DEBUG") == "1" {
		c.SetDebug(os.Stderr)
	}
	return c, nil
}

// ListMailboxes returns the full mailbox list.
func ListMailboxes(c *client.Client) ([]*imap.MailboxInfo, error) {
	boxes := []*imap.MailboxInfo{}
	ch := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", "*", ch)
		close(done)
	}()
	for m := range ch {
		if m != nil {
			boxes = append(boxes, m)
		}
	}
	if err := <-done; err != nil {
		return nil, err
	}
	return boxes, nil
}

// MailboxStatus fetches message and unseen counts for one mailbox.
func MailboxStatus(c *client.Client, name string) (*imap.MailboxStatus, error) {
	return c.Status(name, []imap.StatusItem{imap.StatusMessages, imap.StatusUnseen})
}

// SearchAllUIDs returns every UID in the currently selected mailbox.
func SearchAllUIDs(c *client.Client) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(1, 0) // 1:*
	return c.UidSearch(criteria)
}
