// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/bcem/guardian/internal/models"
)

// Handler is called for each new message found in the mailbox.
type Handler func(ctx context.Context, email *models.EmailArtifact) error

// PollerConfig configures an IMAP poller.
type PollerConfig struct {
	Addr     string // host:port
	Username string
	Password string
	Folder   string
	TLS      bool
	// TLSConfig overrides the default, which verifies the host name.
	TLSConfig *tls.Config
	// MarkSeen sets \Seen on messages once they are handled.
	MarkSeen bool
	Interval time.Duration
}

// Poller periodically checks an IMAP folder for unseen messages and hands
// them to a Handler. Each poll opens its own session, so a dropped
// connection only costs one interval.
type Poller struct {
	cfg     PollerConfig
	onEmail Handler
	// lastUID is the highest UID handled so far; only the Run goroutine
	// touches it.
	lastUID     uint32
	uidValidity uint32
}

// NewPoller creates a poller that checks for new mail at the configured interval.
func NewPoller(cfg PollerConfig, onEmail Handler) *Poller {
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Poller{cfg: cfg, onEmail: onEmail}
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	slog.Info("imap poller starting",
		"addr", p.cfg.Addr,
		"folder", p.cfg.Folder,
		"interval", p.cfg.Interval,
	)

	// Do an initial poll immediately
	p.poll(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("imap poller stopping")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	n, err := p.Poll(ctx)
	if err != nil {
		slog.Error("imap poll failed", "addr", p.cfg.Addr, "error", err)
		return
	}
	if n > 0 {
		slog.Info("imap messages handled", "count", n)
	}
}

// RawMessage is a message downloaded from the server.
type RawMessage struct {
	UID  uint32
	Data []byte
}

// Poll runs one session: it fetches unseen messages above the high-water
// mark and hands them to the handler in UID order. A handler error stops
// the batch so the message is retried on the next poll; a message that
// cannot be parsed is logged and skipped. It returns the number of
// messages handled.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	c, err := Connect(p.cfg)
	if err != nil {
		return 0, err
	}
	defer c.Logout()

	status, err := c.Select(p.cfg.Folder, false)
	if err != nil {
		return 0, fmt.Errorf("select %s: %w", p.cfg.Folder, err)
	}
	if status.UidValidity != p.uidValidity {
		if p.uidValidity != 0 {
			slog.Warn("imap uidvalidity changed, rescanning folder",
				"folder", p.cfg.Folder, "old", p.uidValidity, "new", status.UidValidity)
		}
		p.uidValidity = status.UidValidity
		p.lastUID = 0
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	if p.lastUID > 0 {
		criteria.Uid = new(imap.SeqSet)
		criteria.Uid.AddRange(p.lastUID+1, 0)
	}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return 0, fmt.Errorf("search unseen: %w", err)
	}

	var fresh []uint32
	for _, uid := range uids {
		// "n:*" always matches the highest UID, even when it is below n.
		if uid > p.lastUID {
			fresh = append(fresh, uid)
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	messages, err := FetchRaw(c, fresh)
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, m := range messages {
		if err := ctx.Err(); err != nil {
			return handled, err
		}

		email, err := ParseBytes(m.Data)
		if err != nil {
			slog.Warn("skipping unparseable message", "uid", m.UID, "error", err)
			p.lastUID = m.UID
			continue
		}
		if err := p.onEmail(ctx, email); err != nil {
			return handled, fmt.Errorf("handle message uid %d: %w", m.UID, err)
		}
		p.lastUID = m.UID
		handled++

		if p.cfg.MarkSeen {
			if err := markSeen(c, m.UID); err != nil {
				slog.Warn("failed to mark message seen", "uid", m.UID, "error", err)
			}
		}
	}
	return handled, nil
}

// Connect dials the server and logs in. The caller must Logout.
func Connect(cfg PollerConfig) (*client.Client, error) {
	var (
		c   *client.Client
		err error
	)
	if cfg.TLS {
		c, err = client.DialTLS(cfg.Addr, cfg.TLSConfig)
	} else {
		c, err = client.Dial(cfg.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("imap dial %s: %w", cfg.Addr, err)
	}

	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("imap login: %w", err)
	}
	return c, nil
}

// FetchRaw downloads full messages by UID without setting \Seen, sorted
// by UID. The fetch completes before FetchRaw returns, so the connection
// is free for the next command.
func FetchRaw(c *client.Client, uids []uint32) ([]RawMessage, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	ch := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqSet, items, ch)
	}()

	var out []RawMessage
	var readErr error
	for msg := range ch {
		literal := msg.GetBody(section)
		if literal == nil {
			continue
		}
		raw, err := io.ReadAll(literal)
		if err != nil {
			if readErr == nil {
				readErr = fmt.Errorf("read message uid %d: %w", msg.Uid, err)
			}
			continue
		}
		out = append(out, RawMessage{UID: msg.Uid, Data: raw})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	if readErr != nil {
		return nil, readErr
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func markSeen(c *client.Client, uid uint32) error {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	return c.UidStore(seqSet, item, []interface{}{imap.SeenFlag}, nil)
}
