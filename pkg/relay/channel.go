package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/entrhq/relay/pkg/logging"
)

// GridSelection is the terminal outcome of a grid exchange.
type GridSelection struct {
	// Cells holds the selected cell numbers. Ascending when produced by
	// the control protocol; first-occurrence order when typed.
	Cells []int

	// Skipped reports the human declined the challenge.
	Skipped bool
}

// Relayer is the exchange surface consumed by the orchestrator. The wait
// methods block until a qualifying event arrives or the timeout elapses;
// a timeout is signalled by ok=false, never by an error.
type Relayer interface {
	// SendImageWithCaption sends the annotated image with instructions.
	SendImageWithCaption(image []byte, caption string) error

	// WaitForTextReply waits for the first text reply from the
	// conversation, trimmed of surrounding whitespace.
	WaitForTextReply(ctx context.Context, timeout time.Duration) (reply string, ok bool, err error)

	// SendImageWithSelectableGrid sends the annotated image together with
	// a rows x cols toggle-control layout plus skip/submit controls.
	SendImageWithSelectableGrid(image []byte, caption string, rows, cols int) error

	// WaitForGridSelection runs the toggle exchange until submit, skip, a
	// typed-digits fallback, or the timeout.
	WaitForGridSelection(ctx context.Context, timeout time.Duration) (sel GridSelection, ok bool, err error)
}

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	// Conversation is the target conversation identifier.
	Conversation string

	// PollInterval is the pause between update fetches.
	// Defaults to DefaultPollInterval.
	PollInterval time.Duration

	// AllowedResponders optionally restricts which senders may answer,
	// as glob patterns over the sender identity. Empty allows anyone
	// in the conversation.
	AllowedResponders []string
}

// DefaultPollInterval is the pause between update fetches while waiting.
const DefaultPollInterval = 2 * time.Second

// Channel drives one conversation on a Backend. It owns the update cursor
// for that backend credential; the design assumes at most one active wait
// per Channel at a time.
type Channel struct {
	backend      Backend
	conversation string
	pollInterval time.Duration
	responders   []glob.Glob

	// cursor marks the first unprocessed update id. It only ever moves
	// forward, so each update is acted on at most once for the lifetime
	// of this channel.
	cursor int64

	// session is the in-flight grid exchange, nil outside one.
	session *gridSession

	log *logging.Logger
}

// NewChannel creates a channel for the given backend and conversation.
func NewChannel(backend Backend, cfg ChannelConfig) (*Channel, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if cfg.Conversation == "" {
		return nil, fmt.Errorf("conversation is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	responders := make([]glob.Glob, 0, len(cfg.AllowedResponders))
	for _, pattern := range cfg.AllowedResponders {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid responder pattern %q: %w", pattern, err)
		}
		responders = append(responders, g)
	}

	log, _ := logging.NewLogger("relay")

	return &Channel{
		backend:      backend,
		conversation: cfg.Conversation,
		pollInterval: cfg.PollInterval,
		responders:   responders,
		log:          log,
	}, nil
}

// Cursor returns the current update cursor. Exposed for tests and
// diagnostics; the cursor is owned exclusively by this channel.
func (c *Channel) Cursor() int64 {
	return c.cursor
}

// SendImageWithCaption sends the annotated image with instructions and no
// controls.
func (c *Channel) SendImageWithCaption(image []byte, caption string) error {
	if _, err := c.backend.SendImage(c.conversation, image, caption, nil); err != nil {
		return fmt.Errorf("failed to send challenge image: %w", err)
	}
	return nil
}

// WaitForTextReply polls for the first text reply from the conversation.
// Messages sent before the wait began are flushed past and never treated as
// the answer. Returns ok=false once timeout elapses with no qualifying reply.
func (c *Channel) WaitForTextReply(ctx context.Context, timeout time.Duration) (string, bool, error) {
	c.flush()
	deadline := time.Now().Add(timeout)

	for {
		for _, u := range c.fetch([]UpdateKind{UpdateMessage}) {
			c.advance(u.ID)
			if !c.accepts(u) {
				continue
			}
			if text := strings.TrimSpace(u.Text); text != "" {
				return text, true, nil
			}
		}

		if !c.sleep(ctx, deadline) {
			return "", false, nil
		}
	}
}

// flush advances the cursor past every update currently outstanding, so
// stale conversation history cannot be mistaken for an answer. A failed
// flush is swallowed and leaves the cursor at its prior value.
func (c *Channel) flush() {
	updates, err := c.backend.FetchUpdates(c.cursor, nil)
	if err != nil {
		c.log.Warnf("cursor flush failed, keeping cursor at %d: %v", c.cursor, err)
		return
	}
	for _, u := range updates {
		c.advance(u.ID)
	}
}

// fetch returns the pending updates after the cursor. Transient backend
// failures are reported as an empty batch so a single bad tick does not
// abort the exchange.
func (c *Channel) fetch(kinds []UpdateKind) []Update {
	updates, err := c.backend.FetchUpdates(c.cursor, kinds)
	if err != nil {
		c.log.Warnf("update fetch failed, treating as empty batch: %v", err)
		return nil
	}
	return updates
}

// advance moves the cursor past update id. The cursor never decreases.
func (c *Channel) advance(id int64) {
	if id >= c.cursor {
		c.cursor = id + 1
	}
}

// accepts reports whether an update originates from the target conversation
// and an allowed responder.
func (c *Channel) accepts(u Update) bool {
	if u.Conversation != c.conversation {
		return false
	}
	if len(c.responders) == 0 {
		return true
	}
	for _, g := range c.responders {
		if g.Match(u.Sender) {
			return true
		}
	}
	c.log.Debugf("ignoring update %d from unapproved sender %q", u.ID, u.Sender)
	return false
}

// sleep pauses one poll interval, bounded by the deadline and context.
// Returns false when the wait should end.
func (c *Channel) sleep(ctx context.Context, deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}

	pause := c.pollInterval
	if pause > remaining {
		pause = remaining
	}

	timer := time.NewTimer(pause)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}
	return time.Until(deadline) > 0
}
