package relay_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/relay/pkg/relay"
)

// fakeBackend is an in-memory Backend with a scriptable fetch hook, letting
// tests deliver updates at a chosen point in the wait loop.
type fakeBackend struct {
	mu      sync.Mutex
	updates []relay.Update

	sentImages   []sentImage
	sentTexts    []string
	acks         []string
	replacements []relay.ControlLayout

	fetchCount int
	// onFetch runs before each fetch with the 1-based call number.
	onFetch func(call int, b *fakeBackend)
	// fetchErr, when set, fails every fetch.
	fetchErr error

	nextRef int
}

type sentImage struct {
	conversation string
	caption      string
	controls     relay.ControlLayout
	ref          relay.MessageRef
}

func (b *fakeBackend) push(u relay.Update) {
	b.updates = append(b.updates, u)
}

func (b *fakeBackend) SendImage(conversation string, image []byte, caption string, controls relay.ControlLayout) (relay.MessageRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextRef++
	ref := relay.MessageRef(fmt.Sprintf("msg-%d", b.nextRef))
	b.sentImages = append(b.sentImages, sentImage{conversation, caption, controls, ref})
	return ref, nil
}

func (b *fakeBackend) SendText(conversation string, text string, controls relay.ControlLayout) (relay.MessageRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextRef++
	b.sentTexts = append(b.sentTexts, text)
	return relay.MessageRef(fmt.Sprintf("msg-%d", b.nextRef)), nil
}

func (b *fakeBackend) FetchUpdates(cursor int64, kinds []relay.UpdateKind) ([]relay.Update, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.fetchCount++
	if b.onFetch != nil {
		b.onFetch(b.fetchCount, b)
	}
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}

	var out []relay.Update
	for _, u := range b.updates {
		if u.ID >= cursor {
			out = append(out, u)
		}
	}
	return out, nil
}

func (b *fakeBackend) AckControl(activationID, feedback string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks = append(b.acks, activationID)
	return nil
}

func (b *fakeBackend) ReplaceControls(conversation string, ref relay.MessageRef, controls relay.ControlLayout) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replacements = append(b.replacements, controls)
	return nil
}

func newTestChannel(t *testing.T, backend *fakeBackend, responders ...string) *relay.Channel {
	t.Helper()
	channel, err := relay.NewChannel(backend, relay.ChannelConfig{
		Conversation:      "chat-1",
		PollInterval:      time.Millisecond,
		AllowedResponders: responders,
	})
	require.NoError(t, err)
	return channel
}

func TestNewChannelValidation(t *testing.T) {
	tests := []struct {
		name    string
		backend relay.Backend
		cfg     relay.ChannelConfig
		wantErr string
	}{
		{
			name:    "missing backend",
			backend: nil,
			cfg:     relay.ChannelConfig{Conversation: "chat-1"},
			wantErr: "backend is required",
		},
		{
			name:    "missing conversation",
			backend: &fakeBackend{},
			cfg:     relay.ChannelConfig{},
			wantErr: "conversation is required",
		},
		{
			name:    "bad responder pattern",
			backend: &fakeBackend{},
			cfg:     relay.ChannelConfig{Conversation: "chat-1", AllowedResponders: []string{"[unterminated"}},
			wantErr: "invalid responder pattern",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := relay.NewChannel(tt.backend, tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWaitForTextReplyFlushSkipsStale(t *testing.T) {
	backend := &fakeBackend{}
	backend.push(relay.Update{ID: 1, Conversation: "chat-1", Text: "stale history"})

	// The real answer arrives only after the flush has run.
	backend.onFetch = func(call int, b *fakeBackend) {
		if call == 2 {
			b.push(relay.Update{ID: 2, Conversation: "chat-1", Text: "  actual answer  "})
		}
	}

	channel := newTestChannel(t, backend)
	reply, ok, err := channel.WaitForTextReply(context.Background(), time.Second)

	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "actual answer", reply, "reply should be trimmed and never the stale message")
}

func TestWaitForTextReplyTimeout(t *testing.T) {
	backend := &fakeBackend{}
	channel := newTestChannel(t, backend)

	timeout := 50 * time.Millisecond
	start := time.Now()
	reply, ok, err := channel.WaitForTextReply(context.Background(), timeout)

	require.NoError(t, err, "timeout must not surface as an error")
	assert.False(t, ok)
	assert.Empty(t, reply)
	assert.GreaterOrEqual(t, time.Since(start), timeout, "absent signal must not fire before the deadline")
}

func TestWaitForTextReplyIgnoresOtherConversations(t *testing.T) {
	backend := &fakeBackend{}
	backend.onFetch = func(call int, b *fakeBackend) {
		if call == 2 {
			b.push(relay.Update{ID: 5, Conversation: "other-chat", Text: "not for us"})
			b.push(relay.Update{ID: 6, Conversation: "chat-1", Text: "for us"})
		}
	}

	channel := newTestChannel(t, backend)
	reply, ok, err := channel.WaitForTextReply(context.Background(), time.Second)

	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "for us", reply)
	assert.Equal(t, int64(7), channel.Cursor(), "cursor advances past foreign updates too")
}

func TestWaitForTextReplyRespondersFilter(t *testing.T) {
	backend := &fakeBackend{}
	backend.onFetch = func(call int, b *fakeBackend) {
		if call == 2 {
			b.push(relay.Update{ID: 1, Conversation: "chat-1", Sender: "mallory", Text: "spoofed"})
			b.push(relay.Update{ID: 2, Conversation: "chat-1", Sender: "alice42", Text: "legit"})
		}
	}

	channel := newTestChannel(t, backend, "alice*")
	reply, ok, err := channel.WaitForTextReply(context.Background(), time.Second)

	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "legit", reply)
}

func TestCursorMonotonicAcrossFetches(t *testing.T) {
	backend := &fakeBackend{}

	var channel *relay.Channel
	var observed []int64
	backend.onFetch = func(call int, b *fakeBackend) {
		observed = append(observed, channel.Cursor())
		switch call {
		case 2:
			b.push(relay.Update{ID: 3, Conversation: "other", Text: "x"})
		case 3:
			// An old id re-delivered by the backend must not move the
			// cursor backwards.
			b.push(relay.Update{ID: 1, Conversation: "other", Text: "y"})
		case 4:
			b.push(relay.Update{ID: 9, Conversation: "chat-1", Text: "done"})
		}
	}

	channel = newTestChannel(t, backend)

	_, ok, err := channel.WaitForTextReply(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(10), channel.Cursor())

	for i := 1; i < len(observed); i++ {
		assert.GreaterOrEqual(t, observed[i], observed[i-1], "cursor must never decrease")
	}
}

func TestFlushFailureKeepsCursor(t *testing.T) {
	backend := &fakeBackend{}
	backend.fetchErr = fmt.Errorf("api unreachable")
	backend.onFetch = func(call int, b *fakeBackend) {
		if call == 2 {
			// Backend recovers after the failed flush.
			b.fetchErr = nil
			b.push(relay.Update{ID: 4, Conversation: "chat-1", Text: "late answer"})
		}
	}

	channel := newTestChannel(t, backend)
	reply, ok, err := channel.WaitForTextReply(context.Background(), time.Second)

	require.NoError(t, err, "a failed flush is swallowed")
	require.True(t, ok)
	assert.Equal(t, "late answer", reply)
}

func TestWaitForTextReplyContextCancel(t *testing.T) {
	backend := &fakeBackend{}
	channel := newTestChannel(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := channel.WaitForTextReply(ctx, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}
