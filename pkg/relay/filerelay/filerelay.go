// Package filerelay implements the relay backend on a plain directory, for
// manual or air-gapped answering: the challenge image and prompt are written
// as files, and the human (or an external tool) answers by writing
// answer.txt. Inline controls have no file representation, so answers always
// arrive through the typed-digits fallback path.
package filerelay

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/relay"
)

// Conversation is the fixed conversation identifier for a directory backend.
const Conversation = "local"

// File names used inside the exchange directory.
const (
	ImageFile  = "challenge.png"
	PromptFile = "prompt.txt"
	AnswerFile = "answer.txt"
)

// Backend watches one directory. It implements relay.Backend.
type Backend struct {
	dir     string
	watcher *fsnotify.Watcher
	log     *logging.Logger

	mu       sync.Mutex
	updates  []relay.Update
	nextID   int64
	lastSeen time.Time
}

// New creates a backend rooted at dir, creating the directory if needed.
// File watching degrades to stat polling when the watcher cannot start.
func New(dir string) (*Backend, error) {
	if dir == "" {
		return nil, fmt.Errorf("exchange directory is required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create exchange directory: %w", err)
	}

	log, _ := logging.NewLogger("filerelay")

	b := &Backend{
		dir:    dir,
		log:    log,
		nextID: 1,
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warnf("fsnotify unavailable, falling back to stat polling: %v", err)
		return b, nil
	}
	if err := watcher.Add(dir); err != nil {
		log.Warnf("cannot watch %s, falling back to stat polling: %v", dir, err)
		watcher.Close()
		return b, nil
	}

	b.watcher = watcher
	go b.watch()
	return b, nil
}

// Close stops the directory watcher.
func (b *Backend) Close() error {
	if b.watcher != nil {
		return b.watcher.Close()
	}
	return nil
}

// watch ingests the answer file whenever it is created or written.
func (b *Backend) watch() {
	for {
		select {
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != AnswerFile {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				b.ingestAnswer()
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.log.Warnf("watch error: %v", err)
		}
	}
}

// ingestAnswer reads answer.txt and queues it as a text update when its
// modification time moved past the last ingested version.
func (b *Backend) ingestAnswer() {
	path := filepath.Join(b.dir, AnswerFile)
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !info.ModTime().After(b.lastSeen) {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		b.log.Warnf("failed to read answer file: %v", err)
		return
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return
	}

	b.lastSeen = info.ModTime()
	b.updates = append(b.updates, relay.Update{
		ID:           b.nextID,
		Conversation: Conversation,
		Text:         text,
	})
	b.nextID++
}

// SendImage writes the challenge image and prompt into the directory.
// Any stale answer file is removed so it cannot answer the new challenge.
func (b *Backend) SendImage(conversation string, image []byte, caption string, controls relay.ControlLayout) (relay.MessageRef, error) {
	if err := os.WriteFile(filepath.Join(b.dir, ImageFile), image, 0640); err != nil {
		return "", fmt.Errorf("failed to write challenge image: %w", err)
	}

	prompt := caption + "\n\nWrite your answer to " + AnswerFile + " in this directory.\n"
	if err := os.WriteFile(filepath.Join(b.dir, PromptFile), []byte(prompt), 0640); err != nil {
		return "", fmt.Errorf("failed to write prompt: %w", err)
	}

	_ = os.Remove(filepath.Join(b.dir, AnswerFile))
	return relay.MessageRef(ImageFile), nil
}

// SendText appends a line to the prompt file.
func (b *Backend) SendText(conversation string, text string, controls relay.ControlLayout) (relay.MessageRef, error) {
	path := filepath.Join(b.dir, PromptFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return "", fmt.Errorf("failed to open prompt file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(text + "\n"); err != nil {
		return "", fmt.Errorf("failed to append prompt: %w", err)
	}
	return relay.MessageRef(PromptFile), nil
}

// FetchUpdates returns queued answer updates with id >= cursor. It also
// stats the answer file directly, covering platforms where the watcher
// missed the write.
func (b *Backend) FetchUpdates(cursor int64, kinds []relay.UpdateKind) ([]relay.Update, error) {
	b.ingestAnswer()

	b.mu.Lock()
	defer b.mu.Unlock()

	var out []relay.Update
	for _, u := range b.updates {
		if u.ID >= cursor {
			out = append(out, u)
		}
	}
	return out, nil
}

// AckControl is a no-op: a directory has no tappable controls.
func (b *Backend) AckControl(activationID, feedback string) error {
	return nil
}

// ReplaceControls is a no-op: a directory has no tappable controls.
func (b *Backend) ReplaceControls(conversation string, ref relay.MessageRef, controls relay.ControlLayout) error {
	return nil
}

var _ relay.Backend = (*Backend)(nil)
