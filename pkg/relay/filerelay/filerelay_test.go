package filerelay

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/relay/pkg/relay"
)

func newTestBackend(t *testing.T) (*Backend, string) {
	t.Helper()
	dir := t.TempDir()

	backend, err := New(dir)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return backend, dir
}

func TestNewRequiresDir(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestNewCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "exchange")

	backend, err := New(dir)
	require.NoError(t, err)
	defer backend.Close()

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSendImageWritesChallengeFiles(t *testing.T) {
	backend, dir := newTestBackend(t)

	// A stale answer from a previous exchange must not survive.
	stale := filepath.Join(dir, AnswerFile)
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0640))

	ref, err := backend.SendImage(Conversation, []byte("png-bytes"), "solve this", nil)
	require.NoError(t, err)
	assert.Equal(t, relay.MessageRef(ImageFile), ref)

	image, err := os.ReadFile(filepath.Join(dir, ImageFile))
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), image)

	prompt, err := os.ReadFile(filepath.Join(dir, PromptFile))
	require.NoError(t, err)
	assert.Contains(t, string(prompt), "solve this")
	assert.Contains(t, string(prompt), AnswerFile)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale answer file is removed on send")
}

func TestSendTextAppendsToPrompt(t *testing.T) {
	backend, dir := newTestBackend(t)

	_, err := backend.SendText(Conversation, "first line", nil)
	require.NoError(t, err)
	_, err = backend.SendText(Conversation, "second line", nil)
	require.NoError(t, err)

	prompt, err := os.ReadFile(filepath.Join(dir, PromptFile))
	require.NoError(t, err)
	assert.Contains(t, string(prompt), "first line\n")
	assert.Contains(t, string(prompt), "second line\n")
}

func TestFetchUpdatesReadsAnswerFile(t *testing.T) {
	backend, dir := newTestBackend(t)

	updates, err := backend.FetchUpdates(0, nil)
	require.NoError(t, err)
	assert.Empty(t, updates)

	answer := filepath.Join(dir, AnswerFile)
	require.NoError(t, os.WriteFile(answer, []byte("1 3 7\n"), 0640))

	updates, err = backend.FetchUpdates(0, nil)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, int64(1), updates[0].ID)
	assert.Equal(t, Conversation, updates[0].Conversation)
	assert.Equal(t, "1 3 7", updates[0].Text)

	// The same file version is not ingested twice.
	updates, err = backend.FetchUpdates(0, nil)
	require.NoError(t, err)
	assert.Len(t, updates, 1)
}

func TestFetchUpdatesNewAnswerVersion(t *testing.T) {
	backend, dir := newTestBackend(t)
	answer := filepath.Join(dir, AnswerFile)

	require.NoError(t, os.WriteFile(answer, []byte("first"), 0640))
	updates, err := backend.FetchUpdates(0, nil)
	require.NoError(t, err)
	require.Len(t, updates, 1)

	// Bump the modification time explicitly; file systems with coarse
	// timestamps would otherwise hide the rewrite.
	require.NoError(t, os.WriteFile(answer, []byte("second"), 0640))
	later := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(answer, later, later))

	updates, err = backend.FetchUpdates(0, nil)
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, "second", updates[1].Text)
	assert.Equal(t, int64(2), updates[1].ID)
}

func TestFetchUpdatesHonorsCursor(t *testing.T) {
	backend, dir := newTestBackend(t)
	answer := filepath.Join(dir, AnswerFile)

	require.NoError(t, os.WriteFile(answer, []byte("reply"), 0640))
	updates, err := backend.FetchUpdates(0, nil)
	require.NoError(t, err)
	require.Len(t, updates, 1)

	updates, err = backend.FetchUpdates(2, nil)
	require.NoError(t, err)
	assert.Empty(t, updates, "updates behind the cursor are not re-delivered")
}

func TestEmptyAnswerFileIgnored(t *testing.T) {
	backend, dir := newTestBackend(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, AnswerFile), []byte("  \n"), 0640))

	updates, err := backend.FetchUpdates(0, nil)
	require.NoError(t, err)
	assert.Empty(t, updates)
}

func TestControlOperationsAreNoOps(t *testing.T) {
	backend, _ := newTestBackend(t)

	assert.NoError(t, backend.AckControl("any", "feedback"))
	assert.NoError(t, backend.ReplaceControls(Conversation, "ref", nil))
}
