package telegram

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/relay/pkg/relay"
)

// apiRecorder is an httptest handler that records Bot API calls and serves
// canned result envelopes per method name.
type apiRecorder struct {
	t       *testing.T
	results map[string]string

	methods []string
	bodies  []string
}

func (a *apiRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(r.URL.Path, "/")
	method := parts[len(parts)-1]

	body, err := io.ReadAll(r.Body)
	require.NoError(a.t, err)

	a.methods = append(a.methods, method)
	a.bodies = append(a.bodies, string(body))

	result, ok := a.results[method]
	if !ok {
		result = "true"
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true,"result":` + result + `}`))
}

func newTestBackend(t *testing.T, recorder *apiRecorder) *Backend {
	t.Helper()
	server := httptest.NewServer(recorder)
	t.Cleanup(server.Close)

	backend, err := New("test-token", WithBaseURL(server.URL), WithHTTPClient(server.Client()))
	require.NoError(t, err)
	return backend
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token is required")
}

func TestSendImage(t *testing.T) {
	recorder := &apiRecorder{t: t, results: map[string]string{
		"sendPhoto": `{"message_id":42,"chat":{"id":123}}`,
	}}
	backend := newTestBackend(t, recorder)

	controls := relay.ControlLayout{{{Label: "1", Action: "cell:1"}}}
	ref, err := backend.SendImage("123", []byte("png-bytes"), "pick cells", controls)

	require.NoError(t, err)
	assert.Equal(t, relay.MessageRef("42"), ref)

	require.Len(t, recorder.methods, 1)
	assert.Equal(t, "sendPhoto", recorder.methods[0])

	body := recorder.bodies[0]
	assert.Contains(t, body, `name="chat_id"`)
	assert.Contains(t, body, "123")
	assert.Contains(t, body, `name="caption"`)
	assert.Contains(t, body, "pick cells")
	assert.Contains(t, body, `name="reply_markup"`)
	assert.Contains(t, body, `"callback_data":"cell:1"`)
	assert.Contains(t, body, `filename="challenge.png"`)
	assert.Contains(t, body, "png-bytes")
}

func TestSendText(t *testing.T) {
	recorder := &apiRecorder{t: t, results: map[string]string{
		"sendMessage": `{"message_id":7,"chat":{"id":123}}`,
	}}
	backend := newTestBackend(t, recorder)

	ref, err := backend.SendText("123", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, relay.MessageRef("7"), ref)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(recorder.bodies[0]), &payload))
	assert.Equal(t, "123", payload["chat_id"])
	assert.Equal(t, "hello", payload["text"])
	assert.NotContains(t, payload, "reply_markup")
}

func TestFetchUpdatesMapping(t *testing.T) {
	recorder := &apiRecorder{t: t, results: map[string]string{
		"getUpdates": `[
			{"update_id":10,"message":{"message_id":1,"chat":{"id":123},"from":{"username":"alice","id":99},"text":"3 7"}},
			{"update_id":11,"callback_query":{"id":"cb-1","from":{"username":"bob","id":88},"message":{"message_id":42,"chat":{"id":123}},"data":"cell:5"}},
			{"update_id":12,"edited_message":{"message_id":2}}
		]`,
	}}
	backend := newTestBackend(t, recorder)

	updates, err := backend.FetchUpdates(10, []relay.UpdateKind{relay.UpdateMessage, relay.UpdateControl})
	require.NoError(t, err)
	require.Len(t, updates, 3)

	assert.Equal(t, int64(10), updates[0].ID)
	assert.Equal(t, "123", updates[0].Conversation)
	assert.Equal(t, "alice", updates[0].Sender)
	assert.Equal(t, "3 7", updates[0].Text)
	assert.Nil(t, updates[0].Control)

	assert.Equal(t, int64(11), updates[1].ID)
	require.NotNil(t, updates[1].Control)
	assert.Equal(t, "cb-1", updates[1].Control.ID)
	assert.Equal(t, relay.MessageRef("42"), updates[1].Control.MessageRef)
	assert.Equal(t, "cell:5", updates[1].Control.Action)
	assert.Equal(t, "bob", updates[1].Sender)

	// Unconsumed update kinds still come back so the cursor advances.
	assert.Equal(t, int64(12), updates[2].ID)
	assert.Empty(t, updates[2].Text)
	assert.Nil(t, updates[2].Control)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(recorder.bodies[0]), &payload))
	assert.Equal(t, float64(10), payload["offset"])
	assert.ElementsMatch(t, []interface{}{"message", "callback_query"}, payload["allowed_updates"])
}

func TestAckControl(t *testing.T) {
	recorder := &apiRecorder{t: t, results: map[string]string{}}
	backend := newTestBackend(t, recorder)

	require.NoError(t, backend.AckControl("cb-9", "Cell 5 selected"))

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(recorder.bodies[0]), &payload))
	assert.Equal(t, "answerCallbackQuery", recorder.methods[0])
	assert.Equal(t, "cb-9", payload["callback_query_id"])
	assert.Equal(t, "Cell 5 selected", payload["text"])
}

func TestReplaceControlsClearsWithEmptyKeyboard(t *testing.T) {
	recorder := &apiRecorder{t: t, results: map[string]string{}}
	backend := newTestBackend(t, recorder)

	require.NoError(t, backend.ReplaceControls("123", "42", nil))

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(recorder.bodies[0]), &payload))
	assert.Equal(t, "editMessageReplyMarkup", recorder.methods[0])
	assert.Equal(t, float64(42), payload["message_id"])

	markup, ok := payload["reply_markup"].(map[string]interface{})
	require.True(t, ok)
	keyboard, ok := markup["inline_keyboard"].([]interface{})
	require.True(t, ok)
	assert.Empty(t, keyboard, "clearing sends an explicit empty keyboard")
}

func TestReplaceControlsInvalidRef(t *testing.T) {
	backend, err := New("test-token")
	require.NoError(t, err)

	err = backend.ReplaceControls("123", "not-a-number", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid message ref")
}

func TestAPIErrorSurfaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	t.Cleanup(server.Close)

	backend, err := New("test-token", WithBaseURL(server.URL), WithHTTPClient(server.Client()))
	require.NoError(t, err)

	_, err = backend.SendText("123", "hello", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api error: Bad Request: chat not found")
}

func TestValidateChatID(t *testing.T) {
	tests := []struct {
		name    string
		chat    string
		wantErr bool
	}{
		{name: "numeric", chat: "123456", wantErr: false},
		{name: "negative group id", chat: "-1001234", wantErr: false},
		{name: "empty", chat: "", wantErr: true},
		{name: "non-numeric", chat: "@channel", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChatID(tt.chat)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
