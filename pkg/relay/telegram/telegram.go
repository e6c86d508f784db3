// Package telegram implements the relay backend on the Telegram Bot API.
// Inline keyboards carry the selectable grid controls, getUpdates long
// polling feeds the channel's update cursor, and callback queries map to
// control activations.
package telegram

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/entrhq/relay/pkg/relay"
)

// DefaultBaseURL is the production Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// longPollSeconds is the server-side hold time for getUpdates.
const longPollSeconds = 1

// Backend talks to one bot token. It implements relay.Backend.
type Backend struct {
	token   string
	baseURL string
	client  *http.Client
}

// Option customizes a Backend.
type Option func(*Backend)

// WithBaseURL overrides the API endpoint, used by tests.
func WithBaseURL(u string) Option {
	return func(b *Backend) { b.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.client = c }
}

// New creates a Backend for the given bot token.
// A missing token is a configuration error.
func New(token string, opts ...Option) (*Backend, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}

	b := &Backend{
		token:   token,
		baseURL: DefaultBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// apiResponse is the Bot API envelope.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// message is the subset of the Bot API message object we consume.
type message struct {
	MessageID int64 `json:"message_id"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	From *struct {
		Username string `json:"username"`
		ID       int64  `json:"id"`
	} `json:"from"`
	Text string `json:"text"`
}

// update is the subset of the Bot API update object we consume.
type update struct {
	UpdateID int64    `json:"update_id"`
	Message  *message `json:"message"`
	Callback *struct {
		ID   string `json:"id"`
		From struct {
			Username string `json:"username"`
			ID       int64  `json:"id"`
		} `json:"from"`
		Message *message `json:"message"`
		Data    string   `json:"data"`
	} `json:"callback_query"`
}

// inlineKeyboard converts a control layout into reply_markup JSON.
// Returns nil for an empty layout, which Telegram treats as "no keyboard";
// clearing uses an explicit empty keyboard instead (see ReplaceControls).
func inlineKeyboard(controls relay.ControlLayout) map[string]interface{} {
	rows := make([][]map[string]string, 0, len(controls))
	for _, row := range controls {
		line := make([]map[string]string, 0, len(row))
		for _, ctl := range row {
			line = append(line, map[string]string{
				"text":          ctl.Label,
				"callback_data": ctl.Action,
			})
		}
		rows = append(rows, line)
	}
	return map[string]interface{}{"inline_keyboard": rows}
}

// SendImage sends a photo with caption and optional inline keyboard.
func (b *Backend) SendImage(conversation string, image []byte, caption string, controls relay.ControlLayout) (relay.MessageRef, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", conversation); err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return "", fmt.Errorf("failed to build request: %w", err)
		}
	}
	if len(controls) > 0 {
		markup, err := json.Marshal(inlineKeyboard(controls))
		if err != nil {
			return "", fmt.Errorf("failed to encode keyboard: %w", err)
		}
		if err := writer.WriteField("reply_markup", string(markup)); err != nil {
			return "", fmt.Errorf("failed to build request: %w", err)
		}
	}

	part, err := writer.CreateFormFile("photo", "challenge.png")
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := b.client.Post(b.method("sendPhoto"), writer.FormDataContentType(), &body)
	if err != nil {
		return "", fmt.Errorf("sendPhoto failed: %w", err)
	}
	var sent message
	if err := decodeResult(resp, &sent); err != nil {
		return "", fmt.Errorf("sendPhoto failed: %w", err)
	}
	return messageRef(sent.MessageID), nil
}

// SendText sends a plain message with optional inline keyboard.
func (b *Backend) SendText(conversation string, text string, controls relay.ControlLayout) (relay.MessageRef, error) {
	payload := map[string]interface{}{
		"chat_id": conversation,
		"text":    text,
	}
	if len(controls) > 0 {
		payload["reply_markup"] = inlineKeyboard(controls)
	}

	var sent message
	if err := b.postJSON("sendMessage", payload, &sent); err != nil {
		return "", fmt.Errorf("sendMessage failed: %w", err)
	}
	return messageRef(sent.MessageID), nil
}

// FetchUpdates long-polls getUpdates with offset = cursor and maps Bot API
// updates onto relay updates.
func (b *Backend) FetchUpdates(cursor int64, kinds []relay.UpdateKind) ([]relay.Update, error) {
	allowed := make([]string, 0, 2)
	for _, k := range kinds {
		switch k {
		case relay.UpdateMessage:
			allowed = append(allowed, "message")
		case relay.UpdateControl:
			allowed = append(allowed, "callback_query")
		}
	}

	payload := map[string]interface{}{
		"offset":  cursor,
		"timeout": longPollSeconds,
	}
	if len(allowed) > 0 {
		payload["allowed_updates"] = allowed
	}

	var raw []update
	if err := b.postJSON("getUpdates", payload, &raw); err != nil {
		return nil, fmt.Errorf("getUpdates failed: %w", err)
	}

	out := make([]relay.Update, 0, len(raw))
	for _, u := range raw {
		mapped := relay.Update{ID: u.UpdateID}
		switch {
		case u.Callback != nil:
			mapped.Sender = senderName(u.Callback.From.Username, u.Callback.From.ID)
			ref := relay.MessageRef("")
			if u.Callback.Message != nil {
				mapped.Conversation = strconv.FormatInt(u.Callback.Message.Chat.ID, 10)
				ref = messageRef(u.Callback.Message.MessageID)
			}
			mapped.Control = &relay.ControlActivation{
				ID:         u.Callback.ID,
				MessageRef: ref,
				Action:     u.Callback.Data,
			}
		case u.Message != nil:
			mapped.Conversation = strconv.FormatInt(u.Message.Chat.ID, 10)
			if u.Message.From != nil {
				mapped.Sender = senderName(u.Message.From.Username, u.Message.From.ID)
			}
			mapped.Text = u.Message.Text
		default:
			// Update kind we do not consume; keep it so the cursor advances.
		}
		out = append(out, mapped)
	}
	return out, nil
}

// AckControl answers a callback query with short feedback.
func (b *Backend) AckControl(activationID, feedback string) error {
	payload := map[string]interface{}{
		"callback_query_id": activationID,
	}
	if feedback != "" {
		payload["text"] = feedback
	}
	if err := b.postJSON("answerCallbackQuery", payload, nil); err != nil {
		return fmt.Errorf("answerCallbackQuery failed: %w", err)
	}
	return nil
}

// ReplaceControls swaps the inline keyboard on a sent message. A nil or
// empty layout clears the keyboard.
func (b *Backend) ReplaceControls(conversation string, ref relay.MessageRef, controls relay.ControlLayout) error {
	messageID, err := strconv.ParseInt(string(ref), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid message ref %q: %w", ref, err)
	}

	markup := map[string]interface{}{"inline_keyboard": [][]map[string]string{}}
	if len(controls) > 0 {
		markup = inlineKeyboard(controls)
	}

	payload := map[string]interface{}{
		"chat_id":      conversation,
		"message_id":   messageID,
		"reply_markup": markup,
	}
	if err := b.postJSON("editMessageReplyMarkup", payload, nil); err != nil {
		return fmt.Errorf("editMessageReplyMarkup failed: %w", err)
	}
	return nil
}

// method builds the URL for a Bot API method.
func (b *Backend) method(name string) string {
	return fmt.Sprintf("%s/bot%s/%s", strings.TrimRight(b.baseURL, "/"), b.token, name)
}

// postJSON posts a JSON payload and decodes the result envelope into out.
func (b *Backend) postJSON(name string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	resp, err := b.client.Post(b.method(name), "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	return decodeResult(resp, out)
}

// decodeResult unwraps the Bot API envelope, surfacing API-level failures
// as errors.
func decodeResult(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if !envelope.OK {
		return fmt.Errorf("api error: %s", envelope.Description)
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("failed to decode result: %w", err)
		}
	}
	return nil
}

func messageRef(id int64) relay.MessageRef {
	return relay.MessageRef(strconv.FormatInt(id, 10))
}

// senderName prefers the username, falling back to the numeric id.
func senderName(username string, id int64) string {
	if username != "" {
		return username
	}
	return strconv.FormatInt(id, 10)
}

// Ensure Backend satisfies the capability interface.
var _ relay.Backend = (*Backend)(nil)

// chatIDValid is kept close to the config surface: Telegram chat ids are
// numeric (possibly negative for groups).
func chatIDValid(chat string) bool {
	if chat == "" {
		return false
	}
	_, err := strconv.ParseInt(chat, 10, 64)
	return err == nil
}

// ValidateChatID reports whether chat is a plausible Telegram chat id.
func ValidateChatID(chat string) error {
	if !chatIDValid(chat) {
		return fmt.Errorf("invalid telegram chat id %q", chat)
	}
	return nil
}
