// Package relay carries a challenge image to a human over a messaging
// backend and waits for the answer. It supports two exchange styles: a plain
// text reply, and an interactive grid of selectable inline controls with a
// typed-digits fallback. The messaging backend is a capability interface so
// the exchange logic runs unchanged against the Telegram Bot API, a local
// answer-file directory, or an in-memory fake in tests.
package relay

// MessageRef is an opaque handle to a sent message, used to later mutate or
// clear the message's attached controls.
type MessageRef string

// UpdateKind selects which classes of inbound updates a fetch should return.
type UpdateKind string

const (
	// UpdateMessage covers plain text messages from the conversation.
	UpdateMessage UpdateKind = "message"

	// UpdateControl covers activations of inline controls.
	UpdateControl UpdateKind = "control"
)

// Control action identifiers attached to inline controls.
const (
	// ActionSubmit finalizes the current selection.
	ActionSubmit = "submit"

	// ActionSkip abandons the challenge without an answer.
	ActionSkip = "skip"

	// ActionCellPrefix prefixes per-cell toggle actions: "cell:<n>".
	ActionCellPrefix = "cell:"
)

// Control is one selectable inline control: a human-visible label and a
// stable action identifier reported back on activation.
type Control struct {
	Label  string
	Action string
}

// ControlLayout arranges controls in rows. An empty layout clears all
// controls from a message.
type ControlLayout [][]Control

// ControlActivation is the inbound event produced when the human taps an
// inline control.
type ControlActivation struct {
	// ID identifies the activation for acknowledgement.
	ID string

	// MessageRef is the message the activated control is attached to.
	MessageRef MessageRef

	// Action is the control's action identifier.
	Action string
}

// Update is one inbound event from the messaging backend. Exactly one of
// Text or Control is populated.
type Update struct {
	// ID is the backend-assigned, monotonically increasing update id.
	ID int64

	// Conversation identifies the originating conversation.
	Conversation string

	// Sender identifies the human who produced the update, when known.
	Sender string

	// Text is the message body for UpdateMessage events.
	Text string

	// Control is the activation payload for UpdateControl events.
	Control *ControlActivation
}

// Backend is the capability surface required of any messaging provider.
// Implementations must return updates in backend arrival order with ids
// strictly increasing within a conversation.
type Backend interface {
	// SendImage sends an image with a caption and optional controls,
	// returning a handle to the created message.
	SendImage(conversation string, image []byte, caption string, controls ControlLayout) (MessageRef, error)

	// SendText sends a plain message with optional controls.
	SendText(conversation string, text string, controls ControlLayout) (MessageRef, error)

	// FetchUpdates returns pending updates with id >= cursor, restricted
	// to the given kinds (all kinds when empty).
	FetchUpdates(cursor int64, kinds []UpdateKind) ([]Update, error)

	// AckControl acknowledges a control activation with short feedback
	// shown to the human.
	AckControl(activationID, feedback string) error

	// ReplaceControls swaps the control layout attached to a message.
	// An empty layout removes all controls.
	ReplaceControls(conversation string, ref MessageRef, controls ControlLayout) error
}
