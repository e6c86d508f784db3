package relay

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// sessionState tracks the lifecycle of one grid exchange:
// Sent -> {Selecting <-> ToggleApplied} -> {Submitted | Skipped | TimedOut}.
type sessionState int

const (
	stateSent sessionState = iota
	stateSelecting
	stateToggleApplied
	stateSubmitted
	stateSkipped
	stateTimedOut
)

// gridSession is the live state of one outstanding grid exchange. It is
// owned exclusively by the channel's wait loop; updates are processed one
// at a time, so selection mutation is race-free by construction.
type gridSession struct {
	ref      MessageRef
	rows     int
	columns  int
	selected map[int]bool
	state    sessionState
}

// cellCount returns the number of selectable cells.
func (s *gridSession) cellCount() int {
	return s.rows * s.columns
}

// toggle flips membership of cell n. Toggling twice restores the prior state.
func (s *gridSession) toggle(n int) {
	if s.selected[n] {
		delete(s.selected, n)
		return
	}
	s.selected[n] = true
}

// selection returns the selected cells in ascending order.
func (s *gridSession) selection() []int {
	cells := make([]int, 0, len(s.selected))
	for n := range s.selected {
		cells = append(cells, n)
	}
	sort.Ints(cells)
	return cells
}

// layout renders the control grid for the current selection: rows of cell
// toggles followed by a trailing row with skip and submit. Selected cells
// get a marked label variant; submit's label carries the live count.
func (s *gridSession) layout() ControlLayout {
	out := make(ControlLayout, 0, s.rows+1)
	for row := 0; row < s.rows; row++ {
		line := make([]Control, 0, s.columns)
		for col := 0; col < s.columns; col++ {
			n := row*s.columns + col + 1
			label := strconv.Itoa(n)
			if s.selected[n] {
				label = "[" + label + "]"
			}
			line = append(line, Control{
				Label:  label,
				Action: ActionCellPrefix + strconv.Itoa(n),
			})
		}
		out = append(out, line)
	}
	out = append(out, []Control{
		{Label: "Skip", Action: ActionSkip},
		{Label: fmt.Sprintf("Submit (%d selected)", len(s.selected)), Action: ActionSubmit},
	})
	return out
}

// SendImageWithSelectableGrid sends the annotated image with the toggle
// control layout and opens a new grid session. Any prior session is
// abandoned; a session is exchanged for exactly one terminal outcome.
func (c *Channel) SendImageWithSelectableGrid(image []byte, caption string, rows, cols int) error {
	if rows < 1 || cols < 1 {
		return fmt.Errorf("invalid grid dimensions %dx%d", rows, cols)
	}

	session := &gridSession{
		rows:     rows,
		columns:  cols,
		selected: make(map[int]bool),
		state:    stateSent,
	}

	ref, err := c.backend.SendImage(c.conversation, image, caption, session.layout())
	if err != nil {
		return fmt.Errorf("failed to send challenge image: %w", err)
	}

	session.ref = ref
	c.session = session
	return nil
}

// WaitForGridSelection processes inbound events in arrival order until the
// session reaches a terminal state or the timeout elapses. Terminal events:
//   - a typed message containing digits: parsed as the final cell list,
//     bypassing the toggle protocol;
//   - submit: current selection, ascending;
//   - skip: empty selection with Skipped set.
//
// Cell toggles acknowledge, re-render the controls in place, and keep
// waiting. A timeout returns ok=false without an error.
func (c *Channel) WaitForGridSelection(ctx context.Context, timeout time.Duration) (GridSelection, bool, error) {
	session := c.session
	if session == nil {
		return GridSelection{}, false, fmt.Errorf("no grid session in flight: call SendImageWithSelectableGrid first")
	}
	defer func() { c.session = nil }()

	c.flush()
	deadline := time.Now().Add(timeout)
	session.state = stateSelecting

	for {
		for _, u := range c.fetch([]UpdateKind{UpdateMessage, UpdateControl}) {
			c.advance(u.ID)
			if !c.accepts(u) {
				continue
			}

			if u.Control != nil {
				if sel, done := c.handleActivation(session, u.Control); done {
					return sel, true, nil
				}
				continue
			}

			// Typed fallback: digits in a plain message finalize the
			// exchange immediately.
			if cells := extractCellNumbers(u.Text, session.cellCount()); len(cells) > 0 {
				c.clearControls(session)
				session.state = stateSubmitted
				return GridSelection{Cells: cells}, true, nil
			}
		}

		if !c.sleep(ctx, deadline) {
			session.state = stateTimedOut
			return GridSelection{}, false, nil
		}
	}
}

// handleActivation applies one control activation. done is true when the
// session reached a terminal state.
func (c *Channel) handleActivation(session *gridSession, act *ControlActivation) (GridSelection, bool) {
	if act.MessageRef != session.ref {
		// A control on some other message; already consumed by cursor advance.
		return GridSelection{}, false
	}

	switch {
	case act.Action == ActionSubmit:
		c.ack(act.ID, fmt.Sprintf("Submitting %d cell(s)", len(session.selected)))
		c.clearControls(session)
		session.state = stateSubmitted
		return GridSelection{Cells: session.selection()}, true

	case act.Action == ActionSkip:
		c.ack(act.ID, "Skipped")
		c.clearControls(session)
		session.state = stateSkipped
		return GridSelection{Skipped: true}, true

	case strings.HasPrefix(act.Action, ActionCellPrefix):
		n, err := strconv.Atoi(strings.TrimPrefix(act.Action, ActionCellPrefix))
		if err != nil || n < 1 || n > session.cellCount() {
			c.ack(act.ID, "Unknown cell")
			return GridSelection{}, false
		}
		session.toggle(n)
		feedback := fmt.Sprintf("Cell %d selected", n)
		if !session.selected[n] {
			feedback = fmt.Sprintf("Cell %d deselected", n)
		}
		c.ack(act.ID, feedback)
		session.state = stateToggleApplied
		if err := c.backend.ReplaceControls(c.conversation, session.ref, session.layout()); err != nil {
			c.log.Warnf("failed to re-render controls: %v", err)
		}
		session.state = stateSelecting
		return GridSelection{}, false

	default:
		c.ack(act.ID, "")
		return GridSelection{}, false
	}
}

// ack acknowledges a control activation, swallowing backend errors.
func (c *Channel) ack(activationID, feedback string) {
	if err := c.backend.AckControl(activationID, feedback); err != nil {
		c.log.Warnf("failed to acknowledge activation %s: %v", activationID, err)
	}
}

// clearControls strips the control layout from the session's message.
func (c *Channel) clearControls(session *gridSession) {
	if err := c.backend.ReplaceControls(c.conversation, session.ref, nil); err != nil {
		c.log.Warnf("failed to clear controls: %v", err)
	}
}

// extractCellNumbers pulls digit runs out of a typed message, keeping values
// in [1, max] in first-occurrence order. Returns nil when the text carries
// no usable numbers.
func extractCellNumbers(text string, max int) []int {
	var cells []int
	var run strings.Builder

	emit := func() {
		if run.Len() == 0 {
			return
		}
		if n, err := strconv.Atoi(run.String()); err == nil && n >= 1 && n <= max {
			cells = append(cells, n)
		}
		run.Reset()
	}

	for _, r := range text {
		if r >= '0' && r <= '9' {
			run.WriteRune(r)
			continue
		}
		emit()
	}
	emit()
	return cells
}
