// Package types defines the shared data model for the relay pipeline:
// challenge descriptors produced by detection, parsed human answers, and
// the terminal result of a solve attempt.
package types

// Kind identifies the category of a detected challenge.
type Kind string

const (
	// KindGridImage is an image-grid challenge answered by cell numbers.
	KindGridImage Kind = "gridImage"

	// KindTextImage is a distorted-text challenge answered by a typed code.
	KindTextImage Kind = "textImage"

	// KindCheckbox is a single-checkbox widget with no open sub-challenge.
	KindCheckbox Kind = "checkbox"

	// KindUnknown is a detection whose category could not be inferred.
	KindUnknown Kind = "unknown"
)

// ParseKind converts a user-supplied kind string into a Kind.
// Unrecognized values map to KindUnknown.
func ParseKind(s string) Kind {
	switch Kind(s) {
	case KindGridImage, KindTextImage, KindCheckbox:
		return Kind(s)
	default:
		return KindUnknown
	}
}

// BoundingBox is a pixel-space rectangle on the page. Coordinates are
// fractional because they come from DOM client rects.
type BoundingBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Descriptor describes one detected challenge instance. Descriptors are
// produced per scan and consumed immediately; they are never persisted.
type Descriptor struct {
	// Kind is the inferred challenge category.
	Kind Kind `json:"kind"`

	// Box is the on-page bounding box of the widget, nil when the
	// signature matched without layout information.
	Box *BoundingBox `json:"boundingBox,omitempty"`

	// HasOpenChallenge reports whether an interactive sub-challenge
	// (the expanded grid) is currently visible.
	HasOpenChallenge bool `json:"hasOpenChallenge"`

	// SourceRef is an opaque reference to the matching signature.
	SourceRef string `json:"sourceRef"`
}

// ParsedAnswer is the structured form of a human reply.
// Exactly one of Cells or Text is meaningful, selected by the challenge kind.
type ParsedAnswer struct {
	// Cells holds 1-indexed grid cell numbers in first-occurrence order.
	Cells []int `json:"cells,omitempty"`

	// Text holds the verbatim trimmed reply for text challenges.
	Text string `json:"text,omitempty"`

	// Skipped reports that the human declined to answer.
	Skipped bool `json:"skipped"`
}

// SolveResult is the terminal value of one solve attempt. Every attempt
// yields exactly one SolveResult; run-time failures are folded into it
// rather than raised.
type SolveResult struct {
	Success bool          `json:"success"`
	Answer  *ParsedAnswer `json:"answer,omitempty"`
	Kind    Kind          `json:"challengeKind,omitempty"`
	Err     string        `json:"error,omitempty"`
}
