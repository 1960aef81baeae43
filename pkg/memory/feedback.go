package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lexlapax/engram/pkg/errors"
)

// Kind identifies a feedback submission.
type Kind string

const (
	KindPositive   Kind = "positive"
	KindNegative   Kind = "negative"
	KindCorrection Kind = "correction"
)

// Score deltas applied per feedback kind.
const (
	PositiveDelta   = 0.1
	NegativeDelta   = -0.2
	CorrectionDelta = -0.1
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if err := k.Validate(); err != nil {
		return "", err
	}
	return k, nil
}

// Validate returns ErrValidation for unrecognized kinds.
func (k Kind) Validate() error {
	switch k {
	case KindPositive, KindNegative, KindCorrection:
		return nil
	default:
		return errors.Validation("unrecognized feedback kind %q", string(k))
	}
}

// ScoreDelta is the change a feedback kind applies to FeedbackScore.
func (k Kind) ScoreDelta() float64 {
	switch k {
	case KindPositive:
		return PositiveDelta
	case KindNegative:
		return NegativeDelta
	case KindCorrection:
		return CorrectionDelta
	default:
		return 0
	}
}

// Payload is the kind-specific body of a feedback event.
type Payload interface {
	Kind() Kind
}

// PositivePayload accompanies positive feedback.
type PositivePayload struct {
	Note string `json:"note,omitempty"`
}

// Kind implements Payload.
func (PositivePayload) Kind() Kind { return KindPositive }

// NegativePayload accompanies negative feedback.
type NegativePayload struct {
	Note string `json:"note,omitempty"`
}

// Kind implements Payload.
func (NegativePayload) Kind() Kind { return KindNegative }

// CorrectionPayload accompanies correction feedback. A non-empty
// CorrectedContent causes a new memory to be stored.
type CorrectionPayload struct {
	CorrectedContent string `json:"corrected_content,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// Kind implements Payload.
func (CorrectionPayload) Kind() Kind { return KindCorrection }

// NormalizePayload checks that payload matches kind, substituting the empty
// payload of that kind when payload is nil.
func NormalizePayload(kind Kind, payload Payload) (Payload, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	if payload == nil {
		return emptyPayload(kind), nil
	}
	if payload.Kind() != kind {
		return nil, errors.Validation("payload of kind %q submitted as %q", payload.Kind(), kind)
	}
	return payload, nil
}

func emptyPayload(kind Kind) Payload {
	switch kind {
	case KindPositive:
		return PositivePayload{}
	case KindNegative:
		return NegativePayload{}
	default:
		return CorrectionPayload{}
	}
}

// EncodePayload serializes a payload for persistence.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// DecodePayload restores a payload persisted with EncodePayload.
func DecodePayload(kind Kind, data []byte) (Payload, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindPositive:
		var v PositivePayload
		err = json.Unmarshal(data, &v)
		p = v
	case KindNegative:
		var v NegativePayload
		err = json.Unmarshal(data, &v)
		p = v
	case KindCorrection:
		var v CorrectionPayload
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, kind.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
	}
	return p, nil
}

// FeedbackEvent is the append-only audit record of one feedback submission.
type FeedbackEvent struct {
	ID          string    `json:"id"`
	MemoryID    string    `json:"memory_id"`
	Kind        Kind      `json:"kind"`
	Payload     Payload   `json:"payload"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type feedbackEventJSON struct {
	ID          string          `json:"id"`
	MemoryID    string          `json:"memory_id"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// MarshalJSON encodes the payload alongside its kind tag.
func (e FeedbackEvent) MarshalJSON() ([]byte, error) {
	payload, err := EncodePayload(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(feedbackEventJSON{
		ID:          e.ID,
		MemoryID:    e.MemoryID,
		Kind:        e.Kind,
		Payload:     payload,
		SubmittedAt: e.SubmittedAt,
	})
}

// UnmarshalJSON decodes the payload according to the kind tag.
func (e *FeedbackEvent) UnmarshalJSON(data []byte) error {
	var raw feedbackEventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := DecodePayload(raw.Kind, raw.Payload)
	if err != nil {
		return err
	}
	*e = FeedbackEvent{
		ID:          raw.ID,
		MemoryID:    raw.MemoryID,
		Kind:        raw.Kind,
		Payload:     payload,
		SubmittedAt: raw.SubmittedAt,
	}
	return nil
}

// CorrectionEntry returns the correction to append for a correction event.
func (e FeedbackEvent) CorrectionEntry() (Correction, bool) {
	if e.Kind != KindCorrection {
		return Correction{}, false
	}
	c := Correction{AppliedAt: e.SubmittedAt}
	if p, ok := e.Payload.(CorrectionPayload); ok {
		c.CorrectedContent = p.CorrectedContent
		c.Reason = p.Reason
	}
	return c, true
}

// ApplyFeedback applies the event's side effects to r in place.
// Stores that keep records in Go use it inside their write transaction.
func ApplyFeedback(r *Record, e FeedbackEvent) {
	r.FeedbackScore += e.Kind.ScoreDelta()
	if c, ok := e.CorrectionEntry(); ok {
		r.Corrections = append(r.Corrections, c)
	}
}
