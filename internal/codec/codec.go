// Package codec converts gateway-style JSON envelopes to hub events and back.
//
// An envelope looks like {"t": "GUILD_CREATE", "s": 12, "d": {...}}. Unknown
// dispatch names decode into events with a nil payload, which the reducer
// treats as a no-op.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"ex-kagami/pkg/kagami"
)

// ErrMalformedEnvelope indicates bytes that are not a dispatch envelope.
var ErrMalformedEnvelope = errors.New("codec: malformed envelope")

// Envelope is the wire shape of one dispatch.
type Envelope struct {
	Type     string          `json:"t"`
	Sequence int64           `json:"s,omitempty"`
	Data     json.RawMessage `json:"d,omitempty"`
}

// Decoder turns raw envelopes into events.
type Decoder struct {
	now func() time.Time
}

// NewDecoder creates a decoder stamping events with the wall clock.
func NewDecoder() Decoder {
	return Decoder{now: time.Now}
}

// Peek returns the dispatch name without decoding the body.
func Peek(raw []byte) (kagami.EventKind, error) {
	if !gjson.ValidBytes(raw) {
		return kagami.EventKindUnknown, fmt.Errorf("peek envelope: %w", ErrMalformedEnvelope)
	}
	dispatch := gjson.GetBytes(raw, "t")
	if dispatch.Type != gjson.String || dispatch.Str == "" {
		return kagami.EventKindUnknown, fmt.Errorf("peek envelope: %w: missing t", ErrMalformedEnvelope)
	}

	return kagami.EventKind(dispatch.Str), nil
}

// Decode converts one envelope into an event with a fresh id.
func (d Decoder) Decode(raw []byte) (kagami.Event, error) {
	kind, err := Peek(raw)
	if err != nil {
		return kagami.Event{}, err
	}

	fields := gjson.GetManyBytes(raw, "s", "d")
	event := kagami.Event{
		ID:         uuid.NewString(),
		Sequence:   fields[0].Int(),
		ReceivedAt: d.clock().UTC(),
	}

	var body []byte
	if fields[1].Exists() {
		body = []byte(fields[1].Raw)
	}
	payload, err := decodePayload(kind, body)
	if err != nil {
		return kagami.Event{}, fmt.Errorf("decode %s: %w", kind, err)
	}
	event.Payload = payload

	return event, nil
}

func (d Decoder) clock() time.Time {
	if d.now == nil {
		return time.Now()
	}

	return d.now()
}

// EncodeBody returns the dispatch body of payload.
//
// Request results encode as their entity.
func EncodeBody(payload kagami.Payload) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}

	return encodePayload(payload)
}

// Encode converts event into its envelope bytes.
func Encode(event kagami.Event) ([]byte, error) {
	if event.Payload == nil {
		return nil, fmt.Errorf("encode %s: nil payload", event)
	}
	if event.Kind() == kagami.EventKindRequestResult {
		return nil, fmt.Errorf("encode %s: not a wire dispatch", event)
	}

	body, err := EncodeBody(event.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	envelope := Envelope{
		Type:     string(event.Kind()),
		Sequence: event.Sequence,
	}
	if body != nil {
		envelope.Data = body
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}

	return raw, nil
}
