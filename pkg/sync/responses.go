package sync

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// RawResponse is one inbound frame, as the service encodes it. The encoding
// is quirky: at most one of Error/Subscribe/SignalEntry/Publish is
// meaningfully populated, but "absent" is represented inconsistently per
// field. Error uses the empty string; Subscribe may be missing, JSON null or
// an empty JSON string; SignalEntry and Publish are simply missing.
type RawResponse struct {
	ID          string               `json:"id"`
	Error       string               `json:"error"`
	Subscribe   json.RawMessage      `json:"subscribe"`
	SignalEntry *SignalEntryResponse `json:"signal_entry"`
	Publish     *PublishResponse     `json:"publish"`
}

// SignalEntryResponse carries the new value of the state counter.
type SignalEntryResponse struct {
	Seq int64 `json:"seq"`
}

// PublishResponse carries the 1-based position of the new item in the topic.
type PublishResponse struct {
	Seq int64 `json:"seq"`
}

// ResponseKind tags the normalized outcome of a response.
type ResponseKind int

const (
	// KindBarrierAck is a bare acknowledgment: no field populated, meaning
	// the barrier is satisfied.
	KindBarrierAck ResponseKind = iota
	KindSignalEntry
	KindPublish
	KindSubscribe
	KindError
)

func (k ResponseKind) String() string {
	switch k {
	case KindBarrierAck:
		return "barrier-ack"
	case KindSignalEntry:
		return "signal-entry"
	case KindPublish:
		return "publish"
	case KindSubscribe:
		return "subscribe"
	case KindError:
		return "error"
	}
	return "unknown"
}

// Response is the normalized, unambiguous form of a RawResponse.
type Response struct {
	ID   string
	Kind ResponseKind

	// Seq is set for KindSignalEntry and KindPublish.
	Seq int64

	// Payload is set for KindSubscribe. It is the published item as JSON,
	// which may itself be a string or a structured value.
	Payload json.RawMessage

	// Reason is set for KindError.
	Reason string
}

var jsonNull = []byte("null")
var jsonEmptyString = []byte(`""`)

func subscribePresent(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	trimmed := bytes.TrimSpace(raw)
	// The service writes an empty string where it means "no payload".
	return !bytes.Equal(trimmed, jsonNull) && !bytes.Equal(trimmed, jsonEmptyString)
}

// normalizeResponse is a total function from RawResponse to Response. It
// fails when more than one discriminant is populated or the subscribe
// payload is not valid JSON; it never silently picks one outcome.
func normalizeResponse(raw *RawResponse) (*Response, error) {
	res := &Response{ID: raw.ID, Kind: KindBarrierAck}
	populated := 0

	if raw.Error != "" {
		res.Kind = KindError
		res.Reason = raw.Error
		populated++
	}
	if subscribePresent(raw.Subscribe) {
		if !json.Valid(raw.Subscribe) {
			return nil, errors.Errorf("response %s: subscribe payload is not valid JSON", raw.ID)
		}
		res.Kind = KindSubscribe
		res.Payload = raw.Subscribe
		populated++
	}
	if raw.SignalEntry != nil {
		res.Kind = KindSignalEntry
		res.Seq = raw.SignalEntry.Seq
		populated++
	}
	if raw.Publish != nil {
		res.Kind = KindPublish
		res.Seq = raw.Publish.Seq
		populated++
	}

	if populated > 1 {
		return nil, errors.Wrapf(ErrAmbiguousResponse, "response %s", raw.ID)
	}
	return res, nil
}

// decodeResponse parses one inbound frame and normalizes it.
func decodeResponse(frame []byte) (*Response, error) {
	var raw RawResponse
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, errors.Wrap(err, "decoding frame from sync service")
	}
	return normalizeResponse(&raw)
}
