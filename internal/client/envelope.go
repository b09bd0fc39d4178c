package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Messages carried by failure envelopes that the client produces itself.
const (
	ErrMsgNetwork     = "Network error. Please check your connection."
	ErrMsgRateLimited = "Too many requests. Please wait a moment and try again."
	ErrMsgMalformed   = "The server returned an unreadable response."
	ErrMsgCancelled   = "Request cancelled."
	ErrMsgInvalidBody = "The request could not be encoded."
)

// Kind classifies how a request settled.
type Kind string

const (
	KindNone        Kind = ""
	KindNetwork     Kind = "network"
	KindRateLimited Kind = "rate_limited"
	KindApplication Kind = "application"
	KindMalformed   Kind = "malformed"
	KindCancelled   Kind = "cancelled"
	KindInvalid     Kind = "invalid_request"
)

// Outcome returns the label used for logs and metrics
func (k Kind) Outcome() string {
	if k == KindNone {
		return "success"
	}
	return string(k)
}

// Envelope is the uniform result of every request. Failures are values:
// Success is false and Error holds a message fit for display. Data is shared
// between deduplicated callers and must be treated as read-only.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`

	Kind   Kind `json:"-"`
	Status int  `json:"-"`
}

// RateLimited reports whether the server answered 429
func (e Envelope) RateLimited() bool {
	return e.Kind == KindRateLimited
}

// Payload returns the business data of a successful response. When the
// server wrapped its body as {"success": true, "data": ...} the nested data
// is returned, otherwise the body itself.
func (e Envelope) Payload() json.RawMessage {
	if len(e.Data) == 0 {
		return nil
	}
	var wrapped struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if bytes.HasPrefix(bytes.TrimSpace(e.Data), []byte("{")) &&
		json.Unmarshal(e.Data, &wrapped) == nil && wrapped.Success != nil {
		return wrapped.Data
	}
	return e.Data
}

// ErrNoData is returned by Decode for a successful response without a body
var ErrNoData = errors.New("response has no data")

// Decode unmarshals the payload of a successful envelope into T
func Decode[T any](e Envelope) (T, error) {
	var v T
	if !e.Success {
		return v, errors.New(e.Error)
	}
	payload := e.Payload()
	if len(payload) == 0 || string(payload) == "null" {
		return v, ErrNoData
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("decoding response: %w", err)
	}
	return v, nil
}

func failure(kind Kind, status int, msg string) Envelope {
	return Envelope{Success: false, Error: msg, Kind: kind, Status: status}
}

// businessFailure detects a 2xx body shaped {"success": false, ...}
func businessFailure(body []byte) (string, bool) {
	var shape struct {
		Success *bool `json:"success"`
	}
	if json.Unmarshal(body, &shape) != nil || shape.Success == nil || *shape.Success {
		return "", false
	}
	if msg, ok := errorMessage(body); ok {
		return msg, true
	}
	return "Request failed", true
}

// errorMessage pulls a display message out of an error body. It understands
// {"error": "..."}, {"error": {"message": "..."}} and {"message": "..."}.
func errorMessage(body []byte) (string, bool) {
	var shape struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &shape); err != nil {
		return "", false
	}

	if len(shape.Error) > 0 {
		var s string
		if json.Unmarshal(shape.Error, &s) == nil && s != "" {
			return s, true
		}
		var obj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(shape.Error, &obj) == nil && obj.Message != "" {
			return obj.Message, true
		}
	}
	if shape.Message != "" {
		return shape.Message, true
	}
	return "", false
}
