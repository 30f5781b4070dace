package envelope

import (
	"errors"
	"runtime/debug"
)

// Namer is implemented by error types that carry a stable taxonomy name. The
// name ends up in the errorName field of error envelopes.
type Namer interface {
	ErrorName() string
}

// ErrorData is the data payload of every error envelope. errorMessage is
// always present; the rest is best effort.
type ErrorData struct {
	ErrorName    string                 `json:"errorName,omitempty"`
	ErrorMessage string                 `json:"errorMessage"`
	ErrorStack   string                 `json:"errorStack,omitempty"`
	EventData    map[string]interface{} `json:"eventData,omitempty"`
}

// FromError builds the error payload for err, keeping the triggering event's
// data for diagnosis. The taxonomy name comes from the closest Namer in the
// wrap chain, or "InternalError" when none is found.
func FromError(err error, eventData map[string]interface{}) ErrorData {
	name := "InternalError"
	var n Namer
	if errors.As(err, &n) {
		name = n.ErrorName()
	}
	return ErrorData{
		ErrorName:    name,
		ErrorMessage: err.Error(),
		ErrorStack:   string(debug.Stack()),
		EventData:    eventData,
	}
}

// ToMap renders the payload as envelope data.
func (d ErrorData) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"errorMessage": d.ErrorMessage,
	}
	if d.ErrorName != "" {
		m["errorName"] = d.ErrorName
	}
	if d.ErrorStack != "" {
		m["errorStack"] = d.ErrorStack
	}
	if d.EventData != nil {
		m["eventData"] = d.EventData
	}
	return m
}

// NewError builds an error envelope of the given type for err, propagating
// trace context and event data from the envelope that triggered it. cause may
// be nil when the failure happened before any envelope was decoded.
func NewError(errType, source string, cause *Envelope, err error) *Envelope {
	var (
		subj      string
		eventData map[string]interface{}
	)
	if cause != nil {
		subj = cause.Subject
		eventData = cause.Data
	}
	out := New(errType, source, subj, FromError(err, eventData).ToMap())
	if cause != nil {
		out.TraceParent = cause.TraceParent
		out.TraceState = cause.TraceState
	}
	return out
}
