// Package envelope defines the CloudEvents 1.0 shaped record that enters and
// leaves the router, the xorca topic grammar, and the error-envelope payload.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xorca/xorca/pkg/semver"
)

// Accepted content types. Any datacontenttype containing one of these
// substrings is valid; everything else is rejected.
const (
	ContentTypeCloudEvents = "application/cloudevents+json; charset=UTF-8"
	ContentTypeJSON        = "application/json"
)

var (
	// ErrInvalidContentType is returned when datacontenttype is absent or not
	// a JSON cloudevents type.
	ErrInvalidContentType = errors.New("invalid content type")
	// ErrInvalidEnvelope is returned when a required field is missing or an
	// optional field is malformed (traceparent, statemachineversion).
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

var traceParentRe = regexp.MustCompile(`^[0-9a-f]{2}-[0-9a-f]{32}-[0-9a-f]{16}-[0-9a-f]{2}$`)

// Envelope is the CloudEvents 1.0 envelope carried by every xorca event.
// Compatible with the CNCF CloudEvents specification.
type Envelope struct {
	SpecVersion         string                 `json:"specversion"`
	ID                  string                 `json:"id"`
	Type                string                 `json:"type"`
	Source              string                 `json:"source"`
	Subject             string                 `json:"subject,omitempty"`
	Time                time.Time              `json:"time"`
	DataContentType     string                 `json:"datacontenttype"`
	Data                map[string]interface{} `json:"data"`
	TraceParent         string                 `json:"traceparent,omitempty"`
	TraceState          string                 `json:"tracestate,omitempty"`
	StateMachineVersion string                 `json:"statemachineversion,omitempty"`
}

// New creates a CloudEvents 1.0 compliant envelope with a fresh id and the
// cloudevents JSON content type.
func New(eventType, source, subj string, data map[string]interface{}) *Envelope {
	return &Envelope{
		SpecVersion:     "1.0",
		ID:              uuid.NewString(),
		Type:            eventType,
		Source:          source,
		Subject:         subj,
		Time:            time.Now().UTC(),
		DataContentType: ContentTypeCloudEvents,
		Data:            data,
	}
}

// JSON serializes the envelope.
func (e *Envelope) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Parse deserializes an envelope from its JSON wire form.
func Parse(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return &e, nil
}

// ContentTypeError reports a datacontenttype outside the accepted JSON
// cloudevents types.
type ContentTypeError struct {
	ContentType string
}

func (e *ContentTypeError) Error() string {
	return fmt.Sprintf("invalid content type %q", e.ContentType)
}

// Is matches ErrInvalidContentType so errors.Is works across the wrap chain.
func (e *ContentTypeError) Is(target error) bool { return target == ErrInvalidContentType }

// ErrorName returns the taxonomy name used in error envelopes.
func (e *ContentTypeError) ErrorName() string { return "InvalidContentType" }

// FieldError reports a missing or malformed envelope field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid envelope: %s: %s", e.Field, e.Reason)
}

// Is matches ErrInvalidEnvelope so errors.Is works across the wrap chain.
func (e *FieldError) Is(target error) bool { return target == ErrInvalidEnvelope }

// ErrorName returns the taxonomy name used in error envelopes.
func (e *FieldError) ErrorName() string { return "InvalidEnvelope" }

// ValidateContentType checks that ct names a JSON cloudevents payload.
func ValidateContentType(ct string) error {
	if strings.Contains(ct, "application/cloudevents+json") || strings.Contains(ct, ContentTypeJSON) {
		return nil
	}
	return &ContentTypeError{ContentType: ct}
}

// Validate checks required fields and the format of optional ones. It is the
// single pre-processing gate the router runs before touching any store.
func (e *Envelope) Validate() error {
	switch {
	case e.ID == "":
		return &FieldError{Field: "id", Reason: "missing"}
	case e.Source == "":
		return &FieldError{Field: "source", Reason: "missing"}
	case e.Type == "":
		return &FieldError{Field: "type", Reason: "missing"}
	}
	if err := ValidateContentType(e.DataContentType); err != nil {
		return err
	}
	if e.TraceParent != "" && !traceParentRe.MatchString(e.TraceParent) {
		return &FieldError{Field: "traceparent", Reason: fmt.Sprintf("malformed %q", e.TraceParent)}
	}
	if e.StateMachineVersion != "" && !semver.Valid(e.StateMachineVersion) {
		return &FieldError{Field: "statemachineversion", Reason: fmt.Sprintf("malformed %q", e.StateMachineVersion)}
	}
	return nil
}

// Topic grammar. Type prefixes carry routing semantics: evt.* continues an
// orchestration, cmd.*/notif.* are outbound only, sys.* records a
// pre-processing failure.
const (
	PrefixEvent        = "evt."
	PrefixCommand      = "cmd."
	PrefixNotification = "notif."
	PrefixSystem       = "sys."
)

// StartType returns the init topic for an orchestrator name.
func StartType(name string) string {
	return "xorca." + name + ".start"
}

// StartErrorType returns the logical init-error topic.
func StartErrorType(name string) string {
	return "xorca." + name + ".start.error"
}

// OrchestratorErrorType returns the logical continuation-error topic.
func OrchestratorErrorType(name string) string {
	return "xorca.orchestrator." + name + ".error"
}

// OrchestratorSource returns the source URI stamped on outbound envelopes.
func OrchestratorSource(name string) string {
	return "xorca.orchestrator." + name
}

// SystemErrorType prefixes a logical error topic with the sys. marker used
// for pre-processing errors (e.g. sys.xorca.<name>.start.error).
func SystemErrorType(logical string) string {
	return PrefixSystem + logical
}

// IsStart reports whether typ is the init topic for name.
func IsStart(typ, name string) bool { return typ == StartType(name) }

// IsContinuation reports whether typ continues an existing orchestration.
func IsContinuation(typ string) bool { return strings.HasPrefix(typ, PrefixEvent) }

// IsSystemError reports whether typ records a pre-processing error.
func IsSystemError(typ string) bool { return strings.HasPrefix(typ, PrefixSystem) }

// IsOutboundOnly reports whether typ may only be produced, never routed.
func IsOutboundOnly(typ string) bool {
	return strings.HasPrefix(typ, PrefixCommand) || strings.HasPrefix(typ, PrefixNotification)
}
