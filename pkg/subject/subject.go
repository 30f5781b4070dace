// Package subject encodes and decodes orchestration subjects. A subject pins
// one workflow instance to one machine version; its encoded form travels in
// event envelopes and doubles as the storage key prefix for the instance
// snapshot.
package subject

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xorca/xorca/pkg/semver"
)

// ErrInvalidSubject is returned when an encoded subject cannot be decoded or
// is missing a required part.
var ErrInvalidSubject = errors.New("invalid subject")

// InvalidSubjectError carries the reason a subject was rejected.
type InvalidSubjectError struct {
	Reason string
}

func (e *InvalidSubjectError) Error() string { return "invalid subject: " + e.Reason }

// Is matches ErrInvalidSubject so errors.Is works across the wrap chain.
func (e *InvalidSubjectError) Is(target error) bool { return target == ErrInvalidSubject }

// ErrorName returns the taxonomy name used in error envelopes.
func (e *InvalidSubjectError) ErrorName() string { return "InvalidSubject" }

// Subject identifies a single orchestration instance.
type Subject struct {
	ProcessID string         `json:"processId"`
	Name      string         `json:"name"`
	Version   semver.Version `json:"version"`
}

// New builds a subject from its parts, rejecting empty process ids and names.
func New(processID, name string, version semver.Version) (Subject, error) {
	if strings.TrimSpace(processID) == "" {
		return Subject{}, &InvalidSubjectError{Reason: "empty processId"}
	}
	if strings.TrimSpace(name) == "" {
		return Subject{}, &InvalidSubjectError{Reason: "empty name"}
	}
	return Subject{ProcessID: processID, Name: name, Version: version}, nil
}

// String encodes the subject as base64(JSON). The encoding is deterministic:
// two subjects with the same parts always render the same string.
func (s Subject) String() string {
	raw, err := json.Marshal(s)
	if err != nil {
		// Subject has only string-ish fields; marshal cannot fail.
		panic(fmt.Sprintf("subject: marshal: %v", err))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// StoreKey returns the storage key holding the instance snapshot.
func (s Subject) StoreKey() string {
	return s.String() + ".json"
}

// Parse decodes a base64(JSON) subject string.
func Parse(encoded string) (Subject, error) {
	if encoded == "" {
		return Subject{}, &InvalidSubjectError{Reason: "empty string"}
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Subject{}, &InvalidSubjectError{Reason: fmt.Sprintf("base64 decode: %v", err)}
	}
	var s Subject
	if err := json.Unmarshal(raw, &s); err != nil {
		return Subject{}, &InvalidSubjectError{Reason: fmt.Sprintf("json decode: %v", err)}
	}
	if s.ProcessID == "" || s.Name == "" {
		return Subject{}, &InvalidSubjectError{Reason: "missing processId or name"}
	}
	return s, nil
}
