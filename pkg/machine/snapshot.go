package machine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Status is the lifecycle state of an orchestration snapshot. The core only
// ever writes active or done; error is reserved for external tooling that
// marks snapshots dead out of band.
type Status string

const (
	StatusActive Status = "active"
	StatusDone   Status = "done"
	StatusError  Status = "error"
)

// Reserved context keys. The interpreter owns them; machine authors must not
// read or write them directly.
const (
	KeyTraceID           = "__traceId"
	KeyMachineLogs       = "__machineLogs"
	KeyCloudEvent        = "__cloudevent"
	KeyOrchestrationTime = "__orchestrationTime"
	KeyExecutionUnits    = "__cumulativeExecutionUnits"
)

// IsReservedKey reports whether k is owned by the interpreter.
func IsReservedKey(k string) bool {
	switch k {
	case KeyTraceID, KeyMachineLogs, KeyCloudEvent, KeyOrchestrationTime, KeyExecutionUnits:
		return true
	}
	return false
}

// PublicContext copies ctx without the reserved keys. Emission payloads and
// index projections are built from this view.
func PublicContext(ctx map[string]interface{}) map[string]interface{} {
	pub := make(map[string]interface{}, len(ctx))
	for k, v := range ctx {
		if IsReservedKey(k) {
			continue
		}
		pub[k] = v
	}
	return pub
}

// HistoryEntry records one processed event. StartMs is the orchestration
// start; ElapsedMs is the distance from it, so entries are non-decreasing.
type HistoryEntry struct {
	EventType    string `json:"eventType"`
	StartMs      int64  `json:"startMs"`
	CheckpointMs int64  `json:"checkpointMs"`
	ElapsedMs    int64  `json:"elapsedMs"`
}

// LogRecord is one per-event log line kept inside the snapshot.
type LogRecord struct {
	EventType string `json:"eventType"`
	Timestamp int64  `json:"timestamp"`
}

// ConfigValue is the hierarchical active-state configuration: a leaf state
// renders as its bare name, a compound state as a one-key object holding its
// active child, a parallel state as an object with one key per region.
type ConfigValue struct {
	Leaf     string
	Children map[string]ConfigValue
}

// MarshalJSON renders leaves as strings and branches as objects.
func (v ConfigValue) MarshalJSON() ([]byte, error) {
	if v.Children == nil {
		return json.Marshal(v.Leaf)
	}
	return json.Marshal(v.Children)
}

// UnmarshalJSON accepts either form.
func (v *ConfigValue) UnmarshalJSON(raw []byte) error {
	var leaf string
	if err := json.Unmarshal(raw, &leaf); err == nil {
		v.Leaf = leaf
		v.Children = nil
		return nil
	}
	var children map[string]ConfigValue
	if err := json.Unmarshal(raw, &children); err != nil {
		return fmt.Errorf("config value is neither a state name nor an object: %w", err)
	}
	v.Leaf = ""
	v.Children = children
	return nil
}

// ActivePaths flattens the configuration into sorted dotted leaf paths, e.g.
// ["Verify.Compliant.Check", "Verify.Grounded.Check"].
func (v ConfigValue) ActivePaths() []string {
	var paths []string
	v.walk("", &paths)
	sort.Strings(paths)
	return paths
}

func (v ConfigValue) walk(prefix string, out *[]string) {
	join := func(a, b string) string {
		if a == "" {
			return b
		}
		return a + "." + b
	}
	if v.Children == nil {
		if v.Leaf != "" {
			*out = append(*out, join(prefix, v.Leaf))
		}
		return
	}
	for name, child := range v.Children {
		child.walk(join(prefix, name), out)
	}
}

// Snapshot is the persisted per-process state. The wire format is explicit
// and independent of the interpreter's in-memory representation: the
// interpreter deserializes into its own structure on load and serializes
// back on save.
type Snapshot struct {
	Value          ConfigValue            `json:"value"`
	Context        map[string]interface{} `json:"context"`
	Status         Status                 `json:"status"`
	History        []HistoryEntry         `json:"history"`
	Logs           []LogRecord            `json:"logs"`
	ExecutionUnits int64                  `json:"executionUnits"`
	TraceID        string                 `json:"traceId"`
}

// Done reports whether every active leaf is final.
func (s *Snapshot) Done() bool { return s.Status == StatusDone }

// syncReservedContext mirrors the framework-owned snapshot fields into the
// reserved context keys so guards and actions can observe them. KeyCloudEvent
// is excluded: it is injected by the orchestration actor, not derived.
func (s *Snapshot) syncReservedContext() {
	if s.Context == nil {
		s.Context = make(map[string]interface{})
	}
	s.Context[KeyTraceID] = s.TraceID
	s.Context[KeyMachineLogs] = s.Logs
	s.Context[KeyOrchestrationTime] = s.History
	s.Context[KeyExecutionUnits] = s.ExecutionUnits
}

// MarshalSnapshot encodes the snapshot for storage. Map keys marshal in
// sorted order, so equal snapshots encode byte-identically.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	if s == nil {
		return nil, errors.New("nil snapshot")
	}
	return json.Marshal(s)
}

// UnmarshalSnapshot decodes a stored snapshot. Structural validation against
// a machine happens in Interpreter.Restore, not here.
func UnmarshalSnapshot(raw []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Context == nil {
		s.Context = make(map[string]interface{})
	}
	return &s, nil
}
