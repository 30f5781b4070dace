package actor

import (
	"encoding/json"
	"strings"

	"github.com/xorca/xorca/pkg/machine"
	"github.com/xorca/xorca/pkg/subject"
)

// Projection is the queryable index record kept beside the snapshot blob so
// dashboards can list and filter runs without parsing snapshots.
type Projection struct {
	Stage       string
	Status      string
	Context     map[string]interface{}
	TraceID     string
	Name        string
	ProcessID   string
	Version     string
	Checkpoints []machine.HistoryEntry
	Logs        []machine.LogRecord
}

// IsZero reports whether the projection carries nothing worth writing.
func (p Projection) IsZero() bool {
	return p.Stage == "" && p.Status == "" && p.TraceID == "" && p.Name == ""
}

// Fields renders the projection as flat string fields for the store index.
// Structured values are embedded as compact JSON.
func (p Projection) Fields() map[string]string {
	fields := map[string]string{
		"stage":  p.Stage,
		"status": p.Status,
	}
	if p.TraceID != "" {
		fields["traceId"] = p.TraceID
	}
	if p.Name != "" {
		fields["name"] = p.Name
	}
	if p.ProcessID != "" {
		fields["processId"] = p.ProcessID
	}
	if p.Version != "" {
		fields["version"] = p.Version
	}
	if p.Context != nil {
		if raw, err := json.Marshal(p.Context); err == nil {
			fields["context"] = string(raw)
		}
	}
	if len(p.Checkpoints) > 0 {
		if raw, err := json.Marshal(p.Checkpoints); err == nil {
			fields["checkpoints"] = string(raw)
		}
	}
	if len(p.Logs) > 0 {
		if raw, err := json.Marshal(p.Logs); err == nil {
			fields["logs"] = string(raw)
		}
	}
	return fields
}

// PreWriteHook computes the projection from the snapshot about to be
// written. Hooks must not fail: a hook that cannot project returns the zero
// Projection and the index write is skipped, never the snapshot write.
type PreWriteHook func(snapshotJSON []byte, key string) Projection

// DefaultPreWrite projects the active stage, status, public context, and
// subject identity. Undecodable input yields the zero Projection.
func DefaultPreWrite(snapshotJSON []byte, key string) Projection {
	snap, err := machine.UnmarshalSnapshot(snapshotJSON)
	if err != nil {
		return Projection{}
	}
	subj, err := subject.Parse(strings.TrimSuffix(key, ".json"))
	if err != nil {
		return Projection{}
	}

	return Projection{
		Stage:       strings.Join(snap.Value.ActivePaths(), ","),
		Status:      string(snap.Status),
		Context:     machine.PublicContext(snap.Context),
		TraceID:     snap.TraceID,
		Name:        subj.Name,
		ProcessID:   subj.ProcessID,
		Version:     subj.Version.String(),
		Checkpoints: snap.History,
		Logs:        snap.Logs,
	}
}
