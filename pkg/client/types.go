package client

import "github.com/xorca/xorca/pkg/envelope"

// StartRequest describes the orchestration instance to create.
type StartRequest struct {
	// ProcessID pins the instance id. Minted by the server when empty.
	ProcessID string `json:"processId,omitempty"`

	// Version pins a machine version (e.g. "1.0.0"). When empty the server
	// starts the highest version it has registered.
	Version string `json:"version,omitempty"`

	// Context seeds the workflow context (required). It must satisfy the
	// machine's initial context schema.
	Context map[string]interface{} `json:"context"`
}

// StartResult is the outcome of a start request.
type StartResult struct {
	// ProcessID of the instance. Server-minted when the request left it
	// empty.
	ProcessID string `json:"processId"`

	// Envelopes emitted by the init step: worker commands on success, a
	// start error envelope on rejection.
	Envelopes []*envelope.Envelope `json:"envelopes"`

	// AlreadyStarted is true when an instance with this process id already
	// exists. Envelopes then carries the rejection.
	AlreadyStarted bool `json:"-"`
}

// RouteResult is the outcome of routing an event batch.
type RouteResult struct {
	// Count of outbound envelopes.
	Count int `json:"count"`

	// Envelopes emitted by the orchestrations the batch touched.
	Envelopes []*envelope.Envelope `json:"envelopes"`
}

// Health reports server and store reachability.
type Health struct {
	// Status is "healthy" or "degraded".
	Status string `json:"status"`

	// Orchestrator is the machine name this server routes.
	Orchestrator string `json:"orchestrator"`

	// Versions lists the registered machine versions, ascending.
	Versions []string `json:"versions"`

	// Store is "connected" or "error".
	Store string `json:"store"`
}
