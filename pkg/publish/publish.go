// Package publish carries the envelopes a router activation returns out to
// the fleet. The router itself never publishes; callers hand its output to
// one of the Publisher implementations here, or bring their own transport.
package publish

import (
	"context"

	"github.com/xorca/xorca/pkg/envelope"
)

// Publisher delivers outbound envelopes to an orchestration channel.
type Publisher interface {
	// Publish delivers the batch. Implementations preserve batch order for
	// envelopes sharing a subject.
	Publish(ctx context.Context, envs []*envelope.Envelope) error
	// Close releases the transport. Publish must not be called after Close.
	Close() error
}
