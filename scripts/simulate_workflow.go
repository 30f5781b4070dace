package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/xorca/xorca/pkg/client"
	"github.com/xorca/xorca/pkg/envelope"
	"github.com/xorca/xorca/pkg/subject"
)

// Plays a canned worker fleet against a locally running server: starts a
// book-summary run, answers every command the orchestration emits, and
// prints the final context when notif.done arrives.
//
//	go run ./cmd/xorca-server &
//	go run ./scripts/simulate_workflow.go
func main() {
	c := client.NewClient(client.Config{
		BaseURL: "http://localhost:8080",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("🤖 Worker fleet starting")

	// 1. Check the server is up before doing anything.
	h, err := c.Health(ctx)
	if err != nil {
		log.Fatalf("❌ server unreachable: %v", err)
	}
	fmt.Printf("✅ Connected: orchestrator %q, versions %v\n", h.Orchestrator, h.Versions)

	// 2. Start a summary run.
	res, err := c.Start(ctx, client.StartRequest{
		Context: map[string]interface{}{"bookId": "moby-dick.pdf"},
	})
	if err != nil {
		log.Fatalf("❌ start failed: %v", err)
	}
	if res.AlreadyStarted {
		log.Fatalf("❌ process %s is already running", res.ProcessID)
	}
	fmt.Printf("\n📖 Started process %s\n", res.ProcessID)

	// 3. Answer every command until the orchestration notifies done.
	queue := res.Envelopes
	for len(queue) > 0 {
		cmd := queue[0]
		queue = queue[1:]

		if cmd.Type == "notif.done" {
			finish(ctx, c, cmd)
			return
		}

		reply := answer(cmd)
		if reply == nil {
			fmt.Printf("   (ignoring %s)\n", cmd.Type)
			continue
		}

		fmt.Printf("⚙️  %s → %s\n", cmd.Type, reply.Type)
		out, err := c.Send(ctx, []*envelope.Envelope{reply})
		if err != nil {
			log.Fatalf("❌ send failed: %v", err)
		}
		queue = append(queue, out.Envelopes...)
	}

	log.Fatal("❌ command queue drained before notif.done")
}

// answer plays the worker a command is addressed to. Returns nil for
// anything that is not a worker command.
func answer(cmd *envelope.Envelope) *envelope.Envelope {
	switch cmd.Type {
	case "cmd.book.fetch":
		return reply(cmd, "evt.book.fetch.success", "/worker/fetch", map[string]interface{}{
			"bookData": []interface{}{"Call me Ishmael.", "Some years ago, never mind how long precisely."},
		})
	case "cmd.gpt.summary":
		return reply(cmd, "evt.gpt.summary.success", "/worker/gpt", map[string]interface{}{
			"summary": "A sailor joins a whaling voyage led by a captain obsessed with one whale.",
		})
	case "cmd.regulations.grounded":
		return reply(cmd, "evt.regulations.grounded.success", "/worker/regulations", map[string]interface{}{
			"grounded": true,
		})
	case "cmd.regulations.compliant":
		return reply(cmd, "evt.regulations.compliant.success", "/worker/regulations", map[string]interface{}{
			"compliant": true,
		})
	}
	return nil
}

func reply(cmd *envelope.Envelope, eventType, source string, data map[string]interface{}) *envelope.Envelope {
	return envelope.New(eventType, source, cmd.Subject, data)
}

// finish prints the final context and confirms the stored snapshot is done.
func finish(ctx context.Context, c *client.Client, done *envelope.Envelope) {
	fmt.Println("\n🏁 Workflow done. Final context:")
	for k, v := range done.Data {
		fmt.Printf("   %s: %v\n", k, v)
	}

	subj, err := subject.Parse(done.Subject)
	if err != nil {
		log.Fatalf("❌ bad subject on notif.done: %v", err)
	}
	snap, err := c.Snapshot(ctx, subj)
	if err != nil {
		log.Fatalf("❌ snapshot read failed: %v", err)
	}
	fmt.Printf("\n✅ Snapshot status: %s (%d history entries)\n", snap.Status, len(snap.History))
}
