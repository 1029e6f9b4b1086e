// Package nats forwards bus events to NATS JetStream so external consumers
// can tail project progress without holding an HTTP connection open.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/CodeTumbler/internal/bus"
	"github.com/Strob0t/CodeTumbler/internal/domain/event"
)

const streamName = "TUMBLER"

// Forwarder republishes bus events, except conversation chunks and
// heartbeats, to tumbler.events.<project>.
type Forwarder struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	log *slog.Logger
}

// Connect establishes a connection and ensures the JetStream stream exists.
func Connect(ctx context.Context, url string, log *slog.Logger) (*Forwarder, error) {
	if log == nil {
		log = slog.Default()
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"tumbler.events.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	log.Info("nats connected", "url", url, "stream", streamName)
	return &Forwarder{nc: nc, js: js, log: log}, nil
}

// Run subscribes to the bus and forwards events until ctx is cancelled.
// Conversation chunks and heartbeats are skipped: JetStream consumers get
// the durable signal stream, not the token firehose.
func (f *Forwarder) Run(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("")
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Type == event.TypeConversationChunk || ev.Type == event.TypeHeartbeat {
				continue
			}
			f.publish(ctx, ev)
		}
	}
}

func (f *Forwarder) publish(ctx context.Context, ev event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		f.log.Error("nats marshal failed", "error", err)
		return
	}
	subject := "tumbler.events." + ev.Project
	if _, err := f.js.Publish(ctx, subject, data); err != nil {
		f.log.Warn("nats publish failed", "subject", subject, "error", err)
	}
}

// Close shuts down the connection.
func (f *Forwarder) Close() {
	f.nc.Close()
}
