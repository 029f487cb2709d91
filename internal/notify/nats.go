package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/your-org/mediamigrate/internal/progress"
)

// NATSPublisher publishes on <prefix>.<runId>.<type>.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// ConnectNATS dials url and returns a publisher for subjects under prefix.
func ConnectNATS(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("mediamigrate"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{nc: nc, prefix: prefix}, nil
}

// Subject returns the subject an envelope is published on.
func Subject(prefix string, env Envelope) string {
	parts := []string{strings.Trim(prefix, "."), env.RunID, env.Type}
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ".")
}

func (p *NATSPublisher) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	msg := nats.NewMsg(Subject(p.prefix, env))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, env.ID)
	if err := p.nc.PublishMsg(msg); err != nil {
		return err
	}
	if env.Type == string(progress.EventComplete) {
		// Make sure the final event leaves before the caller shuts down.
		return p.nc.FlushWithContext(ctx)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
