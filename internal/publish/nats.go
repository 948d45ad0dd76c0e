package publish

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/wftrace/wftrace/pkg/events"
)

const (
	// EventStream is the JetStream stream holding mirrored tracking events.
	EventStream = "WFTRACE_EVENTS"

	// EventSubjectPrefix prefixes per-event subjects; the event name is
	// appended, so consumers can subscribe to subsets like
	// wftrace.events.job_inst.>.
	EventSubjectPrefix = "wftrace.events."
)

// NATSPublisher mirrors tracking events onto a JetStream stream, giving
// consumers replayable access to the event feed.
type NATSPublisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewNATSPublisher connects to NATS and ensures the event stream exists.
func NewNATSPublisher(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(nats.DefaultReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	_, err = js.StreamInfo(EventStream)
	if err == nats.ErrStreamNotFound {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     EventStream,
			Subjects: []string{EventSubjectPrefix + ">"},
			Storage:  nats.FileStorage,
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure event stream: %w", err)
	}

	return &NATSPublisher{nc: nc, js: js}, nil
}

// Publish publishes one tracking event to its per-name subject.
func (p *NATSPublisher) Publish(event *events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := p.js.Publish(EventSubjectPrefix+event.Name, data); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
