package publish

import (
	"github.com/wftrace/wftrace/internal/log"
	"github.com/wftrace/wftrace/pkg/events"
)

var logger = log.GetLogger()

// Publisher mirrors ingested tracking events onto a side channel for live
// monitoring dashboards. Publishing is best-effort: a failed publish never
// blocks or fails the ingestion path.
type Publisher interface {
	Publish(event *events.Event) error
	Close() error
}

// NopPublisher drops every event. Used when no side channel is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(*events.Event) error { return nil }
func (NopPublisher) Close() error                { return nil }

// MultiPublisher fans one event out to several publishers.
type MultiPublisher struct {
	publishers []Publisher
}

// NewMultiPublisher creates a publisher that publishes to multiple publishers
func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{
		publishers: publishers,
	}
}

// Publish publishes to all publishers, continuing past individual failures.
func (p *MultiPublisher) Publish(event *events.Event) error {
	for _, publisher := range p.publishers {
		if err := publisher.Publish(event); err != nil {
			logger.Warnf("side-channel publish failed: %v", err)
			continue
		}
	}
	return nil
}

// Close closes all publishers.
func (p *MultiPublisher) Close() error {
	var firstErr error
	for _, publisher := range p.publishers {
		if err := publisher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
