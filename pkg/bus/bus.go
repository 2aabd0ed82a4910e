// Package bus forwards workflow events to NATS.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/launchyard/launchyard/pkg/telemetry"
)

// Publisher is the part of *nats.Conn the forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Options configures a NATS connection.
type Options struct {
	URL            string
	Subject        string
	ClientName     string
	ConnectTimeout time.Duration
}

// Bus is a NATS connection that publishes workflow events.
type Bus struct {
	conn *nats.Conn
	*Forwarder
}

// Connect dials NATS.
func Connect(opts Options, logger *telemetry.Logger) (*Bus, error) {
	if opts.URL == "" {
		return nil, errors.New("nats url is required")
	}

	natsOpts := []nats.Option{nats.Name(opts.ClientName)}
	if opts.ConnectTimeout > 0 {
		natsOpts = append(natsOpts, nats.Timeout(opts.ConnectTimeout))
	}

	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return &Bus{
		conn:      nc,
		Forwarder: NewForwarder(nc, opts.Subject, logger),
	}, nil
}

// Close flushes pending messages and shuts down the connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Forwarder publishes telemetry events as JSON. Each event goes to
// "<subject>.<event type>", e.g. launchyard.events.job.failed.
type Forwarder struct {
	pub     Publisher
	subject string
	logger  *telemetry.Logger

	sent   atomic.Int64
	failed atomic.Int64
}

// NewForwarder creates a forwarder. A nil logger discards output.
func NewForwarder(pub Publisher, subject string, logger *telemetry.Logger) *Forwarder {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Forwarder{
		pub:     pub,
		subject: subject,
		logger:  logger.NewComponentLogger("event-bus"),
	}
}

// Subject returns the subject an event is published on.
func (f *Forwarder) Subject(event telemetry.Event) string {
	if event.Type == "" {
		return f.subject
	}
	return f.subject + "." + event.Type
}

// Forward publishes one event. Errors are logged and counted, never returned,
// so a broken bus cannot stall event delivery.
func (f *Forwarder) Forward(event telemetry.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		f.failed.Add(1)
		f.logger.WithError(err).Warn("Failed to encode event")
		return
	}

	if err := f.pub.Publish(f.Subject(event), data); err != nil {
		f.failed.Add(1)
		f.logger.WithError(err).WithField("event", event.Type).Warn("Failed to publish event")
		return
	}
	f.sent.Add(1)
}

// Attach subscribes the forwarder to events. A nil filter forwards everything.
func (f *Forwarder) Attach(events *telemetry.EventPublisher, filter telemetry.EventFilter) {
	events.Subscribe(f.Forward, filter)
}

// Stats returns how many events were published and how many failed.
func (f *Forwarder) Stats() (sent, failed int64) {
	return f.sent.Load(), f.failed.Load()
}
