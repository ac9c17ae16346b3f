package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/folio-press/folio/engine/domain"
	"github.com/folio-press/folio/pkg/metrics"
	"github.com/folio-press/folio/pkg/natsutil"
	"github.com/nats-io/nats.go"
)

const (
	// EventsSubject is the NATS subject for content events.
	EventsSubject = "content.events"
	// DLQSubject is the dead letter queue subject for failed events.
	DLQSubject = "content.events.dlq"
	// MaxRetries before sending to DLQ.
	MaxRetries = 3
	// WorkerQueue is the queue group shared by ingest workers.
	WorkerQueue = "folio-ingest"
)

// ConsumerOpts configures StartConsumer. Zero values fall back to the
// package constants.
type ConsumerOpts struct {
	Subject    string
	DLQSubject string
	Queue      string
	MaxRetries int
	// Timeout bounds the handling of one event.
	Timeout time.Duration
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (o ConsumerOpts) withDefaults() ConsumerOpts {
	if o.Subject == "" {
		o.Subject = EventsSubject
	}
	if o.DLQSubject == "" {
		o.DLQSubject = DLQSubject
	}
	if o.Queue == "" {
		o.Queue = WorkerQueue
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = MaxRetries
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Minute
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// DeadLetter is published to the DLQ on repeated or permanent failure.
type DeadLetter struct {
	Event   json.RawMessage `json:"event"`
	Error   string          `json:"error"`
	Retries int             `json:"retries"`
}

// StartConsumer subscribes to content events and applies each one. Failed
// events are re-published with an incremented retry header; after
// MaxRetries, or at once for errors no retry can fix, they go to the DLQ.
func StartConsumer(nc *nats.Conn, a Applier, opts ConsumerOpts) (*nats.Subscription, error) {
	opts = opts.withDefaults()
	log := opts.Logger

	deadLetter := func(ctx context.Context, data []byte, cause error, retries int) {
		dl := DeadLetter{Event: json.RawMessage(data), Error: cause.Error(), Retries: retries}
		if !json.Valid(data) {
			dl.Event, _ = json.Marshal(string(data))
		}
		if err := natsutil.Publish(ctx, nc, opts.DLQSubject, dl); err != nil {
			log.Error("ingest: DLQ publish failed", "error", err)
		}
	}

	handler := func(ctx context.Context, ev domain.Event, msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()

		err := a.Apply(ctx, ev)
		if err == nil {
			opts.Metrics.EventsTotal.WithLabelValues(string(ev.Type), "processed").Inc()
			log.Debug("ingest: event applied", "content_id", ev.Content.ID, "type", ev.Type)
			return
		}

		retries := natsutil.RetryCount(msg) + 1
		log.Error("ingest: event failed",
			"error", err,
			"content_id", ev.Content.ID,
			"type", ev.Type,
			"retry", retries,
		)

		if retries >= opts.MaxRetries || !Retryable(err) {
			opts.Metrics.EventsTotal.WithLabelValues(string(ev.Type), "dead_lettered").Inc()
			deadLetter(ctx, msg.Data, err, retries)
			return
		}
		opts.Metrics.EventsTotal.WithLabelValues(string(ev.Type), "retried").Inc()
		if err := natsutil.PublishRaw(ctx, nc, msg.Subject, msg.Data, natsutil.RetryHeaders(retries)); err != nil {
			log.Error("ingest: retry publish failed", "error", err)
		}
	}

	malformed := func(msg *nats.Msg, err error) {
		log.Error("ingest: unmarshal failed", "error", err)
		opts.Metrics.EventsTotal.WithLabelValues("unknown", "dead_lettered").Inc()
		deadLetter(context.Background(), msg.Data, err, 0)
	}

	return natsutil.Subscribe(nc, opts.Subject, opts.Queue, handler, malformed)
}

// Publisher emits content events onto NATS.
type Publisher struct {
	nc      *nats.Conn
	subject string
}

// NewPublisher creates a Publisher; an empty subject uses EventsSubject.
func NewPublisher(nc *nats.Conn, subject string) *Publisher {
	if subject == "" {
		subject = EventsSubject
	}
	return &Publisher{nc: nc, subject: subject}
}

// Publish validates and publishes ev.
func (p *Publisher) Publish(ctx context.Context, ev domain.Event) error {
	if err := domain.ValidateEvent(ev); err != nil {
		return err
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	return natsutil.Publish(ctx, p.nc, p.subject, ev)
}
