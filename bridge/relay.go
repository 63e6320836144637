package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/topicbridge/broker"
	"github.com/c360/topicbridge/localbus"
	"github.com/c360/topicbridge/metric"
	"github.com/c360/topicbridge/schema"
)

// Relay error stages
const (
	stageDecode  = "decode"
	stageEncode  = "encode"
	stagePublish = "publish"
)

// RelayOptions are shared by every relay a controller creates.
type RelayOptions struct {
	// Stream, when set, receives relayed data instead of a plain publish.
	Stream  broker.StreamPublisher
	Metrics *metric.Metrics
	Logger  *slog.Logger
	// ErrorLimiter caps relay error log lines across all relays. Nil logs
	// every error.
	ErrorLimiter *rate.Limiter
}

// Relay republishes the messages of one local topic on its broker subject.
type Relay struct {
	ctx      context.Context
	link     broker.Link
	decoder  schema.Decoder
	topic    string
	typeName string
	subject  string
	opts     RelayOptions

	relayed atomic.Int64
	dropped atomic.Int64
}

// NewRelay creates the relay for topic. ctx bounds every publish the relay
// makes and should live as long as the binding.
func NewRelay(
	ctx context.Context, link broker.Link, nodeID, topic, typeName string,
	decoder schema.Decoder, opts RelayOptions,
) *Relay {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Relay{
		ctx:      ctx,
		link:     link,
		decoder:  decoder,
		topic:    topic,
		typeName: typeName,
		subject:  DeriveSubject(nodeID, topic),
		opts:     opts,
	}
}

// Subject returns the broker subject the relay publishes to.
func (r *Relay) Subject() string { return r.subject }

// Relayed returns the number of messages published.
func (r *Relay) Relayed() int64 { return r.relayed.Load() }

// Dropped returns the number of messages dropped.
func (r *Relay) Dropped() int64 { return r.dropped.Load() }

// Handle is the localbus.Callback for the relay's topic.
func (r *Relay) Handle(msg localbus.RawMessage) {
	start := time.Now()

	fields, err := r.decoder.Decode(msg)
	if err != nil {
		r.fail(stageDecode, err)
		return
	}

	data, err := json.Marshal(fields)
	if err != nil {
		r.fail(stageEncode, err)
		return
	}

	if r.opts.Stream != nil {
		err = r.opts.Stream.PublishToStream(r.ctx, r.subject, data)
	} else {
		err = r.link.Publish(r.ctx, r.subject, data)
	}
	if err != nil {
		r.fail(stagePublish, err)
		return
	}

	r.relayed.Add(1)
	r.opts.Metrics.RecordRelayed(r.topic, time.Since(start))
}

func (r *Relay) fail(stage string, err error) {
	r.dropped.Add(1)
	r.opts.Metrics.RecordRelayError(r.topic, stage)

	if r.opts.ErrorLimiter != nil && !r.opts.ErrorLimiter.Allow() {
		return
	}
	r.opts.Logger.Warn("Relay dropped message",
		"component", "relay",
		"topic", r.topic,
		"type", r.typeName,
		"subject", r.subject,
		"stage", stage,
		"error", err)
}
