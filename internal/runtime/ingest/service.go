package ingest

import (
	"context"
	sterrors "errors"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	configpkg "github.com/drblury/flowtrace/internal/runtime/config"
	errspkg "github.com/drblury/flowtrace/internal/runtime/errors"
	idspkg "github.com/drblury/flowtrace/internal/runtime/ids"
	loggingpkg "github.com/drblury/flowtrace/internal/runtime/logging"
	"github.com/drblury/flowtrace/internal/runtime/replay"
	runtimetransport "github.com/drblury/flowtrace/internal/runtime/transport"
	"github.com/drblury/flowtrace/internal/runtime/wire"
	transportpkg "github.com/drblury/flowtrace/transport"
)

var errBreakerOpen = sterrors.New("ingest: circuit breaker is open")

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// ServiceDependencies holds optional collaborators. Leave fields nil to use
// the defaults derived from the configuration.
type ServiceDependencies struct {
	TransportFactory runtimetransport.Factory
	Store            *replay.Store
	Metrics          *Metrics
	Registerer       prometheus.Registerer
	Middlewares      []message.HandlerMiddleware
}

// Service is the ingestion pipeline: it consumes envelopes from the
// transport, decodes and classifies them, feeds the replay store, and fans
// out to connected clients.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber
	positions  transportpkg.PositionExtractor
	router     *message.Router

	store   *replay.Store
	hub     *Hub
	resumer *Resumer
	metrics *Metrics
	breaker *CircuitBreaker
	dlq     *DeadLetterer

	// sessionHead holds the latest indexed offset per partition as observed
	// when the service started. Written once, read-shared: decode failures
	// at or below the head are catch-up traffic, not fresh corruption.
	sessionHead map[int32]int64

	syntheticOffset atomic.Int64
}

// NewService constructs the ingestion service for the supplied
// configuration. Call Start to begin consuming.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	conf.Normalize()
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating ingestion service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf,
	})

	metrics := deps.Metrics
	if metrics == nil {
		registerer := deps.Registerer
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		metrics = NewMetrics(registerer, conf.BreakerWindow)
		if conf.MetricsEnabled {
			if err := metrics.Register(); err != nil {
				panic(err)
			}
		}
	}

	store := deps.Store
	if store == nil {
		store = newStoreFromConfig(conf, log)
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = runtimetransport.DefaultFactory()
	}
	transport, err := factory.Build(ctx, conf, wmLogger)
	if err != nil {
		panic(err)
	}

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		panic(err)
	}
	router.AddPlugin(plugin.SignalsHandler)

	s := &Service{
		Conf:       conf,
		Logger:     log,
		publisher:  transport.Publisher,
		subscriber: transport.Subscriber,
		positions:  transport.Positions,
		router:     router,
		store:      store,
		metrics:    metrics,
	}
	s.hub = NewHub(metrics, log)
	s.resumer = NewResumer(store, metrics, log)
	s.breaker = NewCircuitBreaker(BreakerOptions{
		Window:       conf.BreakerWindow,
		MinSamples:   conf.BreakerMinSamples,
		MaxErrorRate: conf.BreakerErrorRate,
		OnChange: func(open bool) {
			metrics.SetBreakerOpen(open)
			if open {
				log.Error("circuit breaker tripped", errBreakerOpen, loggingpkg.LogFields{
					"window": conf.BreakerWindow.String(),
				})
			} else {
				log.Info("circuit breaker closed", nil)
			}
		},
	})
	s.dlq = NewDeadLetterer(transport.Publisher, conf.DeadLetterTopic, conf.DLQIncludeFullPayload, metrics, log)
	s.sessionHead = store.LatestOffsets()

	s.registerMiddlewares(deps.Middlewares)
	router.AddNoPublisherHandler("ingest_envelopes", conf.Topic, transport.Subscriber, s.handle)

	return s
}

func newStoreFromConfig(conf *configpkg.Config, log loggingpkg.ServiceLogger) *replay.Store {
	opts := replay.Options{
		Capacity:                conf.ReplayMemoryCapacity,
		TTL:                     conf.ReplayTTL,
		MaxConcurrentSideWrites: conf.ReplayMaxConcurrentWrites,
		SideWriteTimeout:        conf.ReplayWriteTimeout,
		Logger:                  log,
	}
	if conf.ReplaySQLitePath != "" {
		side, err := replay.NewSQLiteSideStore(conf.ReplaySQLitePath)
		if err != nil {
			panic(err)
		}
		opts.Side = side
	}
	return replay.NewStore(opts)
}

func (s *Service) registerMiddlewares(extra []message.HandlerMiddleware) {
	s.router.AddMiddleware(s.correlationIDMiddleware())
	s.router.AddMiddleware(s.tracerMiddleware())
	s.router.AddMiddleware(middleware.Retry{
		MaxRetries:      5,
		InitialInterval: time.Second,
		MaxInterval:     16 * time.Second,
		ShouldRetry: func(params middleware.RetryParams) bool {
			// Only infrastructure failures are worth retrying in place;
			// unprocessable payloads go through the error policy instead.
			return errspkg.IsInfra(params.Err)
		},
	}.Middleware)
	for _, m := range extra {
		s.router.AddMiddleware(m)
	}
	s.router.AddMiddleware(middleware.Recoverer)
}

func (s *Service) tracerMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			tracer := otel.Tracer("flowtrace-ingest-tracer")
			ctx, span := tracer.Start(
				msg.Context(),
				"IngestEnvelope",
			)
			defer span.End()
			msg.SetContext(ctx)

			span.SetAttributes(
				attribute.String("message.uuid", msg.UUID),
				attribute.String("message.correlation_id", msg.Metadata["correlation_id"]),
				attribute.String("message.partition_key", msg.Metadata[transportpkg.MetadataPartitionKey]),
			)
			return h(msg)
		}
	}
}

func (s *Service) correlationIDMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			if _, ok := msg.Metadata["correlation_id"]; !ok {
				msg.Metadata["correlation_id"] = idspkg.CreateULID()
			}
			return h(msg)
		}
	}
}

// Hub exposes the live-client registry for the gateway.
func (s *Service) Hub() *Hub { return s.hub }

// Resumer exposes the replay server for the gateway.
func (s *Service) Resumer() *Resumer { return s.resumer }

// Store exposes the replay store, mainly for health reporting.
func (s *Service) Store() *replay.Store { return s.store }

// Metrics exposes the service counters.
func (s *Service) Metrics() *Metrics { return s.metrics }

// Breaker exposes the circuit breaker state for health reporting.
func (s *Service) Breaker() *CircuitBreaker { return s.breaker }

// Start runs the consumer loop until the context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.store.StartSweeper(ctx, s.Conf.ReplayTTL/4)
	defer s.hub.CloseAll(ReasonShutdown)
	return routerRun(s.router, ctx)
}

// Close releases the transport and drains pending side-store writes.
func (s *Service) Close() error {
	var errs []error
	if err := s.router.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return sterrors.Join(errs...)
}

// position resolves the transport coordinates for a message. Transports
// without native coordinates (channel, NATS core) fall back to a synthetic
// single-partition offset derived from arrival order, which preserves the
// total-order-within-partition guarantee.
func (s *Service) position(msg *message.Message) transportpkg.Position {
	if s.positions != nil {
		if pos, ok := s.positions(msg); ok {
			return pos
		}
	}
	return transportpkg.Position{Partition: 0, Offset: s.syntheticOffset.Add(1) - 1}
}

// handle processes one transport message: decode, classify, index, fan out.
// Returning nil acks the message; returning an error nacks it, which holds
// the consumer at this offset.
func (s *Service) handle(msg *message.Message) error {
	if s.breaker.Open() {
		return &errspkg.TransportInfraError{Op: "consume", Err: errBreakerOpen}
	}

	pos := s.position(msg)
	old := s.isOldData(pos)

	if len(msg.Payload) == 0 {
		err := &errspkg.PayloadMissingError{Partition: pos.Partition, Offset: pos.Offset}
		return s.reject(msg, pos, old, "payload_missing", err)
	}

	env, err := wire.DecodeStrict(msg.Payload, s.Conf.MaxPayloadBytes)
	if err != nil {
		reason := "decode_error"
		var tooLarge *errspkg.PayloadTooLargeError
		if sterrors.As(err, &tooLarge) {
			reason = "payload_too_large"
		}
		return s.reject(msg, pos, old, reason, err)
	}
	if err := env.Validate(); err != nil {
		return s.reject(msg, pos, old, "invalid_envelope", err)
	}

	// Extract coordinates for every payload variant; a kind that cannot
	// yield them is unprocessable, not silently unindexed.
	seqs, err := env.Sequences()
	if err != nil {
		return s.reject(msg, pos, old, "invalid_envelope", err)
	}

	threadID, seq := indexCoordinates(env, seqs)
	entry := replay.Entry{
		Data:     msg.Payload,
		Position: pos,
		ThreadID: threadID,
		Sequence: seq,
		StoredAt: time.Now().UTC(),
	}
	s.store.Add(msg.Context(), entry)
	s.hub.Broadcast(entry)

	if !old {
		s.breaker.RecordSuccess()
	}
	s.metrics.MessageProcessed()
	s.metrics.SetReplayMemorySize(s.store.Len())
	return nil
}

// reject applies the configured error policy to an unprocessable message:
// count it, dead-letter it, then either advance past it (skip) or hold the
// offset (pause). Only fresh traffic feeds the circuit breaker; catch-up
// redeliveries would dilute the corruption signal.
func (s *Service) reject(msg *message.Message, pos transportpkg.Position, old bool, reason string, err error) error {
	ageClass := "new"
	if old {
		ageClass = "old"
		s.metrics.DecodeErrorOld()
	} else {
		s.metrics.DecodeErrorNew()
		s.breaker.RecordError()
	}
	s.Logger.Error("unprocessable message", err, loggingpkg.LogFields{
		"partition": pos.Partition,
		"offset":    pos.Offset,
		"reason":    reason,
		"age_class": ageClass,
	})
	s.dlq.Publish(msg.Payload, reason, ageClass, pos, "", 0)

	if s.Conf.ErrorPolicy == configpkg.PolicyPause {
		return err
	}
	s.metrics.MessageSkipped()
	return nil
}

func (s *Service) isOldData(pos transportpkg.Position) bool {
	head, ok := s.sessionHead[pos.Partition]
	if !ok {
		return false
	}
	return pos.Offset <= head
}

// indexCoordinates picks the (thread, sequence) the entry is indexed under.
// Single-payload envelopes use their header coordinates. A single-thread
// batch is indexed under its highest inner sequence so a mid-batch cursor
// still replays the whole batch; redelivered prefixes are deduplicated
// client-side. Mixed-thread batches are partition-indexed only.
func indexCoordinates(env *wire.Envelope, seqs []wire.ThreadSeq) (string, uint64) {
	if _, isBatch := env.Payload.(*wire.EventBatch); !isBatch {
		return env.Header.ThreadID, env.Header.Sequence
	}
	if env.Header.ThreadID == "" {
		return "", wire.SequenceUnassigned
	}
	var highest uint64
	for _, ts := range seqs {
		if ts.Sequence > highest {
			highest = ts.Sequence
		}
	}
	return env.Header.ThreadID, highest
}
