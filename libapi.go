package flowtrace

import (
	configpkg "github.com/drblury/flowtrace/internal/runtime/config"
	emitterpkg "github.com/drblury/flowtrace/internal/runtime/emitter"
	errspkg "github.com/drblury/flowtrace/internal/runtime/errors"
	idspkg "github.com/drblury/flowtrace/internal/runtime/ids"
	ingestpkg "github.com/drblury/flowtrace/internal/runtime/ingest"
	jsoncodec "github.com/drblury/flowtrace/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/flowtrace/internal/runtime/logging"
	reconstructpkg "github.com/drblury/flowtrace/internal/runtime/reconstruct"
	replaypkg "github.com/drblury/flowtrace/internal/runtime/replay"
	transportpkg "github.com/drblury/flowtrace/internal/runtime/transport"
	wirepkg "github.com/drblury/flowtrace/internal/runtime/wire"
	newtransport "github.com/drblury/flowtrace/transport"
)

type (
	Config            = configpkg.Config
	DecodeErrorPolicy = configpkg.DecodeErrorPolicy

	Service             = ingestpkg.Service
	ServiceDependencies = ingestpkg.ServiceDependencies
	Gateway             = ingestpkg.Gateway
	Hub                 = ingestpkg.Hub
	Session             = ingestpkg.Session
	SessionOptions      = ingestpkg.SessionOptions
	Resumer             = ingestpkg.Resumer
	ControlMessage      = ingestpkg.ControlMessage
	CircuitBreaker      = ingestpkg.CircuitBreaker
	BreakerOptions      = ingestpkg.BreakerOptions
	DeadLetterer        = ingestpkg.DeadLetterer
	DeadLetterRecord    = ingestpkg.DeadLetterRecord
	IngestMetrics       = ingestpkg.Metrics

	Emitter        = emitterpkg.Emitter
	EmitterOptions = emitterpkg.Options
	EmitterStats   = emitterpkg.Stats

	Reconstructor      = reconstructpkg.Reconstructor
	ReconstructOptions = reconstructpkg.Options
	ReconstructStats   = reconstructpkg.Stats
	RunState           = reconstructpkg.RunState
	Cursor             = reconstructpkg.Cursor
	ServerEvent        = reconstructpkg.ServerEvent
	TimelineEntry      = reconstructpkg.TimelineEntry

	ReplayStore     = replaypkg.Store
	ReplayOptions   = replaypkg.Options
	ReplayEntry     = replaypkg.Entry
	ThreadReplay    = replaypkg.ThreadReplay
	PartitionReplay = replaypkg.PartitionReplay
	SideStore       = replaypkg.SideStore
	MemorySideStore = replaypkg.MemorySideStore
	SQLiteSideStore = replaypkg.SQLiteSideStore

	Envelope       = wirepkg.Envelope
	Header         = wirepkg.Header
	Kind           = wirepkg.Kind
	Payload        = wirepkg.Payload
	Event          = wirepkg.Event
	EventType      = wirepkg.EventType
	EventBatch     = wirepkg.EventBatch
	StateDiff      = wirepkg.StateDiff
	DiffOp         = wirepkg.DiffOp
	Checkpoint     = wirepkg.Checkpoint
	TokenChunk     = wirepkg.TokenChunk
	ToolExecution  = wirepkg.ToolExecution
	ErrorInfo      = wirepkg.ErrorInfo
	PayloadSummary = wirepkg.PayloadSummary
	EncodeOptions  = wirepkg.EncodeOptions
	ThreadSeq      = wirepkg.ThreadSeq

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	DecodeError            = errspkg.DecodeError
	PayloadMissingError    = errspkg.PayloadMissingError
	PayloadTooLargeError   = errspkg.PayloadTooLargeError
	ProtocolViolationError = errspkg.ProtocolViolationError
	TransportInfraError    = errspkg.TransportInfraError
	UnprocessableEnvelope  = errspkg.UnprocessableEnvelopeError

	Transport        = transportpkg.Transport
	TransportFactory = transportpkg.Factory

	// Modular transport types (public package structure)
	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
	Position              = newtransport.Position
	PositionExtractor     = newtransport.PositionExtractor
)

var (
	NewService    = ingestpkg.NewService
	NewGateway    = ingestpkg.NewGateway
	NewHub        = ingestpkg.NewHub
	NewSession    = ingestpkg.NewSession
	NewResumer    = ingestpkg.NewResumer
	ParseControl  = ingestpkg.ParseControl
	NewBreaker    = ingestpkg.NewCircuitBreaker
	NewDeadLetter = ingestpkg.NewDeadLetterer

	NewEmitter        = emitterpkg.New
	EmitterFromConfig = emitterpkg.OptionsFromConfig
	RedactString      = emitterpkg.RedactString

	NewReconstructor = reconstructpkg.New
	NewRunState      = reconstructpkg.NewRunState
	HashState        = reconstructpkg.HashState

	NewReplayStore     = replaypkg.NewStore
	NewMemorySideStore = replaypkg.NewMemorySideStore
	NewSQLiteSideStore = replaypkg.NewSQLiteSideStore
	EncodeThreadKey    = replaypkg.EncodeThreadKey
	DecodeThreadKey    = replaypkg.DecodeThreadKey

	EncodeEnvelope        = wirepkg.Encode
	DecodeStrict          = wirepkg.DecodeStrict
	DecodeCompatible      = wirepkg.DecodeCompatible
	Summarize             = wirepkg.Summarize
	ValidateSchemaVersion = wirepkg.ValidateSchemaVersion

	ParseDecodeErrorPolicy = configpkg.ParseDecodeErrorPolicy

	IsInfra         = errspkg.IsInfra
	IsUnprocessable = errspkg.IsUnprocessable

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewWatermillAdapter  = loggingpkg.NewWatermillAdapter
	NopLogger            = loggingpkg.Nop

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	CreateULID = idspkg.CreateULID

	DefaultTransportFactory  = transportpkg.DefaultFactory
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build
)

// Envelope kinds.
const (
	KindEvent         = wirepkg.KindEvent
	KindStateDiff     = wirepkg.KindStateDiff
	KindCheckpoint    = wirepkg.KindCheckpoint
	KindMetrics       = wirepkg.KindMetrics
	KindEventBatch    = wirepkg.KindEventBatch
	KindTokenChunk    = wirepkg.KindTokenChunk
	KindToolExecution = wirepkg.KindToolExecution
	KindError         = wirepkg.KindError
)

// Lifecycle event types.
const (
	EventGraphStart = wirepkg.EventGraphStart
	EventGraphEnd   = wirepkg.EventGraphEnd
	EventNodeStart  = wirepkg.EventNodeStart
	EventNodeEnd    = wirepkg.EventNodeEnd
	EventNodeError  = wirepkg.EventNodeError
)

// Decode error policies.
const (
	PolicySkip  = configpkg.PolicySkip
	PolicyPause = configpkg.PolicyPause
)

// Wire-format constants.
const (
	CurrentSchemaVersion  = wirepkg.CurrentSchemaVersion
	SequenceUnassigned    = wirepkg.SequenceUnassigned
	DefaultMaxPayloadSize = wirepkg.DefaultMaxPayloadSize
)
