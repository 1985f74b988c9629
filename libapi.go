package enrichflow

import (
	runtimepkg "github.com/birdtrack/enrichflow/internal/runtime"
	configpkg "github.com/birdtrack/enrichflow/internal/runtime/config"
	errspkg "github.com/birdtrack/enrichflow/internal/runtime/errors"
	idspkg "github.com/birdtrack/enrichflow/internal/runtime/ids"
	jsoncodec "github.com/birdtrack/enrichflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/birdtrack/enrichflow/internal/runtime/logging"
	metadatapkg "github.com/birdtrack/enrichflow/internal/runtime/metadata"
	transportpkg "github.com/birdtrack/enrichflow/internal/runtime/transport"
	bus "github.com/birdtrack/enrichflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Transport           = transportpkg.Transport
	TransportFactory    = transportpkg.Factory

	MessageHandlerRegistration = runtimepkg.MessageHandlerRegistration
	MiddlewareBuilder          = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration     = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig      = runtimepkg.RetryMiddlewareConfig
	RecordPublisher            = runtimepkg.RecordPublisher

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	UnprocessableEventError = runtimepkg.UnprocessableEventError

	HandlerInfo     = runtimepkg.HandlerInfo
	HandlerStats    = runtimepkg.HandlerStats
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	PoisonMetrics         = runtimepkg.PoisonMetrics
	PoisonTopicMetrics    = runtimepkg.PoisonTopicMetrics
	PoisonMetricsSnapshot = runtimepkg.PoisonMetricsSnapshot

	TransportBuilder      = bus.Builder
	TransportConfig       = bus.Config
	TransportRegistry     = bus.Registry
	TransportCapabilities = bus.Capabilities
)

var (
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewService             = runtimepkg.NewService
	TryNewService          = runtimepkg.TryNewService
	RegisterMessageHandler = runtimepkg.RegisterMessageHandler
	NewRecordMessage       = runtimepkg.NewRecordMessage
	PublishRecord          = runtimepkg.PublishRecord

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	CorrelationID           = runtimepkg.CorrelationID
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	PoisonQueueMiddleware   = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware
	IsRetryable             = runtimepkg.IsRetryable
	IsMalformed             = runtimepkg.IsMalformed

	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	NewPoisonMetrics = runtimepkg.NewPoisonMetrics

	DefaultTransportRegistry = bus.DefaultRegistry
	RegisterTransport        = bus.Register
	BuildTransport           = bus.Build
	GetCapabilities          = bus.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrServiceRequired      = errspkg.ErrServiceRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrConsumeQueueRequired = errspkg.ErrConsumeQueueRequired
	ErrHandlerNameRequired  = errspkg.ErrHandlerNameRequired
	ErrPublisherRequired    = errspkg.ErrPublisherRequired
	ErrTopicRequired        = errspkg.ErrTopicRequired
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrPayloadRequired      = errspkg.ErrPayloadRequired
	ErrMalformedPayload     = errspkg.ErrMalformedPayload
	ErrLookupFailure        = errspkg.ErrLookupFailure
	ErrTelemetryFailure     = errspkg.ErrTelemetryFailure

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewSlogLogger        = loggingpkg.NewSlogLogger
	ParseLogLevel        = loggingpkg.ParseLevel

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Metadata keys set or read by the stage.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyQueueDepth    = metadatapkg.KeyQueueDepth
	MetadataKeyEnqueuedAt    = metadatapkg.KeyEnqueuedAt
	MetadataKeyContentType   = metadatapkg.KeyContentType
	MetadataKeyLogName       = metadatapkg.KeyLogName
	MetadataKeyStage         = metadatapkg.KeyStage
	MetadataKeyPoisonReason  = metadatapkg.KeyPoisonReason
)

const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
