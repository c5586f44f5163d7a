package courier

import (
	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/courier/internal/runtime"
	configpkg "github.com/drblury/courier/internal/runtime/config"
	"github.com/drblury/courier/internal/runtime/consumer"
	"github.com/drblury/courier/internal/runtime/dispatch"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	handlerpkg "github.com/drblury/courier/internal/runtime/handlers"
	idspkg "github.com/drblury/courier/internal/runtime/ids"
	jsoncodec "github.com/drblury/courier/internal/runtime/jsoncodec"
	"github.com/drblury/courier/internal/runtime/lock"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
	"github.com/drblury/courier/internal/runtime/outbox"
	"github.com/drblury/courier/internal/runtime/outbox/postgres"
	"github.com/drblury/courier/internal/runtime/telemetry"
	"github.com/drblury/courier/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Producer            = runtimepkg.Producer
	ProtoValidator      = runtimepkg.ProtoValidator
	Status              = runtimepkg.Status
	ConsumerInfo        = runtimepkg.ConsumerInfo
	ConsumerStats       = runtimepkg.ConsumerStats
	ResourceUsage       = runtimepkg.ResourceUsage

	// Consumer registration
	Handler                                   = consumer.Handler
	HandlerFunc                               = consumer.HandlerFunc
	HandlerFactory                            = consumer.HandlerFactory
	ConsumerMetadata                          = consumer.Metadata
	ConsumerRegistration                      = consumer.Registration
	ConsumerModule                            = consumer.Module
	ConsumerModuleFunc                        = consumer.ModuleFunc
	ConsumerBuilder                           = consumer.Builder
	ConsumerRegistry                          = consumer.Registry
	ConsumerOption                            = consumer.Option
	GroupSpec                                 = consumer.GroupSpec
	HandlerRegistration                       = runtimepkg.HandlerRegistration
	JSONHandlerRegistration[T any]            = runtimepkg.JSONHandlerRegistration[T]
	ProtoHandlerRegistration[T proto.Message] = runtimepkg.ProtoHandlerRegistration[T]

	// Typed handlers
	JSONMessageContext[T any]            = handlerpkg.JSONMessageContext[T]
	JSONMessageOutput                    = handlerpkg.JSONMessageOutput
	JSONMessageHandler[T any]            = handlerpkg.JSONMessageHandler[T]
	ProtoMessageContext[T proto.Message] = handlerpkg.ProtoMessageContext[T]
	ProtoMessageOutput                   = handlerpkg.ProtoMessageOutput
	ProtoMessageHandler[T proto.Message] = handlerpkg.ProtoMessageHandler[T]
	MessageContextBase                   = handlerpkg.MessageContextBase

	// Dispatch
	Middleware = dispatch.Middleware
	Invocation = dispatch.Invocation
	Outcome    = dispatch.Outcome
	JobContext = dispatch.JobContext
	JobHooks   = dispatch.JobHooks
	Dispatcher = dispatch.Dispatcher

	// Outbox
	Record         = outbox.Record
	RecordState    = outbox.State
	OutboxStore    = outbox.Store
	OutboxClock    = outbox.Clock
	Publisher      = outbox.Publisher
	PublishOption  = outbox.PublishOption
	TransitionHook = outbox.TransitionHook
	PostgresConfig = postgres.Config

	// Locks
	Lock          = lock.Lock
	LockProvider  = lock.Provider
	AcquireOption = lock.AcquireOption

	// Transport
	Message               = transport.Message
	Delivery              = transport.Delivery
	Sender                = transport.Sender
	ConsumerClient        = transport.ConsumerClient
	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	Metrics         = telemetry.Metrics
	MetricsSnapshot = telemetry.Snapshot

	ConfigValidationError   = errspkg.ConfigValidationError
	UnprocessableEventError = errspkg.UnprocessableEventError

	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ConfigFromEnv  = configpkg.FromEnv
	ValidateConfig = configpkg.ValidateConfig

	RegisterHandler = runtimepkg.RegisterHandler
	Singleton       = consumer.Singleton
	WithTopic       = consumer.WithTopic
	WithGroup       = consumer.WithGroup
	WithConcurrency = consumer.WithConcurrency

	DefaultMiddlewares      = dispatch.DefaultMiddlewares
	CorrelationIDMiddleware = dispatch.CorrelationIDMiddleware
	LogMessagesMiddleware   = dispatch.LogMessagesMiddleware
	TracerMiddleware        = dispatch.TracerMiddleware
	RecovererMiddleware     = dispatch.RecovererMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = dispatch.JobHooksMiddleware
	LoggingHooks       = dispatch.LoggingHooks
	MetricsHooks       = dispatch.MetricsHooks
	AlertingHooks      = dispatch.AlertingHooks

	// Publish options
	WithDelay      = outbox.WithDelay
	WithScheduleAt = outbox.WithScheduleAt
	WithHeaders    = outbox.WithHeaders
	WithMessageID  = outbox.WithMessageID
	Backoff        = outbox.Backoff

	NewMemoryStore  = outbox.NewMemoryStore
	OpenPostgres    = postgres.Open
	NewLocalLocks   = lock.NewLocal
	NewRedisLocks   = lock.NewRedisFromURL
	WithLockTTL     = lock.WithTTL
	WithLockTimeout = lock.WithTimeout

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities
	ValidateName             = transport.ValidateName

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	ErrServiceRequired    = errspkg.ErrServiceRequired
	ErrHandlerRequired    = errspkg.ErrHandlerRequired
	ErrTopicRequired      = errspkg.ErrTopicRequired
	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrInvalidName        = errspkg.ErrInvalidName
	ErrInvalidConcurrency = errspkg.ErrInvalidConcurrency
	ErrTopicConflict      = errspkg.ErrTopicConflict
	ErrRegistrySealed     = errspkg.ErrRegistrySealed
	ErrRecordNotFound     = errspkg.ErrRecordNotFound
	ErrNoHandler          = errspkg.ErrNoHandler
	IsConfigError         = errspkg.IsConfigError

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NopLogger            = loggingpkg.Nop

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Outbox record states.
const (
	StateDelayed   = outbox.StateDelayed
	StatePending   = outbox.StatePending
	StateSending   = outbox.StateSending
	StateSucceeded = outbox.StateSucceeded
	StateFailed    = outbox.StateFailed
)

// Reserved message headers.
const (
	HeaderMessageID     = metadatapkg.HeaderMessageID
	HeaderMessageName   = metadatapkg.HeaderMessageName
	HeaderMessageType   = metadatapkg.HeaderMessageType
	HeaderGroup         = metadatapkg.HeaderGroup
	HeaderSentTime      = metadatapkg.HeaderSentTime
	HeaderCorrelationID = metadatapkg.HeaderCorrelationID
	HeaderException     = metadatapkg.HeaderException
	HeaderAttempt       = metadatapkg.HeaderAttempt
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryPanic      = runtimepkg.ErrorCategoryPanic
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

func RegisterJSONHandler[T any](svc *Service, cfg JSONHandlerRegistration[T]) (ConsumerMetadata, error) {
	return runtimepkg.RegisterJSONHandler(svc, cfg)
}

func RegisterProtoHandler[T proto.Message](svc *Service, cfg ProtoHandlerRegistration[T]) (ConsumerMetadata, error) {
	return runtimepkg.RegisterProtoHandler(svc, cfg)
}

func NewProtoMessage[T proto.Message]() (T, error) {
	return runtimepkg.NewProtoMessage[T]()
}
