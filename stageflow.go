package stageflow

import (
	runtimepkg "github.com/drblury/stageflow/internal/runtime"
	codecpkg "github.com/drblury/stageflow/internal/runtime/codec"
	configpkg "github.com/drblury/stageflow/internal/runtime/config"
	errspkg "github.com/drblury/stageflow/internal/runtime/errors"
	idspkg "github.com/drblury/stageflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/stageflow/internal/runtime/logging"
	tracepkg "github.com/drblury/stageflow/internal/runtime/trace"
)

type (
	Config              = configpkg.Config
	Factory             = runtimepkg.Factory
	FactoryDependencies = runtimepkg.FactoryDependencies

	Endpoint[S any, R any] = runtimepkg.Endpoint[S, R]
	EndpointConfig         = runtimepkg.EndpointConfig
	StageConfig            = runtimepkg.StageConfig
	StageStats             = runtimepkg.StageStats

	ProcessContext[R any]                     = runtimepkg.ProcessContext[R]
	ProcessLambda[I any, S any, R any]        = runtimepkg.ProcessLambda[I, S, R]
	ProcessReturnLambda[I any, S any, R any]  = runtimepkg.ProcessReturnLambda[I, S, R]
	ProcessSingleLambda[I any, R any]         = runtimepkg.ProcessSingleLambda[I, R]
	ProcessTerminatorLambda[I any, S any]     = runtimepkg.ProcessTerminatorLambda[I, S]
	Void                                      = runtimepkg.Void

	Initiator      = runtimepkg.Initiator
	Initiate       = runtimepkg.Initiate
	InitiateLambda = runtimepkg.InitiateLambda

	// Stage lifecycle hooks
	StageScope = runtimepkg.StageScope
	StageHooks = runtimepkg.StageHooks

	// Flow tap
	Tap       = runtimepkg.Tap
	FlowEvent = runtimepkg.FlowEvent

	// Trace envelope
	Trace      = tracepkg.Trace
	Call       = tracepkg.Call
	CallType   = tracepkg.CallType
	StackFrame = tracepkg.StackFrame
	TypedBlob  = tracepkg.TypedBlob

	// Serialization
	Serializer      = codecpkg.Serializer
	JSONSerializer  = codecpkg.JSONSerializer
	ProtoSerializer = codecpkg.ProtoSerializer

	// Logging
	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Error kinds
	RefuseMessageError  = errspkg.RefuseMessageError
	SerializationError  = errspkg.SerializationError
	SQLDemarcationError = errspkg.SQLDemarcationError
	BrokerError         = errspkg.BrokerError
	InternalError       = errspkg.InternalError
)

// Call types of the trace envelope.
const (
	CallRequest = tracepkg.CallRequest
	CallReply   = tracepkg.CallReply
	CallNext    = tracepkg.CallNext
	CallSend    = tracepkg.CallSend
)

// DefaultTapTopic is the topic flow events are published on when no topic is
// configured.
const DefaultTapTopic = runtimepkg.DefaultTapTopic

var (
	NewFactory     = runtimepkg.NewFactory
	TryNewFactory  = runtimepkg.TryNewFactory
	ValidateConfig = configpkg.ValidateConfig

	NewTap = runtimepkg.NewTap

	NewJSONSerializer  = codecpkg.NewJSONSerializer
	NewProtoSerializer = codecpkg.NewProtoSerializer

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger
	NewWatermillAdapter       = loggingpkg.NewWatermillAdapter

	// RefuseMessage signals that the current message is unprocessable and
	// the scope must roll back.
	RefuseMessage = errspkg.RefuseMessage

	CreateULID = idspkg.CreateULID

	ErrProcessorRequired    = errspkg.ErrProcessorRequired
	ErrEndpointIDRequired   = errspkg.ErrEndpointIDRequired
	ErrDuplicateEndpointID  = errspkg.ErrDuplicateEndpointID
	ErrEndpointFinalized    = errspkg.ErrEndpointFinalized
	ErrEndpointNotFinalized = errspkg.ErrEndpointNotFinalized
	ErrUnknownEndpoint      = errspkg.ErrUnknownEndpoint
	ErrFactoryClosed        = errspkg.ErrFactoryClosed
	ErrFactoryStarted       = errspkg.ErrFactoryStarted
	ErrMultipleOutgoing     = errspkg.ErrMultipleOutgoing
	ErrRequestOnLastStage   = errspkg.ErrRequestOnLastStage
	ErrNextOnLastStage      = errspkg.ErrNextOnLastStage
	ErrReplyOnInitiation    = errspkg.ErrReplyOnInitiation
	ErrTargetRequired       = errspkg.ErrTargetRequired
	ErrReplyToRequired      = errspkg.ErrReplyToRequired
)

// Staged creates a multi-stage endpoint with state type S and reply type R.
func Staged[S, R any](f *Factory, endpointID string) (*Endpoint[S, R], error) {
	return runtimepkg.Staged[S, R](f, endpointID)
}

// Single creates a single-stage endpoint whose lambda's return value is the
// reply.
func Single[I, R any](f *Factory, endpointID string, fn ProcessSingleLambda[I, R]) (*Endpoint[Void, R], error) {
	return runtimepkg.Single(f, endpointID, fn)
}

// Terminator creates a state-bearing endpoint without a reply, typically
// the final destination of a flow.
func Terminator[I, S any](f *Factory, endpointID string, fn ProcessTerminatorLambda[I, S]) (*Endpoint[S, Void], error) {
	return runtimepkg.Terminator(f, endpointID, fn)
}

// Stage appends a non-terminal stage to a staged endpoint.
func Stage[I, S, R any](ep *Endpoint[S, R], fn ProcessLambda[I, S, R]) (*StageConfig, error) {
	return runtimepkg.Stage(ep, fn)
}

// LastStage appends the terminal stage, finalizing and starting the
// endpoint. The lambda's return value is automatically passed to Reply.
func LastStage[I, S, R any](ep *Endpoint[S, R], fn ProcessReturnLambda[I, S, R]) (*StageConfig, error) {
	return runtimepkg.LastStage(ep, fn)
}
