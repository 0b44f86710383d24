// ============================================================================
// gRPC boundary
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: exposes the assistant as gRPC service assistant.v1.Assistant.
//          Every method takes and returns a google.protobuf.Struct, so the
//          service needs no generated code: the descriptor below is declared
//          by hand and the payloads are the JSON forms of pkg/types.
//
// Methods:
//   SubmitIntent        {text, session_id, language?, source?, previous_intent?} → PlanResult
//   SubmitVoice         {audio (base64), session_id, language?}                  → PlanResult
//   ClassifyOnly        {text}                                                   → Intent
//   EnqueueDeferredTask {action, payload?, run_at? | delay_seconds?, ...}        → {task_id}
//   GetPlanResult       {plan_id}                                                → PlanResult
//   GetTaskStatus       {task_id}                                                → ScheduledTask
//   RemoveTask          {task_id}                                                → {removed}
//   DeadLetters         {}                                                       → {tasks}
//   CircuitStates       {}                                                       → {circuits}
//
// Errors carry a gRPC code derived from the errmodel kind.
//
// ============================================================================

package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
	"github.com/ChuLiYu/maga-orchestrator/internal/resilience"
	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

var log = slog.Default()

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "assistant.v1.Assistant"

// Backend is the part of the assistant the server exposes.
type Backend interface {
	SubmitIntent(ctx context.Context, text, sessionID string, sc types.SessionContext) (types.PlanResult, error)
	SubmitVoice(ctx context.Context, audio []byte, sessionID string, sc types.SessionContext) (types.PlanResult, error)
	ClassifyOnly(ctx context.Context, text string) (types.Intent, error)
	EnqueueDeferredTask(ctx context.Context, req types.EnqueueRequest) (types.TaskID, error)
	GetPlanResult(id types.PlanID) (types.PlanResult, error)
	GetTaskStatus(ctx context.Context, id types.TaskID) (*types.ScheduledTask, error)
	RemoveTask(ctx context.Context, id types.TaskID) error
	DeadLetters(ctx context.Context) ([]*types.ScheduledTask, error)
	CircuitStates() []resilience.CircuitState
}

// AssistantServer is the service interface registered with gRPC.
type AssistantServer interface {
	SubmitIntent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitVoice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClassifyOnly(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EnqueueDeferredTask(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPlanResult(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetTaskStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveTask(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeadLetters(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CircuitStates(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Server implements AssistantServer on top of a Backend.
type Server struct {
	backend Backend
	now     func() time.Time
}

// NewServer creates a server.
func NewServer(b Backend) *Server {
	return &Server{backend: b, now: time.Now}
}

// NewGRPCServer returns a grpc.Server with the assistant service and the
// logging interceptor registered.
func NewGRPCServer(b Backend, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(logUnary))
	gs := grpc.NewServer(opts...)
	Register(gs, NewServer(b))
	return gs
}

// Register adds the service to a registrar.
func Register(r grpc.ServiceRegistrar, srv AssistantServer) {
	r.RegisterService(&serviceDesc, srv)
}

func (s *Server) SubmitIntent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m := req.AsMap()
	res, err := s.backend.SubmitIntent(ctx, str(m, "text"), str(m, "session_id"), sessionContext(m))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(res)
}

func (s *Server) SubmitVoice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m := req.AsMap()
	audio, err := base64.StdEncoding.DecodeString(str(m, "audio"))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "audio must be base64: %v", err)
	}
	res, err := s.backend.SubmitVoice(ctx, audio, str(m, "session_id"), sessionContext(m))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(res)
}

func (s *Server) ClassifyOnly(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := s.backend.ClassifyOnly(ctx, str(req.AsMap(), "text"))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(in)
}

func (s *Server) EnqueueDeferredTask(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m := req.AsMap()
	er := types.EnqueueRequest{
		Action:     str(m, "action"),
		SessionID:  str(m, "session_id"),
		MaxRetries: int(num(m, "max_retries")),
		Interval:   time.Duration(num(m, "interval_seconds") * float64(time.Second)),
	}
	if p, ok := m["payload"].(map[string]any); ok {
		er.Payload = p
	}
	switch {
	case str(m, "run_at") != "":
		t, err := time.Parse(time.RFC3339, str(m, "run_at"))
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "run_at must be RFC 3339: %v", err)
		}
		er.RunAt = t
	case num(m, "delay_seconds") > 0:
		er.RunAt = s.now().Add(time.Duration(num(m, "delay_seconds") * float64(time.Second)))
	}

	id, err := s.backend.EnqueueDeferredTask(ctx, er)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"task_id": string(id)})
}

func (s *Server) GetPlanResult(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.backend.GetPlanResult(types.PlanID(str(req.AsMap(), "plan_id")))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(res)
}

func (s *Server) GetTaskStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	t, err := s.backend.GetTaskStatus(ctx, types.TaskID(str(req.AsMap(), "task_id")))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(t)
}

func (s *Server) RemoveTask(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.backend.RemoveTask(ctx, types.TaskID(str(req.AsMap(), "task_id"))); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"removed": true})
}

func (s *Server) DeadLetters(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	tasks, err := s.backend.DeadLetters(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	if tasks == nil {
		tasks = []*types.ScheduledTask{}
	}
	return toStruct(map[string]any{"tasks": tasks})
}

func (s *Server) CircuitStates(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	states := s.backend.CircuitStates()
	if states == nil {
		states = []resilience.CircuitState{}
	}
	return toStruct(map[string]any{"circuits": states})
}

// ============================================================================
// Service descriptor
// ============================================================================

type method func(AssistantServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn method) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(AssistantServer)
			if interceptor == nil {
				return fn(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AssistantServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitIntent", AssistantServer.SubmitIntent),
		unary("SubmitVoice", AssistantServer.SubmitVoice),
		unary("ClassifyOnly", AssistantServer.ClassifyOnly),
		unary("EnqueueDeferredTask", AssistantServer.EnqueueDeferredTask),
		unary("GetPlanResult", AssistantServer.GetPlanResult),
		unary("GetTaskStatus", AssistantServer.GetTaskStatus),
		unary("RemoveTask", AssistantServer.RemoveTask),
		unary("DeadLetters", AssistantServer.DeadLetters),
		unary("CircuitStates", AssistantServer.CircuitStates),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "assistant/v1/assistant.proto",
}

// ============================================================================
// Helpers
// ============================================================================

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := next(ctx, req)
	if err != nil {
		log.Warn("RPC failed", "method", info.FullMethod, "code", status.Code(err), "duration", time.Since(start), "error", err)
	} else {
		log.Debug("RPC served", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

// toStruct converts a JSON-tagged value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func sessionContext(m map[string]any) types.SessionContext {
	return types.SessionContext{
		SessionID:      str(m, "session_id"),
		Language:       str(m, "language"),
		PreviousIntent: types.IntentType(str(m, "previous_intent")),
		Source:         str(m, "source"),
	}
}

func str(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func num(m map[string]any, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

// Code maps an error kind onto a gRPC status code.
func Code(kind errmodel.Kind) codes.Code {
	switch kind {
	case errmodel.KindInvalidRequest:
		return codes.InvalidArgument
	case errmodel.KindNotFound:
		return codes.NotFound
	case errmodel.KindRateLimited:
		return codes.ResourceExhausted
	case errmodel.KindCircuitOpen, errmodel.KindRetryableFailure, errmodel.KindDependencyFailed:
		return codes.Unavailable
	case errmodel.KindTimeout, errmodel.KindBudgetExceeded:
		return codes.DeadlineExceeded
	case errmodel.KindCancelled:
		return codes.Canceled
	case errmodel.KindFatalFailure, errmodel.KindConfiguration:
		return codes.FailedPrecondition
	case errmodel.KindDeadLettered:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

func toStatus(err error) error {
	return status.Error(Code(errmodel.KindOf(err)), err.Error())
}
