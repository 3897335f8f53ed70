package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
)

// ApprovalServiceName is the fully qualified gRPC service name.
const ApprovalServiceName = "approvals.v1.ApprovalService"

// approvalServer is the method set registered under ApprovalServiceName.
// Requests and responses are structpb.Struct documents shaped like the HTTP
// bodies.
type approvalServer interface {
	Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Approve(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Reject(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Delegate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ListPending(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	History(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// GRPCHandler implements the approvals gRPC service
type GRPCHandler struct {
	engine  *service.ApprovalService
	queries *service.QueryService
	logger  zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(engine *service.ApprovalService, queries *service.QueryService, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		engine:  engine,
		queries: queries,
		logger:  logger.With().Str("handler", "grpc").Logger(),
	}
}

// Register adds the service to s.
func (h *GRPCHandler) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&approvalServiceDesc, h)
}

var approvalServiceDesc = grpc.ServiceDesc{
	ServiceName: ApprovalServiceName,
	HandlerType: (*approvalServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Submit", approvalServer.Submit),
		unaryMethod("Approve", approvalServer.Approve),
		unaryMethod("Reject", approvalServer.Reject),
		unaryMethod("Delegate", approvalServer.Delegate),
		unaryMethod("Cancel", approvalServer.Cancel),
		unaryMethod("GetRequest", approvalServer.GetRequest),
		unaryMethod("ListPending", approvalServer.ListPending),
		unaryMethod("History", approvalServer.History),
	},
	Metadata: approvalsProtoFile,
}

func unaryMethod(name string, call func(approvalServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(approvalServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ApprovalServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(approvalServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// grpcRequest is the union of every method's request fields.
type grpcRequest struct {
	submitRequest
	RequestID      string  `json:"request_id"`
	DelegateUserID string  `json:"delegate_user_id"`
	Comments       *string `json:"comments"`
	Status         string  `json:"status"`
}

// Submit submits an entity for approval
func (h *GRPCHandler) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeStruct(in)
	if err != nil {
		return nil, err
	}
	res, err := h.engine.Submit(ctx, ActorFrom(ctx), service.SubmitInput{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Snapshot:   req.Snapshot,
	})
	if err != nil {
		return nil, h.fail("Submit", err)
	}
	return encodeStruct(toSubmitResponse(res))
}

// Approve approves the caller's pending step
func (h *GRPCHandler) Approve(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return h.act(ctx, "Approve", in, h.engine.Approve)
}

// Reject rejects the caller's pending step
func (h *GRPCHandler) Reject(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return h.act(ctx, "Reject", in, h.engine.Reject)
}

// Cancel withdraws a pending request
func (h *GRPCHandler) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return h.act(ctx, "Cancel", in, h.engine.Cancel)
}

// Delegate hands the caller's pending step to another user
func (h *GRPCHandler) Delegate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeStruct(in)
	if err != nil {
		return nil, err
	}
	res, err := h.engine.Delegate(ctx, ActorFrom(ctx), req.RequestID, req.DelegateUserID, req.Comments)
	if err != nil {
		return nil, h.fail("Delegate", err)
	}
	return encodeStruct(toActionResponse(res))
}

func (h *GRPCHandler) act(ctx context.Context, method string, in *structpb.Struct, fn actionFunc) (*structpb.Struct, error) {
	req, err := decodeStruct(in)
	if err != nil {
		return nil, err
	}
	res, err := fn(ctx, ActorFrom(ctx), req.RequestID, req.Comments)
	if err != nil {
		return nil, h.fail(method, err)
	}
	return encodeStruct(toActionResponse(res))
}

// GetRequest returns a request with its steps
func (h *GRPCHandler) GetRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeStruct(in)
	if err != nil {
		return nil, err
	}
	d, err := h.queries.GetRequest(ctx, ActorFrom(ctx), req.RequestID)
	if err != nil {
		return nil, h.fail("GetRequest", err)
	}
	return encodeStruct(toRequestView(d.Request, d.Steps))
}

// ListPending lists requests awaiting the caller
func (h *GRPCHandler) ListPending(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeStruct(in)
	if err != nil {
		return nil, err
	}
	details, err := h.queries.ListPending(ctx, ActorFrom(ctx), repository.StepStatus(req.Status))
	if err != nil {
		return nil, h.fail("ListPending", err)
	}
	return encodeStruct(map[string]any{"requests": toDetailViews(details)})
}

// History lists every request made for an entity
func (h *GRPCHandler) History(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeStruct(in)
	if err != nil {
		return nil, err
	}
	requests, err := h.queries.History(ctx, ActorFrom(ctx), req.EntityType, req.EntityID)
	if err != nil {
		return nil, h.fail("History", err)
	}
	return encodeStruct(map[string]any{"requests": toHistoryViews(requests)})
}

func (h *GRPCHandler) fail(method string, err error) error {
	st := mapErrorToGRPC(err)
	if status.Code(st) == codes.Internal {
		h.logger.Error().Err(err).Str("method", method).Msg("gRPC call failed")
	}
	return st
}

// SessionInterceptor establishes the Actor for approval service calls from
// the bearer token in the authorization metadata, or from x-user-id and
// x-organization-id when auth is skipped. Other services pass through.
func SessionInterceptor(cfg AuthConfig) grpc.UnaryServerInterceptor {
	prefix := "/" + ApprovalServiceName + "/"
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, prefix) {
			return next(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)

		if cfg.SkipAuth {
			actor := service.Actor{
				UserID:         first(md, strings.ToLower(HeaderUserID)),
				OrganizationID: first(md, strings.ToLower(HeaderOrganizationID)),
			}
			return next(WithActor(ctx, actor), req)
		}

		token, ok := strings.CutPrefix(first(md, "authorization"), "Bearer ")
		if !ok || token == "" {
			return nil, status.Error(codes.Unauthenticated, "authorization metadata required")
		}
		actor, err := ParseToken(token, cfg.JWTSecret)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		return next(WithActor(ctx, actor), req)
	}
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func decodeStruct(in *structpb.Struct) (*grpcRequest, error) {
	data, err := protojson.Marshal(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	req := &grpcRequest{}
	if err := dec.Decode(req); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}
	return req, nil
}

func encodeStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}

// mapErrorToGRPC maps application error codes to gRPC status codes.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, msg)
	case errors.ErrCodeAlreadyExists:
		return status.Error(codes.AlreadyExists, msg)
	case errors.ErrCodeInvalidInput:
		return status.Error(codes.InvalidArgument, msg)
	case errors.ErrCodeUnauthorized:
		return status.Error(codes.Unauthenticated, msg)
	case errors.ErrCodeForbidden:
		return status.Error(codes.PermissionDenied, msg)
	case errors.ErrCodeConflict:
		return status.Error(codes.Aborted, msg)
	case errors.ErrCodeFailedPrecondition:
		return status.Error(codes.FailedPrecondition, msg)
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
