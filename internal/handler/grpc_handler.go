package handler

import (
	"context"
	"encoding/json"
	"net"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-wf-approvals/internal/errors"
	"github.com/pesio-ai/be-wf-approvals/internal/logger"
	"github.com/pesio-ai/be-wf-approvals/internal/service"
)

// ApprovalServiceName is the fully qualified gRPC service name.
const ApprovalServiceName = "approvals.v1.ApprovalService"

// UserIDMetadataKey carries the caller identity on gRPC calls.
const UserIDMetadataKey = "x-user-id"

// ApprovalServer is the gRPC surface. Messages are google.protobuf.Struct
// documents with the same field names as the REST API.
type ApprovalServer interface {
	PerformAction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	PerformBulkAction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	AvailableActions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	PreviewNextApprovers(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// GRPCHandler implements ApprovalServer.
type GRPCHandler struct {
	approvals Approvals
	log       *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler.
func NewGRPCHandler(approvals Approvals, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{
		approvals: approvals,
		log:       log.Component("grpc"),
	}
}

// RegisterApprovalServer registers h on s.
func RegisterApprovalServer(s grpc.ServiceRegistrar, h ApprovalServer) {
	s.RegisterService(&approvalServiceDesc, h)
}

type actionMessage struct {
	RequestID                int64   `json:"requestId"`
	RequestIDs               []int64 `json:"requestIds"`
	Action                   string  `json:"action"`
	Comment                  *string `json:"comment"`
	RequiresOperationalClose bool    `json:"requiresOperationalClose"`
	HasObstacles             bool    `json:"hasObstacles"`
	StatusID                 int64   `json:"statusId"`
}

// PerformAction executes one action.
func (h *GRPCHandler) PerformAction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actorID, err := actorFromMetadata(ctx)
	if err != nil {
		return nil, err
	}
	var msg actionMessage
	if err := fromStruct(in, &msg); err != nil {
		return nil, err
	}

	h.log.Info().
		Int64("request_id", msg.RequestID).
		Int64("actor_id", actorID).
		Str("action", msg.Action).
		Msg("gRPC PerformAction called")

	res, err := h.approvals.PerformAction(ctx, service.ActionInput{
		RequestID:                msg.RequestID,
		ActorID:                  actorID,
		Action:                   msg.Action,
		Comment:                  msg.Comment,
		RequiresOperationalClose: msg.RequiresOperationalClose,
		HasObstacles:             msg.HasObstacles,
		IPAddress:                peerAddr(ctx),
	})
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(res)
}

// PerformBulkAction executes one action on many requests.
func (h *GRPCHandler) PerformBulkAction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actorID, err := actorFromMetadata(ctx)
	if err != nil {
		return nil, err
	}
	var msg actionMessage
	if err := fromStruct(in, &msg); err != nil {
		return nil, err
	}

	h.log.Info().
		Int("requests", len(msg.RequestIDs)).
		Int64("actor_id", actorID).
		Str("action", msg.Action).
		Msg("gRPC PerformBulkAction called")

	res, err := h.approvals.PerformBulkAction(ctx, service.BulkActionInput{
		RequestIDs:               msg.RequestIDs,
		ActorID:                  actorID,
		Action:                   msg.Action,
		Comment:                  msg.Comment,
		RequiresOperationalClose: msg.RequiresOperationalClose,
		HasObstacles:             msg.HasObstacles,
		IPAddress:                peerAddr(ctx),
	})
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(res)
}

// AvailableActions lists the caller's actions on a request.
func (h *GRPCHandler) AvailableActions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actorID, err := actorFromMetadata(ctx)
	if err != nil {
		return nil, err
	}
	var msg actionMessage
	if err := fromStruct(in, &msg); err != nil {
		return nil, err
	}
	actions, err := h.approvals.AvailableActions(ctx, msg.RequestID, actorID)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]any{"actions": actions})
}

// PreviewNextApprovers returns who acts once a request reaches statusId.
func (h *GRPCHandler) PreviewNextApprovers(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := actorFromMetadata(ctx); err != nil {
		return nil, err
	}
	var msg actionMessage
	if err := fromStruct(in, &msg); err != nil {
		return nil, err
	}
	users, err := h.approvals.PreviewNextApprovers(ctx, msg.RequestID, msg.StatusID)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]any{"approvers": users})
}

// ── Service descriptor ────────────────────────────────────────────────────────

var approvalServiceDesc = grpc.ServiceDesc{
	ServiceName: ApprovalServiceName,
	HandlerType: (*ApprovalServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("PerformAction", ApprovalServer.PerformAction),
		unary("PerformBulkAction", ApprovalServer.PerformBulkAction),
		unary("AvailableActions", ApprovalServer.AvailableActions),
		unary("PreviewNextApprovers", ApprovalServer.PreviewNextApprovers),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "approvals/v1/approvals.proto",
}

type unaryMethod func(ApprovalServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ApprovalServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ApprovalServiceName + "/" + name,
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ApprovalServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func actorFromMetadata(ctx context.Context) (int64, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(UserIDMetadataKey)
	if len(values) == 0 {
		return 0, status.Error(codes.Unauthenticated, "missing "+UserIDMetadataKey+" metadata")
	}
	id, err := strconv.ParseInt(values[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, status.Error(codes.Unauthenticated, "invalid "+UserIDMetadataKey+" metadata")
	}
	return id, nil
}

func peerAddr(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
		return host
	}
	return p.Addr.String()
}

func fromStruct(in *structpb.Struct, v any) error {
	raw, err := in.MarshalJSON()
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return status.Error(codes.InvalidArgument, "malformed message: "+err.Error())
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// mapErrorToGRPC converts an application error into a gRPC status error.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}

	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidInput:
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.ErrCodeInvalidAction:
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, err.Error())
	case errors.ErrCodeForbidden:
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.ErrCodeConflict:
		return status.Error(codes.Aborted, err.Error())
	case errors.ErrCodeConfiguration:
		return status.Error(codes.Internal, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
