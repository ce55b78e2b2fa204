package client

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const approvalService = "/approvals.v1.ApprovalService/"

// ApprovalsGRPCClient calls a running approvals service over gRPC.
type ApprovalsGRPCClient struct {
	conn *grpc.ClientConn
}

// NewApprovalsGRPCClient dials the approvals gRPC service. Every call is made
// on behalf of actorID.
func NewApprovalsGRPCClient(addr string, actorID int64, opts ...grpc.DialOption) (*ApprovalsGRPCClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(forwardMetadata, actingAs(actorID)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &ApprovalsGRPCClient{conn: conn}, nil
}

// Close releases the underlying gRPC connection.
func (c *ApprovalsGRPCClient) Close() error {
	return c.conn.Close()
}

// ActionRequest is the message of PerformAction and PerformBulkAction.
type ActionRequest struct {
	RequestID                int64   `json:"requestId,omitempty"`
	RequestIDs               []int64 `json:"requestIds,omitempty"`
	Action                   string  `json:"action"`
	Comment                  *string `json:"comment,omitempty"`
	RequiresOperationalClose bool    `json:"requiresOperationalClose,omitempty"`
	HasObstacles             bool    `json:"hasObstacles,omitempty"`
}

// ActionReply mirrors the service's action result.
type ActionReply struct {
	RequestID      int64   `json:"requestId"`
	Message        string  `json:"message"`
	Pending        bool    `json:"pending"`
	NewStatusID    int64   `json:"newStatusId"`
	NewStatus      string  `json:"newStatus"`
	DocumentNumber *string `json:"documentNumber"`
	NextApprovers  []struct {
		ID       int64  `json:"id"`
		Email    string `json:"email"`
		FullName string `json:"fullName"`
	} `json:"nextApprovers"`
}

// BulkReply mirrors the service's bulk result.
type BulkReply struct {
	SuccessCount   int `json:"successCount"`
	FailCount      int `json:"failCount"`
	FailedRequests []struct {
		ID     int64  `json:"id"`
		Reason string `json:"reason"`
	} `json:"failedRequests"`
}

// PerformAction executes one action on a request.
func (c *ApprovalsGRPCClient) PerformAction(ctx context.Context, req ActionRequest) (*ActionReply, error) {
	var reply ActionReply
	if err := c.invoke(ctx, "PerformAction", req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// PerformBulkAction executes one action on many requests.
func (c *ApprovalsGRPCClient) PerformBulkAction(ctx context.Context, req ActionRequest) (*BulkReply, error) {
	var reply BulkReply
	if err := c.invoke(ctx, "PerformBulkAction", req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *ApprovalsGRPCClient) invoke(ctx context.Context, method string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	msg := new(structpb.Struct)
	if err := msg.UnmarshalJSON(raw); err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, approvalService+method, msg, resp); err != nil {
		return err
	}

	raw, err = resp.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
