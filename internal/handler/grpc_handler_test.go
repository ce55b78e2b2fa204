package handler

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-wf-approvals/internal/client"
	"github.com/pesio-ai/be-wf-approvals/internal/errors"
	"github.com/pesio-ai/be-wf-approvals/internal/logger"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
	"github.com/pesio-ai/be-wf-approvals/internal/service"
)

// startGRPC serves stub over an in-memory listener and returns a client
// acting as actorID.
func startGRPC(t *testing.T, stub *stubApprovals, actorID int64) *client.ApprovalsGRPCClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterApprovalServer(srv, NewGRPCHandler(stub, logger.Nop()))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := client.NewApprovalsGRPCClient("passthrough:///bufnet", actorID,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGRPCPerformAction(t *testing.T) {
	number := "IT-26-0042"
	stub := &stubApprovals{result: &service.ActionResult{
		RequestID:      5,
		NewStatusID:    15,
		NewStatus:      "Completed",
		DocumentNumber: &number,
		NextApprovers:  []repository.UserRef{},
	}}
	c := startGRPC(t, stub, 5)

	reply, err := c.PerformAction(context.Background(), client.ActionRequest{
		RequestID:    5,
		Action:       "process",
		HasObstacles: true,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(5), stub.action.ActorID, "identity travels as metadata")
	assert.Equal(t, "process", stub.action.Action)
	assert.True(t, stub.action.HasObstacles)
	assert.Equal(t, int64(15), reply.NewStatusID)
	require.NotNil(t, reply.DocumentNumber)
	assert.Equal(t, number, *reply.DocumentNumber)
}

func TestGRPCPerformBulkAction(t *testing.T) {
	stub := &stubApprovals{bulkRes: &service.BulkResult{
		SuccessCount:   2,
		FailCount:      1,
		FailedRequests: []service.BulkFailure{{ID: 8, Reason: "not allowed"}},
	}}
	c := startGRPC(t, stub, 2)

	reply, err := c.PerformBulkAction(context.Background(), client.ActionRequest{
		RequestIDs: []int64{7, 8, 9},
		Action:     "approve",
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 8, 9}, stub.bulk.RequestIDs)
	assert.Equal(t, 2, reply.SuccessCount)
	require.Len(t, reply.FailedRequests, 1)
	assert.Equal(t, int64(8), reply.FailedRequests[0].ID)
}

func TestGRPCErrorCodes(t *testing.T) {
	stub := &stubApprovals{err: errors.New(errors.ErrCodeInvalidAction, "not allowed")}
	c := startGRPC(t, stub, 2)

	_, err := c.PerformAction(context.Background(), client.ActionRequest{RequestID: 5, Action: "approve"})
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestGRPCRequiresIdentity(t *testing.T) {
	h := NewGRPCHandler(&stubApprovals{}, logger.Nop())
	in, err := structpb.NewStruct(map[string]any{"requestId": 5, "action": "approve"})
	require.NoError(t, err)

	_, err = h.PerformAction(context.Background(), in)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestMapErrorToGRPC(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{errors.InvalidInput("x", "y"), codes.InvalidArgument},
		{errors.New(errors.ErrCodeInvalidAction, "no"), codes.FailedPrecondition},
		{errors.NotFound("request", 1), codes.NotFound},
		{errors.New(errors.ErrCodeForbidden, "no"), codes.PermissionDenied},
		{errors.New(errors.ErrCodeConflict, "retry"), codes.Aborted},
		{errors.New(errors.ErrCodeConfiguration, "bad rule"), codes.Internal},
		{assert.AnError, codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, status.Code(mapErrorToGRPC(tt.err)), tt.err.Error())
	}
	assert.NoError(t, mapErrorToGRPC(nil))
}
