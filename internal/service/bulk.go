package service

import (
	"context"

	"github.com/pesio-ai/be-wf-approvals/internal/errors"
)

// BulkActionInput applies one action to many requests.
type BulkActionInput struct {
	RequestIDs               []int64
	ActorID                  int64
	Action                   string
	Comment                  *string
	RequiresOperationalClose bool
	HasObstacles             bool
	IPAddress                string
}

// BulkFailure explains why one request of a bulk action failed.
type BulkFailure struct {
	ID     int64  `json:"id"`
	Reason string `json:"reason"`
}

// BulkResult aggregates a bulk action.
type BulkResult struct {
	SuccessCount   int           `json:"successCount"`
	FailCount      int           `json:"failCount"`
	FailedRequests []BulkFailure `json:"failedRequests"`
}

// PerformBulkAction runs PerformAction for every id, each in its own
// transaction. A failing id is reported in the result and never affects the
// others; only malformed input fails the whole call.
func (s *ApprovalService) PerformBulkAction(ctx context.Context, in BulkActionInput) (*BulkResult, error) {
	if len(in.RequestIDs) == 0 {
		return nil, errors.InvalidInput("request_ids", "at least one request id is required")
	}
	if in.Action == "" {
		return nil, errors.InvalidInput("action", "action name is required")
	}

	result := &BulkResult{FailedRequests: []BulkFailure{}}
	for _, id := range in.RequestIDs {
		_, err := s.PerformAction(ctx, ActionInput{
			RequestID:                id,
			ActorID:                  in.ActorID,
			Action:                   in.Action,
			Comment:                  in.Comment,
			RequiresOperationalClose: in.RequiresOperationalClose,
			HasObstacles:             in.HasObstacles,
			IPAddress:                in.IPAddress,
		})
		s.metrics.BulkItem(ctx, err == nil)
		if err != nil {
			result.FailCount++
			result.FailedRequests = append(result.FailedRequests, BulkFailure{ID: id, Reason: failureReason(err)})
			continue
		}
		result.SuccessCount++
	}

	s.log.Info().
		Str("action", in.Action).
		Int64("actor_id", in.ActorID).
		Int("succeeded", result.SuccessCount).
		Int("failed", result.FailCount).
		Msg("Bulk action finished")

	return result, nil
}

// failureReason is the per-item message returned to the caller. Internal
// failures are logged by PerformAction and reported without their cause.
func failureReason(err error) string {
	if errors.CodeOf(err) == errors.ErrCodeInternal {
		return "internal error"
	}
	return err.Error()
}
