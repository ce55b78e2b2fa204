package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-wf-approvals/internal/client"
)

var (
	actAddr    string
	actUser    int64
	actAction  string
	actIDs     []int64
	actComment string
	actOpClose bool
	actBlocked bool
	actTimeout time.Duration
)

var actCmd = &cobra.Command{
	Use:   "act",
	Short: "Perform an action on requests through a running server",
	Long: `Perform one action on one or more requests over gRPC, as --user.
Several ids run as a bulk action: each request succeeds or fails on its own.

Examples:
  approvald act --user 2 --action approve --ids 41
  approvald act --user 5 --action process --ids 41,42,43 --operational-close`,
	RunE: runAct,
}

func init() {
	actCmd.Flags().StringVar(&actAddr, "addr", "localhost:9086", "gRPC address of the server")
	actCmd.Flags().Int64Var(&actUser, "user", 0, "Acting user id")
	actCmd.Flags().StringVar(&actAction, "action", "", "Action name")
	actCmd.Flags().Int64SliceVar(&actIDs, "ids", nil, "Request ids")
	actCmd.Flags().StringVar(&actComment, "comment", "", "Comment stored in the history")
	actCmd.Flags().BoolVar(&actOpClose, "operational-close", false, "Request operational close on process actions")
	actCmd.Flags().BoolVar(&actBlocked, "obstacles", false, "Mark the requests as having obstacles")
	actCmd.Flags().DurationVar(&actTimeout, "timeout", 30*time.Second, "Call timeout")
	_ = actCmd.MarkFlagRequired("user")
	_ = actCmd.MarkFlagRequired("action")
	_ = actCmd.MarkFlagRequired("ids")
}

func runAct(cmd *cobra.Command, _ []string) error {
	if len(actIDs) == 0 {
		return errors.New("--ids needs at least one request id")
	}

	c, err := client.NewApprovalsGRPCClient(actAddr, actUser)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), actTimeout)
	defer cancel()

	req := client.ActionRequest{
		Action:                   actAction,
		RequiresOperationalClose: actOpClose,
		HasObstacles:             actBlocked,
	}
	if actComment != "" {
		req.Comment = &actComment
	}

	var out any
	if len(actIDs) == 1 {
		req.RequestID = actIDs[0]
		out, err = c.PerformAction(ctx, req)
	} else {
		req.RequestIDs = actIDs
		out, err = c.PerformBulkAction(ctx, req)
	}
	if err != nil {
		return fmt.Errorf("%s failed: %w", actAction, err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
