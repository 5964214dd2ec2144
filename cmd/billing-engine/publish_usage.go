package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vikram2000b/sage-billing-engine/pkg/events"
)

var (
	usageEvent events.UsageEvent
	usageType  string
	usageSync  bool
)

var publishUsageCmd = &cobra.Command{
	Use:   "publish-usage",
	Short: "Publish one usage event to the usage queue, or record it directly with --sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		e := usageEvent
		e.EventType = events.UsageEventType(usageType)
		if err := e.Validate(); err != nil {
			return err
		}

		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if usageSync {
			res, err := a.recorder.Record(cmd.Context(), &e)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(res)
		}
		id, err := a.recorder.Publish(cmd.Context(), &e)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", id)
		return nil
	},
}

func init() {
	f := publishUsageCmd.Flags()
	f.StringVar(&usageEvent.WorkspaceID, "workspace", "", "workspace id (required)")
	f.StringVar(&usageType, "type", string(events.UsageAICredits), "usage event type")
	f.Float64Var(&usageEvent.Value, "value", 1, "usage amount")
	f.StringVar(&usageEvent.IdempotencyKey, "key", "", "idempotency key")
	f.BoolVar(&usageSync, "sync", false, "record synchronously instead of queueing")
	_ = publishUsageCmd.MarkFlagRequired("workspace")
}
