package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewTransformCmd создаёт группу команд для управления трансформациями.
func NewTransformCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transform",
		Short: "Manage transforms",
	}

	cmd.AddCommand(
		newTransformListCmd(clientFn, outputFn),
		newTransformCreateCmd(clientFn, outputFn),
		newTransformShowCmd(clientFn, outputFn),
		newTransformNewRunCmd(clientFn, outputFn),
		newTransformStatsCmd(clientFn, outputFn),
	)

	return cmd
}

var transformHeaders = []string{"ID", "KIND", "OWNER", "RESOURCE", "ENABLED", "RUN_ID"}

func transformRow(t TransformResponse) []string {
	return []string{t.ID, t.Kind, t.OwnerID, t.ResourceID, strconv.FormatBool(t.Enabled), t.CurrentRunID}
}

func newTransformListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all transforms",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			transforms, err := client.ListTransforms()
			if err != nil {
				return err
			}

			rows := make([][]string, len(transforms))
			for i, t := range transforms {
				rows[i] = transformRow(t)
			}

			out.Print(transformHeaders, rows, transforms)
			return nil
		},
	}
}

func newTransformCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var req CreateTransformRequest
	var configJSON string
	var disabled bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a transform and start its first run",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if configJSON != "" {
				if err := json.Unmarshal([]byte(configJSON), &req.Config); err != nil {
					return fmt.Errorf("invalid --config JSON: %w", err)
				}
			}
			if disabled {
				enabled := false
				req.Enabled = &enabled
			}

			t, err := client.CreateTransform(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Transform created: %s", t.ID))
			out.Print(transformHeaders, [][]string{transformRow(*t)}, t)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.OwnerID, "owner", "", "Owner ID (required)")
	cmd.Flags().StringVar(&req.ResourceID, "resource", "", "Resource ID (required)")
	cmd.Flags().StringVar(&req.Kind, "kind", "", "Job kind: extraction, embedding, visualization (required)")
	cmd.Flags().StringVar(&configJSON, "config", "", "Transform config as JSON object")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Create the transform disabled")
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("resource")
	cmd.MarkFlagRequired("kind")

	return cmd
}

func newTransformShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show transform details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := clientFn().GetTransform(args[0])
			if err != nil {
				return err
			}

			outputFn().Print(transformHeaders, [][]string{transformRow(*t)}, t)
			return nil
		},
	}
}

func newTransformNewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "new-run ID",
		Short: "Start a new run: reset counters and re-dispatch every unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			t, err := clientFn().StartRun(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run started: %s", t.CurrentRunID))
			out.Print(transformHeaders, [][]string{transformRow(*t)}, t)
			return nil
		},
	}
}

var statsHeaders = []string{"TRANSFORM_ID", "RUN_ID", "DISPATCHED", "COMPLETED", "FAILED", "OUTSTANDING", "DONE"}

func statsRow(s StatsResponse) []string {
	return []string{
		s.TransformID,
		s.RunID,
		strconv.FormatInt(s.DispatchedUnits, 10),
		strconv.FormatInt(s.Completed, 10),
		strconv.FormatInt(s.Failed, 10),
		strconv.FormatInt(s.Outstanding, 10),
		strconv.FormatBool(s.Done),
	}
}

func newTransformStatsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [ID]",
		Short: "Show run counters (all transforms without ID)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if len(args) == 1 {
				st, err := client.GetStats(args[0])
				if err != nil {
					return err
				}
				out.Print(statsHeaders, [][]string{statsRow(*st)}, st)
				return nil
			}

			stats, err := client.ListStats()
			if err != nil {
				return err
			}
			rows := make([][]string, len(stats))
			for i, s := range stats {
				rows[i] = statsRow(s)
			}
			out.Print(statsHeaders, rows, stats)
			return nil
		},
	}
}
