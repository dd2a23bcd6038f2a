package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewEventsCmd создаёт команду потокового вывода status-событий.
func NewEventsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts EventsOpts

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail status events (Ctrl+C to stop)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.OwnerID == "" && opts.TransformID == "" {
				return fmt.Errorf("--owner or --transform-id is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := outputFn()
			return clientFn().StreamEvents(ctx, opts, func(ev EventResponse) {
				out.Line(formatEvent(ev), ev)
			})
		},
	}

	cmd.Flags().StringVar(&opts.OwnerID, "owner", "", "Filter by owner ID")
	cmd.Flags().StringVar(&opts.ResourceID, "resource", "", "Filter by resource ID")
	cmd.Flags().StringVar(&opts.TransformID, "transform-id", "", "Filter by transform ID")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "Filter by job kind")

	return cmd
}

func formatEvent(ev EventResponse) string {
	line := fmt.Sprintf("%s  %-10s %-13s %s/%s attempt=%d",
		ev.Timestamp, ev.Type, ev.Kind, ev.TransformID, ev.UnitKey, ev.Attempt)
	if ev.Error != "" {
		line += "  error=" + ev.Error
	}
	return line
}
