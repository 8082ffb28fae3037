package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"devlink/storage"
)

func newEventsCommand(opts *rootOptions) *cobra.Command {
	var filter storage.SecurityEventFilter

	cmd := &cobra.Command{
		Use:   "events",
		Short: "print recent security events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHost(opts)
			if err != nil {
				return err
			}
			defer h.close()

			events, err := h.db.GetSecurityEvents(filter)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no security events")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tSEVERITY\tEVENT\tDEVICE\tDETAILS")
			for _, ev := range events {
				peer := "-"
				if ev.PeerDeviceID != nil {
					peer = *ev.PeerDeviceID
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					formatMillis(&ev.Timestamp),
					ev.Severity,
					ev.EventType,
					peer,
					ev.Details,
				)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 20, "maximum number of events")
	cmd.Flags().StringVar(&filter.PeerDeviceID, "device", "", "only events for this device id")
	cmd.Flags().StringVar(&filter.Severity, "severity", "", "only events of this severity (info, warning, critical)")
	cmd.Flags().StringVar(&filter.EventType, "type", "", "only events of this type")
	return cmd
}
