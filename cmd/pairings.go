package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"devlink/crypto"
	"devlink/storage"
)

func newPairingsCommand(opts *rootOptions) *cobra.Command {
	pairings := &cobra.Command{
		Use:   "pairings",
		Short: "inspect or revoke trusted devices",
	}

	pairings.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list paired devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHost(opts)
			if err != nil {
				return err
			}
			defer h.close()

			rows, err := h.db.ListPairings()
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no paired devices")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DEVICE ID\tNAME\tTYPE\tFINGERPRINT\tPAIRED\tLAST SEEN")
			for _, p := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					p.DeviceID,
					p.DeviceName,
					p.DeviceType,
					crypto.FormatFingerprint(p.CertFingerprint),
					formatMillis(&p.TrustedTimestamp),
					lastSeen(p),
				)
			}
			return tw.Flush()
		},
	})

	pairings.AddCommand(&cobra.Command{
		Use:   "revoke <device-id>",
		Short: "forget a paired device",
		Long:  `revoke deletes the pinned certificate. The device has to pair again before it can connect; a running daemon notices on the next reconnect.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHost(opts)
			if err != nil {
				return err
			}
			defer h.close()

			deviceID := args[0]
			if err := h.db.DeletePairing(deviceID); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("no pairing for %s", deviceID)
				}
				return err
			}
			if err := h.db.RecordSecurityEvent(storage.SecurityEventUnpaired, deviceID, storage.SecuritySeverityInfo, map[string]any{"by": "cli"}); err != nil {
				h.logger.Warn("record security event failed", zap.Error(err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", deviceID)
			return nil
		},
	})

	return pairings
}

func lastSeen(p storage.Pairing) string {
	out := formatMillis(p.LastSeenTimestamp)
	if p.LastAddress != nil && *p.LastAddress != "" {
		transport := ""
		if p.LastTransport != nil {
			transport = *p.LastTransport + " "
		}
		out += " (" + transport + *p.LastAddress + ")"
	}
	return out
}

func formatMillis(ms *int64) string {
	if ms == nil || *ms == 0 {
		return "-"
	}
	return time.UnixMilli(*ms).Local().Format(time.DateTime)
}
