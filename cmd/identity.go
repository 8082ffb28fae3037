package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"devlink/crypto"
)

func newIdentityCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "print this device's id, name and certificate fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHost(opts)
			if err != nil {
				return err
			}
			defer h.close()

			id, err := h.identity()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device ID:       %s\n", id.DeviceID)
			fmt.Fprintf(out, "Device Name:     %s\n", id.DeviceName)
			fmt.Fprintf(out, "Device Type:     %s\n", id.DeviceType)
			fmt.Fprintf(out, "Fingerprint:     %s\n", crypto.FormatFingerprint(id.Fingerprint))
			fmt.Fprintf(out, "Config File:     %s\n", h.cfgPath)
			fmt.Fprintf(out, "Data Directory:  %s\n", h.dataDir)
			fmt.Fprintf(out, "Database File:   %s\n", h.dbPath)
			return nil
		},
	}
}
