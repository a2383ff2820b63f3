package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func NewPortsCommand() (*cobra.Command, error) {
	portsCmd := &cobra.Command{
		Use:   "ports",
		Short: "Inspect and maintain the cross-process adapter port registry",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List adapter port allocations recorded in the state directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, cfgErr := loadConfig()
			if cfgErr != nil {
				return cfgErr
			}

			registry, regErr := newPortRegistry(cfg, rootCmdLogger.Logger)
			if regErr != nil {
				return regErr
			}
			defer registry.Close()

			allocations, readErr := registry.Allocations(cmd.Context())
			if readErr != nil {
				return fmt.Errorf("could not read port records: %w", readErr)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PORT\tLANGUAGE\tSESSION\tOWNER PID\tUPDATED")
			for _, alloc := range allocations {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n",
					alloc.Port, alloc.Language, alloc.SessionID, alloc.OwnerPID,
					alloc.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stale port allocations left behind by dead processes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, cfgErr := loadConfig()
			if cfgErr != nil {
				return cfgErr
			}

			registry, regErr := newPortRegistry(cfg, rootCmdLogger.Logger)
			if regErr != nil {
				return regErr
			}
			defer registry.Close()

			removed, cleanupErr := registry.CleanupStaleAllocations(cmd.Context())
			if cleanupErr != nil {
				return fmt.Errorf("cleanup failed: %w", cleanupErr)
			}

			if removed == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No stale port allocations found.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d stale port allocation(s)\n", removed)
			return nil
		},
	}

	portsCmd.AddCommand(listCmd, cleanupCmd)
	return portsCmd, nil
}
