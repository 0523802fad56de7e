// Package cmd implements the gatekeeperctl operator commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

// NewRootCmd builds a fresh command tree. Each call is independent so tests
// can run commands without shared state.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gatekeeperctl",
		Short: "Operator tooling for the gatekeeper authorization core",
		Long: `gatekeeperctl mints development session tokens, checks policy files
before they are deployed, and verifies exported audit events offline.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newTokenCmd(), newPolicyCmd(), newAuditCmd())
	return root
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
