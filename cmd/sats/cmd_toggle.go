package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var toggleCmd = &cobra.Command{
	Use:       "toggle [on|off]",
	Short:     "Enable or disable conversion",
	Long:      "Persists the enabled flag. A running `sats serve` picks the change up immediately. Without an argument the flag is flipped.",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE:      runToggle,
}

func runToggle(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmdContext(cmd), timeout)
	defer cancel()

	st := openSettings(cfg)
	var enabled bool
	if len(args) == 1 {
		switch strings.ToLower(args[0]) {
		case "on", "true", "enable":
			enabled = true
		case "off", "false", "disable":
			enabled = false
		default:
			return fmt.Errorf("expected on or off, got %q", args[0])
		}
	} else {
		cur, err := st.Enabled(ctx)
		if err != nil {
			return err
		}
		enabled = !cur
	}

	if err := st.SetEnabled(ctx, enabled); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), statusLine(enabled))
	return nil
}

func statusLine(enabled bool) string {
	if enabled {
		return "Converting currencies to sats!"
	}
	return "Conversion disabled"
}
