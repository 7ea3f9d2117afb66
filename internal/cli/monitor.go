package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"tunstack/internal/tui"
)

var monitorCmd = &cobra.Command{
	Use:     "monitor",
	Aliases: []string{"tui"},
	Short:   "Open the interactive pool occupancy monitor",
	Long: `Launch the full-screen terminal UI. It follows the newest run recorded by
'tunstack run', lists past runs with their sample history and edits the
saved settings.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")

		p := tui.NewProgram(tui.Deps{
			Storage:  appInstance.Storage,
			Interval: interval,
		})
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("TUI error: %w", err)
		}
		return nil
	},
}

func init() {
	monitorCmd.Flags().Duration("interval", tui.DefaultInterval, "how often to poll for new samples")
	rootCmd.AddCommand(monitorCmd)
}
