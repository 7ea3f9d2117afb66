package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"tunstack/internal/config"
	pkgerrors "tunstack/pkg/errors"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the sizing options",
	Long: `Load the options (defaults, --config, TUNSTACK_* environment) and check every
range and cross-field invariant. All violations are listed, not just the
first one.`,
	PersistentPreRunE: skipApp,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")

		opts, err := config.Load(path)
		if err != nil {
			if !errors.Is(err, pkgerrors.ErrMisconfigured) {
				return err
			}
			violations := config.Violations(err)
			fmt.Printf("Invalid options (%d violations):\n\n", len(violations))
			for _, v := range violations {
				var ce *pkgerrors.ConfigError
				if errors.As(v, &ce) {
					fmt.Printf("  ✗ %-28s %s\n", ce.Field, ce.Reason)
				} else {
					fmt.Printf("  ✗ %v\n", v)
				}
			}
			return fmt.Errorf("%d violations", len(violations))
		}

		fmt.Println("Options are valid.")
		fmt.Println()
		for _, inv := range invariants(opts) {
			fmt.Printf("  ✓ %s\n", inv)
		}
		return nil
	},
}

// invariants describes the derived relations a valid opts satisfies.
func invariants(o *config.Options) []string {
	g, p := o.Geometry, o.Pools
	out := []string{
		fmt.Sprintf("PbufPoolBufSize %d >= MSS+%d+link = %d", g.PbufPoolBufSize, config.TCPIPHeaderLen, g.MinPbufPoolBufSize()),
		fmt.Sprintf("MSS+%d = %d <= MTU %d", config.TCPIPHeaderLen, g.MSS+config.TCPIPHeaderLen, g.MTU),
		fmt.Sprintf("2*MSS = %d <= TCPWnd %d <= 65535", 2*g.MSS, g.TCPWnd),
		fmt.Sprintf("TCPSndQueueLen %d >= 2*(SndBuf/MSS) = %d", g.TCPSndQueueLen, g.MinSegmentPool()),
		fmt.Sprintf("ReassMaxPbufs %d <= PbufPool %d", p.ReassMaxPbufs, p.PbufPool),
	}
	if o.Features.TCP {
		out = append(out, fmt.Sprintf("TCPSeg %d >= TCPSndQueueLen %d", p.TCPSeg, g.TCPSndQueueLen))
	}
	if o.Features.IPv4 {
		out = append(out, fmt.Sprintf("IPv4 effective MSS %d", g.EffectiveMSS(config.IPv4HeaderLen)))
	}
	if o.Features.IPv6 {
		out = append(out, fmt.Sprintf("IPv6 effective MSS %d", g.EffectiveMSS(config.IPv6HeaderLen)))
	}
	return out
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
