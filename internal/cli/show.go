package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"tunstack/internal/config"
	"tunstack/internal/pool"
)

var showCmd = &cobra.Command{
	Use:               "show",
	Short:             "Print the effective options and the memory they reserve",
	PersistentPreRunE: skipApp,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		asJSON, _ := cmd.Flags().GetBool("json")

		opts, err := config.Load(path)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(opts)
		}

		g, pol := opts.Geometry, opts.Policy
		fmt.Println("Geometry:")
		fmt.Printf("  MSS:              %d\n", g.MSS)
		fmt.Printf("  MTU:              %d\n", g.MTU)
		fmt.Printf("  TCP window:       %d\n", g.TCPWnd)
		fmt.Printf("  TCP send buffer:  %d (%d segments queued)\n", g.TCPSndBuf, g.TCPSndQueueLen)
		fmt.Printf("  Pool buffer:      %d\n", g.PbufPoolBufSize)
		fmt.Println()
		fmt.Println("Policy:")
		fmt.Printf("  Timer interval:   %s\n", pol.TCPTimerInterval)
		fmt.Printf("  Core locking:     %t\n", pol.CoreLocking)
		fmt.Printf("  Checksum check:   %s\n", checksums(pol.ChecksumCheck))
		fmt.Printf("  Checksum gen:     %s\n", checksums(pol.ChecksumGen))
		fmt.Printf("  UDP timeout:      %s\n", pol.UDPTimeout)
		fmt.Println()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "KIND\tCAPACITY\tOBJECT\tRESERVED\t")
		total := 0
		for _, fp := range pool.Footprints(opts) {
			total += fp.Bytes()
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\t\n", fp.Kind, fp.Capacity, fp.ObjectSize, units.BytesSize(float64(fp.Bytes())))
		}
		fmt.Fprintf(w, "heap\t-\t-\t%s\t\n", units.BytesSize(float64(opts.Heap.Size)))
		w.Flush()

		fmt.Printf("\nWorst case: %s\n", units.BytesSize(float64(total+int(opts.Heap.Size))))
		return nil
	},
}

func checksums(c config.Checksums) string {
	var on []string
	for _, p := range []struct {
		name string
		on   bool
	}{{"ip", c.IP}, {"udp", c.UDP}, {"tcp", c.TCP}, {"icmp", c.ICMP}, {"icmp6", c.ICMP6}} {
		if p.on {
			on = append(on, p.name)
		}
	}
	if len(on) == 0 {
		return "off"
	}
	return fmt.Sprint(on)
}

func init() {
	showCmd.Flags().Bool("json", false, "print the options as JSON")
	rootCmd.AddCommand(showCmd)
}
