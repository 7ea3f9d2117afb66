package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion bash|zsh|fish|powershell",
	Short: "Generate shell completion script",
	Long: `Generate a shell completion script for tunstack.

  bash:        source <(tunstack completion bash)
  zsh:         tunstack completion zsh > "${fpath[1]}/_tunstack"
  fish:        tunstack completion fish | source
  powershell:  tunstack completion powershell | Out-String | Invoke-Expression

Run IDs complete from the local database.`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	PersistentPreRunE:     skipApp,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		desc, _ := cmd.Flags().GetBool("descriptions")
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletionV2(out, desc)
		case "zsh":
			if desc {
				return rootCmd.GenZshCompletion(out)
			}
			return rootCmd.GenZshCompletionNoDesc(out)
		case "fish":
			return rootCmd.GenFishCompletion(out, desc)
		case "powershell":
			if desc {
				return rootCmd.GenPowerShellCompletionWithDesc(out)
			}
			return rootCmd.GenPowerShellCompletion(out)
		}
		return fmt.Errorf("unsupported shell %q", args[0])
	},
}

// completeRunIDs provides shell completion for recorded run IDs, newest
// first, described by backend and device.
func completeRunIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	if err := ensureApp(cmd); err != nil {
		return nil, cobra.ShellCompDirectiveError
	}

	runs, err := appInstance.Storage.GetRuns(context.Background(), 50)
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}

	var completions []string
	for _, r := range runs {
		id := strconv.FormatInt(r.ID, 10)
		if strings.HasPrefix(id, toComplete) {
			completions = append(completions, id+"\t"+r.Backend+" "+orDash(r.Device))
		}
	}

	return completions, cobra.ShellCompDirectiveNoFileComp | cobra.ShellCompDirectiveKeepOrder
}

// completeBackends provides completion for --backend.
func completeBackends(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return []string{"native\tpool-bounded stack", "tun2socks\tgVisor stack"}, cobra.ShellCompDirectiveNoFileComp
}

func init() {
	completionCmd.Flags().Bool("descriptions", true, "include completion descriptions")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(completionCmd)
}
