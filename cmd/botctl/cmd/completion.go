package cmd

import (
	"github.com/spf13/cobra"

	"github.com/austindbirch/harborbot/internal/task"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate a shell completion script for botctl",
	Long: `Generate a shell completion script for botctl. Besides commands and
flags it completes task types for "ledger get" and "ledger release" and
event names for "webhook --event".

  $ source <(botctl completion bash)
  $ botctl completion zsh > "${fpath[1]}/_botctl"
  $ botctl completion fish | source
  PS> botctl completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletionV2(out, true)
		case "zsh":
			return cmd.Root().GenZshCompletion(out)
		case "fish":
			return cmd.Root().GenFishCompletion(out, true)
		default:
			return cmd.Root().GenPowerShellCompletionWithDesc(out)
		}
	},
}

// webhookEvents are the platform events the gateway classifies
var webhookEvents = []string{"ping", "pull_request", "pull_request_review", "issue_comment"}

// completeLedgerKey offers task types once the delivery id is given
func completeLedgerKey(_ *cobra.Command, args []string, _ string) ([]string, cobra.ShellCompDirective) {
	if len(args) != 1 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	types := make([]string, 0, len(task.Types))
	for _, t := range task.Types {
		types = append(types, string(t))
	}
	return types, cobra.ShellCompDirectiveNoFileComp
}

func completeWebhookEvent(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
	return webhookEvents, cobra.ShellCompDirectiveNoFileComp
}

func init() {
	rootCmd.AddCommand(completionCmd)
	ledgerGetCmd.ValidArgsFunction = completeLedgerKey
	ledgerReleaseCmd.ValidArgsFunction = completeLedgerKey
}
