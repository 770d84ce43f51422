package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harborbot/internal/task"
)

// set with -ldflags "-X .../cmd/botctl/cmd.Version=..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

type versionInfo struct {
	Version   string   `json:"version"`
	GitCommit string   `json:"gitCommit"`
	BuildTime string   `json:"buildTime"`
	GoVersion string   `json:"goVersion"`
	Platform  string   `json:"platform"`
	TaskTypes []string `json:"taskTypes"`
}

func currentVersion() versionInfo {
	types := make([]string, 0, len(task.Types))
	for _, t := range task.Types {
		types = append(types, string(t))
	}
	return versionInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		TaskTypes: types,
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the botctl build and the task types it understands",
	Long: `Show the botctl build and the task types its ledger commands accept.
A botctl older than the workers may not know every task type in the ledger.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v := currentVersion()
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, v)
		}
		fmt.Fprintf(out, "botctl version %s (%s, built %s)\n", v.Version, v.GitCommit, v.BuildTime)
		fmt.Fprintf(out, "Go:         %s %s\n", v.GoVersion, v.Platform)
		fmt.Fprintf(out, "Task types: %s\n", strings.Join(v.TaskTypes, ", "))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
