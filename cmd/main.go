package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ngld/buildgraph/pkg/buildsys"
	"github.com/ngld/buildgraph/pkg/buildsys/cmd"
)

var rootCmd = &cobra.Command{
	Use:   "buildgraph",
	Short: "Task graph build tool",
	Long: `buildgraph reads build.star, schedules the requested tasks and runs them.
It also bundles portable versions of a few POSIX tools which are used by task commands.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(cmd.RunCmd)
	rootCmd.AddCommand(cmd.PlanCmd)
	rootCmd.AddCommand(cmd.ConfigureCmd)
	rootCmd.AddCommand(cmd.ClasspathCmd)

	// task commands call back into this binary for mv, rm and mkdir
	if self, err := os.Executable(); err == nil {
		buildsys.PortableTool = filepath.Clean(self)
	}
}

func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}
