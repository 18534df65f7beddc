// Command fabula generates long-form narrative chapter by chapter. Each
// project is a directory of JSON artifacts; generation is checkpointed and
// resumable.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// errHumanReview marks the pause exit: the run stopped for human review
// rather than failing.
var errHumanReview = errors.New("needs human review")

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		if errors.Is(err, errHumanReview) {
			fmt.Fprintln(os.Stderr, "paused: chapter needs human review; fix and run `fabula resume`")
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fabula",
		Short:         "checkpointed chapter generation for long-form narrative",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newInitCmd(),
		newRunCmd(),
		newResumeCmd(),
		newStatusCmd(),
		newStateCmd(),
		newRollbackCmd(),
		newExportCmd(),
		newServeCmd(),
	)
	return root
}
