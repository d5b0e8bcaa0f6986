package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 fatal runtime error
const (
	exitConfigError  = 1
	exitRuntimeError = 2
)

func main() {
	root := &cobra.Command{
		Use:           "taskworker",
		Short:         "External task worker bridging a BPMN engine to packaged task executors",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(deployCmd())
	root.AddCommand(startCmd())

	if err := root.Execute(); err != nil {
		os.Exit(exitConfigError)
	}
}
