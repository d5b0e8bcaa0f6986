package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nativebpm/taskworker"
	"github.com/nativebpm/taskworker/internal/config"
)

func deployCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "deploy FILE...",
		Short: "Deploy BPMN process definitions to the engine",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := taskworker.NewClient(config.FromEnv())
			if err != nil {
				return err
			}

			for _, path := range args {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", path, err)
				}

				deploymentName := name
				if deploymentName == "" {
					deploymentName = filepath.Base(path)
				}

				id, err := client.Deploy(cmd.Context(), deploymentName, f, filepath.Base(path))
				f.Close()
				if err != nil {
					return err
				}
				fmt.Printf("deployed %s as %s\n", path, id)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "deployment name (defaults to the file name)")

	return cmd
}

func startCmd() *cobra.Command {
	var vars []string

	cmd := &cobra.Command{
		Use:   "start KEY",
		Short: "Start a process instance by process definition key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := taskworker.NewClient(config.FromEnv())
			if err != nil {
				return err
			}

			variables := make(map[string]taskworker.Variable, len(vars))
			for _, kv := range vars {
				name, value, ok := splitVar(kv)
				if !ok {
					return fmt.Errorf("invalid --var %q, expected name=value", kv)
				}
				variables[name] = taskworker.StringVariable(value)
			}

			ctx := cmd.Context()
			start := time.Now()
			id, err := client.StartProcess(ctx, args[0], variables)
			if err != nil {
				return err
			}
			fmt.Printf("started %s as %s in %s\n", args[0], id, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&vars, "var", nil, "process variable as name=value (repeatable)")

	return cmd
}

func splitVar(kv string) (string, string, bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], i > 0
		}
	}
	return "", "", false
}
