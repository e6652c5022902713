// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command loomctl is a thin CLI entry point over the engine package: it
// binds flags, decodes a workflow file into a types.Workflow, and calls
// Runner.Run/Resume/DeliverEvent. It does not validate workflow files
// against a schema -- that remains out of scope.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loomwork/engine/internal/log"
	"github.com/loomwork/engine/pkg/engine"
	"github.com/loomwork/engine/pkg/engine/types"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	root := newRootCommand(logger)
	if err := root.Execute(); err != nil {
		logger.Error("command failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger) *cobra.Command {
	var storePath string

	cmd := &cobra.Command{
		Use:           "loomctl",
		Short:         "loomctl drives workflow runs against the engine's state store",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&storePath, "store", "loomctl.db", "state store path (\":memory:\" for an ephemeral store)")

	cmd.AddCommand(newRunCommand(logger, &storePath))
	cmd.AddCommand(newResumeCommand(logger, &storePath))
	cmd.AddCommand(newEventCommand(logger, &storePath))
	return cmd
}

func loadWorkflow(path string) (*types.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	var wf types.Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("decode workflow file: %w", err)
	}
	return &wf, nil
}

func openEngine(ctx context.Context, storePath string, logger *slog.Logger) (*engine.Engine, error) {
	return engine.New(ctx, engine.Config{
		StorePath:           storePath,
		DefaultPoolCapacity: 4,
		DefaultTimeout:      5 * time.Minute,
		MaxIterations:       25,
		MaxAgentHandoffs:    10,
		Env:                 envMap(),
		Logger:              logger,
	})
}

func envMap() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}

func parseInputs(raw []string) (map[string]any, error) {
	inputs := make(map[string]any, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --input %q, want key=value", kv)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			decoded = v // bare scalars that aren't valid JSON pass through as strings
		}
		inputs[k] = decoded
	}
	return inputs, nil
}

func printRun(run *types.Run) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(run)
}

func newRunCommand(logger *slog.Logger, storePath *string) *cobra.Command {
	var inputFlags []string

	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Start a new run of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := loadWorkflow(args[0])
			if err != nil {
				return err
			}
			inputs, err := parseInputs(inputFlags)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			eng, err := openEngine(ctx, *storePath, logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			run, err := eng.Runner.Run(ctx, wf, inputs)
			if run != nil {
				printRun(run)
			}
			if err != nil {
				logger.Error("run did not complete", slog.Any("error", err))
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&inputFlags, "input", nil, "workflow input as key=value (value parsed as JSON when possible)")
	return cmd
}

func newResumeCommand(logger *slog.Logger, storePath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <runId> <workflow.yaml>",
		Short: "Resume a previously interrupted run from its hydrated state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, workflowPath := args[0], args[1]
			wf, err := loadWorkflow(workflowPath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			eng, err := openEngine(ctx, *storePath, logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			run, err := eng.Runner.Resume(ctx, wf, runID)
			if run != nil {
				printRun(run)
			}
			if err != nil {
				logger.Error("resume did not complete", slog.String(log.RunIDKey, runID), slog.Any("error", err))
				return err
			}
			return nil
		},
	}
	return cmd
}

func newEventCommand(logger *slog.Logger, storePath *string) *cobra.Command {
	var dataFlag string

	cmd := &cobra.Command{
		Use:   "event <runId> <workflow.yaml> <eventName>",
		Short: "Deliver an external event, resuming any step suspended on it",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, workflowPath, eventName := args[0], args[1], args[2]
			wf, err := loadWorkflow(workflowPath)
			if err != nil {
				return err
			}

			payload := map[string]any{}
			if dataFlag != "" {
				if err := json.Unmarshal([]byte(dataFlag), &payload); err != nil {
					return fmt.Errorf("decode --data: %w", err)
				}
			}

			ctx := cmd.Context()
			eng, err := openEngine(ctx, *storePath, logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			run, err := eng.Runner.DeliverEvent(ctx, wf, runID, eventName, payload)
			if run != nil {
				printRun(run)
			}
			if err != nil {
				logger.Error("event delivery did not complete", slog.String(log.RunIDKey, runID), slog.String(log.EventKey, eventName), slog.Any("error", err))
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dataFlag, "data", "", "JSON object payload delivered with the event")
	return cmd
}
