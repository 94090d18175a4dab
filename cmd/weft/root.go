// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft/pkg/config"
	"github.com/teradata-labs/weft/pkg/runtime"
)

var (
	flagWorkspace string
	flagConfig    string
	flagStable    bool
	flagVerbose   bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "Weft - concurrency-safe agent runtime",
	Long: `Weft schedules delegated LLM work across processes sharing a workspace:
capacity ledger and priority queue, adaptive per-model rate control,
cross-instance fair-share coordination, workflow ownership, sub-agent and
team orchestration with an auditable trail.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Usage errors exit 64; runtime errors map
// through the exit code contract.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		code := runtime.ExitCode(err)
		if code == 1 {
			// Unknown commands and bad flags are usage errors.
			code = 64
		}
		os.Exit(code)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagWorkspace, "workspace", ".", "shared workspace root")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: <workspace>/weft.yaml)")
	rootCmd.PersistentFlags().BoolVar(&flagStable, "stable", false, "use the conservative stable runtime profile")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "verbose logging")
}

func buildLogger() *zap.Logger {
	if !flagVerbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// buildRuntime assembles a started runtime from the global flags. The caller
// owns Close.
func buildRuntime() (*runtime.Runtime, error) {
	cfg, err := config.Load(flagWorkspace, flagConfig)
	if err != nil {
		return nil, err
	}
	if flagStable {
		cfg.Limits = config.StableLimits()
	}
	rt, err := runtime.New(runtime.Options{Config: cfg, Logger: buildLogger()})
	if err != nil {
		return nil, err
	}
	rt.Start()
	return rt, nil
}

// exitWith prints the error and exits with its mapped code.
func exitWith(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(runtime.ExitCode(err))
}

// withRuntime runs fn against a freshly built runtime, closing it before any
// exit so the instance record is always unregistered.
func withRuntime(fn func(rt *runtime.Runtime) error) {
	rt, err := buildRuntime()
	if err != nil {
		exitWith(err)
	}
	if err := fn(rt); err != nil {
		rt.Close()
		exitWith(err)
	}
	rt.Close()
}
