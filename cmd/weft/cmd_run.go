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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/weft/pkg/runtime"
	"github.com/teradata-labs/weft/pkg/subagent"
	"github.com/teradata-labs/weft/pkg/team"
	"github.com/teradata-labs/weft/pkg/types"
)

var (
	runWorkflow    string
	runPriority    string
	runClass       string
	runWaitMs      int64
	runParallelism int
	runMemberPar   int
	runRounds      int
	runRetryRounds int
	runJSON        bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a sub-agent or team against a task",
}

var runSubagentCmd = &cobra.Command{
	Use:   "subagent [definition.json] [task]",
	Short: "Run one sub-agent definition against a task",
	Long: `Run one sub-agent definition against a task through admission, retry,
and output normalization.

Examples:
  weft run subagent researcher.json "summarize the incident timeline"
  weft run subagent researcher.json "check the failover" --workflow deploy-1`,
	Args: cobra.ExactArgs(2),
	Run:  runSubagentRun,
}

var runTeamCmd = &cobra.Command{
	Use:   "team [team.json] [task]",
	Short: "Run a team of sub-agents against a task",
	Long: `Run a team through its three phases: parallel initial answers, optional
communication rounds, and the final trust judgment.

Examples:
  weft run team triage-team.json "diagnose the elevated error rate"
  weft run team triage-team.json "diagnose" --rounds 2 --member-parallelism 2`,
	Args: cobra.ExactArgs(2),
	Run:  runTeamRun,
}

func init() {
	for _, c := range []*cobra.Command{runSubagentCmd, runTeamCmd} {
		c.Flags().StringVar(&runWorkflow, "workflow", "", "workflow id to enforce ownership for")
		c.Flags().StringVar(&runPriority, "priority", "normal", "priority (critical, high, normal, low, background)")
		c.Flags().StringVar(&runClass, "class", "standard", "queue class (interactive, standard, batch)")
		c.Flags().Int64Var(&runWaitMs, "wait-ms", 0, "admission wait budget in ms (0 = configured default)")
		c.Flags().BoolVar(&runJSON, "json", false, "emit the full result as JSON")
	}
	runTeamCmd.Flags().IntVar(&runParallelism, "parallelism", 0, "requested team-level parallelism")
	runTeamCmd.Flags().IntVar(&runMemberPar, "member-parallelism", 0, "member parallelism cap")
	runTeamCmd.Flags().IntVar(&runRounds, "rounds", -1, "communication rounds (-1 = team default)")
	runTeamCmd.Flags().IntVar(&runRetryRounds, "retry-rounds", -1, "retry rounds for degraded members (-1 = team default)")

	runCmd.AddCommand(runSubagentCmd)
	runCmd.AddCommand(runTeamCmd)
	rootCmd.AddCommand(runCmd)
}

func delegateOptions() (runtime.DelegateOptions, error) {
	priority, err := types.ParsePriority(runPriority)
	if err != nil {
		return runtime.DelegateOptions{}, err
	}
	class, err := types.ParseQueueClass(runClass)
	if err != nil {
		return runtime.DelegateOptions{}, err
	}
	opts := runtime.DelegateOptions{
		WorkflowID:        runWorkflow,
		Priority:          priority,
		Class:             class,
		CapacityWaitMs:    runWaitMs,
		Parallelism:       runParallelism,
		MemberParallelism: runMemberPar,
	}
	if runRounds >= 0 {
		opts.CommunicationRounds = &runRounds
	}
	if runRetryRounds >= 0 {
		opts.MaxRetryRounds = &runRetryRounds
	}
	return opts, nil
}

// signalContext cancels on SIGINT/SIGTERM so in-flight work releases its
// slots before the process exits.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runSubagentRun(cmd *cobra.Command, args []string) {
	def, err := subagent.LoadDefinition(args[0])
	if err != nil {
		exitWith(types.WrapError(types.KindValidationFailure, "invalid definition", err))
	}
	opts, err := delegateOptions()
	if err != nil {
		exitWith(types.WrapError(types.KindValidationFailure, "invalid options", err))
	}

	withRuntime(func(rt *runtime.Runtime) error {
		ctx, cancel := signalContext()
		defer cancel()

		res, rerr := rt.RunSubagent(ctx, def, args[1], opts)
		if res != nil {
			printSubagentResult(res)
		}
		return rerr
	})
}

func runTeamRun(cmd *cobra.Command, args []string) {
	tm, err := team.LoadTeam(args[0])
	if err != nil {
		exitWith(types.WrapError(types.KindValidationFailure, "invalid team", err))
	}
	opts, err := delegateOptions()
	if err != nil {
		exitWith(types.WrapError(types.KindValidationFailure, "invalid options", err))
	}

	withRuntime(func(rt *runtime.Runtime) error {
		ctx, cancel := signalContext()
		defer cancel()

		res, rerr := rt.RunTeam(ctx, tm, args[1], opts)
		if res != nil {
			printTeamResult(res)
		}
		return rerr
	})
}

func printSubagentResult(res *subagent.Result) {
	if runJSON {
		printJSON(res)
		return
	}
	fmt.Printf("run %s: %s\n", res.RunID, res.Outcome.Status)
	if res.Output.Summary != "" {
		fmt.Printf("summary: %s\n", res.Output.Summary)
	}
	if res.Output.Result != "" {
		fmt.Printf("result: %s\n", res.Output.Result)
	}
	if res.Error != "" {
		fmt.Fprintf(os.Stderr, "error: %s\n", res.Error)
	}
}

func printTeamResult(res *team.Result) {
	if runJSON {
		printJSON(res)
		return
	}
	fmt.Printf("run %s: %s (verdict %s, confidence %.2f)\n",
		res.RunID, res.Outcome.Status, res.Judgment.Verdict, res.Judgment.Confidence)
	if res.Narrative != "" {
		fmt.Println(res.Narrative)
	}
	if res.Error != "" {
		fmt.Fprintf(os.Stderr, "error: %s\n", res.Error)
	}
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode result: %v\n", err)
		return
	}
	fmt.Println(string(out))
}
