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
	"time"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/weft/pkg/audit"
	"github.com/teradata-labs/weft/pkg/runtime"
)

var (
	auditAction string
	auditActor  string
	auditSince  time.Duration
	auditLimit  int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded runs",
}

var runsSubagentCmd = &cobra.Command{
	Use:   "subagent [run-id]",
	Short: "Show a recorded sub-agent run, or list runs",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withRuntime(func(rt *runtime.Runtime) error {
			runID := ""
			if len(args) == 1 {
				runID = args[0]
			}
			text, err := rt.SubagentStatus(runID)
			if err != nil {
				return err
			}
			fmt.Print(text)
			return nil
		})
	},
}

var runsTeamCmd = &cobra.Command{
	Use:   "team [run-id]",
	Short: "Show a recorded team run, or list runs",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withRuntime(func(rt *runtime.Runtime) error {
			runID := ""
			if len(args) == 1 {
				runID = args[0]
			}
			text, err := rt.TeamStatus(runID)
			if err != nil {
				return err
			}
			fmt.Print(text)
			return nil
		})
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Read the audit trail",
	Long: `Read the append-only audit trail, newest last.

Examples:
  weft audit --action subagent_complete
  weft audit --since 1h --limit 50`,
	Run: runAudit,
}

func init() {
	runsCmd.AddCommand(runsSubagentCmd)
	runsCmd.AddCommand(runsTeamCmd)
	rootCmd.AddCommand(runsCmd)

	auditCmd.Flags().StringVar(&auditAction, "action", "", "filter by action")
	auditCmd.Flags().StringVar(&auditActor, "actor", "", "filter by actor instance")
	auditCmd.Flags().DurationVar(&auditSince, "since", 0, "only events newer than this age")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 100, "maximum events to show")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) {
	withRuntime(func(rt *runtime.Runtime) error {
		f := audit.Filter{
			Action: audit.Action(auditAction),
			Actor:  auditActor,
			Limit:  auditLimit,
		}
		if auditSince > 0 {
			f.Since = time.Now().Add(-auditSince)
		}
		events, err := rt.AuditEvents(f)
		if err != nil {
			return err
		}
		for _, ev := range events {
			status := "ok"
			if !ev.Success {
				status = "failed"
			}
			fmt.Printf("%s %s %s [%s]", ev.TimestampIso, ev.Action, ev.ToolName, status)
			if ev.ErrorMessage != "" {
				fmt.Printf(" %s", ev.ErrorMessage)
			}
			fmt.Println()
		}
		return nil
	})
}
