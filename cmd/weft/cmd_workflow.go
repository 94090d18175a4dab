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

	"github.com/spf13/cobra"

	"github.com/teradata-labs/weft/pkg/runtime"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage workflow ownership",
	Long: `Manage exclusive workflow ownership across instances sharing the
workspace. A claim held by a live instance is respected; claims held by dead
instances transfer automatically when auto-claim is enabled.

Examples:
  weft workflow claim deploy-runbook
  weft workflow check deploy-runbook
  weft workflow release deploy-runbook
  weft workflow force-claim deploy-runbook`,
}

var workflowClaimCmd = &cobra.Command{
	Use:   "claim [workflow-id]",
	Short: "Claim a workflow for this instance",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withRuntime(func(rt *runtime.Runtime) error {
			if err := rt.ClaimWorkflow(args[0]); err != nil {
				return err
			}
			fmt.Printf("claimed %s\n", args[0])
			return nil
		})
	},
}

var workflowReleaseCmd = &cobra.Command{
	Use:   "release [workflow-id]",
	Short: "Release a workflow held by this instance",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withRuntime(func(rt *runtime.Runtime) error {
			if err := rt.ReleaseWorkflow(args[0]); err != nil {
				return err
			}
			fmt.Printf("released %s\n", args[0])
			return nil
		})
	},
}

var workflowCheckCmd = &cobra.Command{
	Use:   "check [workflow-id]",
	Short: "Show this instance's relationship to a workflow",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withRuntime(func(rt *runtime.Runtime) error {
			status, err := rt.CheckWorkflow(args[0])
			if err != nil {
				return err
			}
			fmt.Println(status)
			return nil
		})
	},
}

var workflowForceClaimCmd = &cobra.Command{
	Use:   "force-claim [workflow-id]",
	Short: "Take a workflow regardless of the current holder",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withRuntime(func(rt *runtime.Runtime) error {
			if err := rt.ForceClaimWorkflow(args[0]); err != nil {
				return err
			}
			fmt.Printf("force-claimed %s\n", args[0])
			return nil
		})
	},
}

func init() {
	workflowCmd.AddCommand(workflowClaimCmd)
	workflowCmd.AddCommand(workflowReleaseCmd)
	workflowCmd.AddCommand(workflowCheckCmd)
	workflowCmd.AddCommand(workflowForceClaimCmd)
	rootCmd.AddCommand(workflowCmd)
}
