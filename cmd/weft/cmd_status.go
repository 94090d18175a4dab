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
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show capacity and queue state",
	Long: `Show the live capacity ledger: active and reserved slots, queue depth,
learned model limits, and the instances sharing the workspace.

Examples:
  weft status
  weft status --json`,
	Run: runStatus,
}

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "Show live instances and fair shares",
	Run:   runInstances,
}

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Show learned per-model concurrency limits",
	Run:   runLimits,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit JSON")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(instancesCmd)
	rootCmd.AddCommand(limitsCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	rt, err := buildRuntime()
	if err != nil {
		exitWith(err)
	}
	defer rt.Close()

	snap := rt.Snapshot()
	if statusJSON {
		out, merr := json.MarshalIndent(snap, "", "  ")
		if merr != nil {
			exitWith(merr)
		}
		fmt.Println(string(out))
		return
	}

	fmt.Printf("instance: %s\n", snap.InstanceID)
	if snap.Degraded {
		fmt.Println("mode: degraded (single-instance)")
	}
	cap := snap.Capacity
	fmt.Printf("requests: %d active, %d reserved (limit %d)\n",
		cap.ActiveRequests, cap.ReservedRequests, cap.Limits.MaxTotalActiveRequests)
	fmt.Printf("llm: %d active, %d reserved (limit %d)\n",
		cap.ActiveLLM, cap.ReservedLLM, cap.Limits.MaxTotalActiveLLM)
	fmt.Printf("queue: %d waiting, %d evicted\n", cap.QueuedCount, cap.QueueEvictions)
	for _, tool := range cap.QueuedToolNames {
		fmt.Printf("  waiting: %s\n", tool)
	}
}

func runInstances(cmd *cobra.Command, args []string) {
	rt, err := buildRuntime()
	if err != nil {
		exitWith(err)
	}
	defer rt.Close()
	fmt.Print(rt.InstanceStatus())
}

func runLimits(cmd *cobra.Command, args []string) {
	rt, err := buildRuntime()
	if err != nil {
		exitWith(err)
	}
	defer rt.Close()

	limits := rt.ModelLimits()
	if len(limits) == 0 {
		fmt.Println("no learned limits yet")
		return
	}
	keys := make([]string, 0, len(limits))
	for k := range limits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w := os.Stdout
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %d\n", k, limits[k])
	}
}
