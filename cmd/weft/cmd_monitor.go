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
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/weft/pkg/runtime"
)

var monitorAddr string

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Serve the live SSE monitor",
	Long: `Serve runtime snapshots over server-sent events. Connect with any SSE
client:

  curl -N 'http://localhost:5007/?stream=runtime'`,
	Run: runMonitor,
}

func init() {
	monitorCmd.Flags().StringVar(&monitorAddr, "addr", ":5007", "listen address")
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) {
	withRuntime(func(rt *runtime.Runtime) error {
		ctx, cancel := signalContext()
		defer cancel()

		srv := &http.Server{
			Addr:              monitorAddr,
			Handler:           rt.MonitorHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		fmt.Printf("monitor listening on %s\n", monitorAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
}
