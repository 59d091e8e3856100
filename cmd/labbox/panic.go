package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/labbox/internal/killswitch"
)

var panicCmd = &cobra.Command{
	Use:   "panic",
	Short: "Kill every live isolate on a running labbox server",
	Long: `Trigger the panic switch: every live isolate is force-killed at once and
executions in flight fail with Killed. Session history is not touched.`,
	RunE: runPanic,
}

func init() {
	addClientFlags(panicCmd)
}

func runPanic(_ *cobra.Command, _ []string) error {
	client, err := newAPIClient()
	exitOnError(err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(clientTimeout)*time.Second)
	defer cancel()

	var report killswitch.Report
	exitOnError(client.do(ctx, "POST", "/v1/panic", nil, &report))

	fmt.Printf("killed %d isolate(s) in %s", report.ContainersKilled, report.Duration.Round(time.Millisecond))
	if report.Failed > 0 {
		fmt.Printf(", %d failed", report.Failed)
	}
	fmt.Println()
	return nil
}
