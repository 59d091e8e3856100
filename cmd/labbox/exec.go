package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/labbox/internal/domain"
	"github.com/jkaninda/labbox/internal/gateway/httpapi"
	"github.com/jkaninda/labbox/internal/session"
)

var (
	execSession string
	execCode    string
	execFile    string
	execMessage string
	execJSON    bool
)

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Run code in a session on a running labbox server",
	Long: `Send code to a labbox server, print the cell's output and commit it to the
session history. Code comes from --code, --file, or stdin.

Examples:
  labbox exec -s demo -c 'print(1 + 1)'
  labbox exec -s demo -f analysis.py -m "load dataset"
  echo 'import sys; print(sys.version)' | labbox exec -s demo

Exit codes:
  0  execution succeeded
  1  execution failed or timed out
  2  missing or invalid API key
  3  server unavailable`,
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVarP(&execSession, "session", "s", "", "session id (required; created on first use)")
	execCmd.Flags().StringVarP(&execCode, "code", "c", "", "code to run")
	execCmd.Flags().StringVarP(&execFile, "file", "f", "", "file containing the code to run")
	execCmd.Flags().StringVarP(&execMessage, "message", "m", "", "commit message")
	execCmd.Flags().BoolVar(&execJSON, "json", false, "print the raw JSON response")
	addClientFlags(execCmd)

	_ = execCmd.MarkFlagRequired("session")
}

func runExec(_ *cobra.Command, _ []string) error {
	code, err := readCode()
	if err != nil {
		return err
	}

	client, err := newAPIClient()
	exitOnError(err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(clientTimeout)*time.Second)
	defer cancel()

	var res session.ExecuteResult
	err = client.do(ctx, "POST", "/v1/sessions/"+url.PathEscape(execSession)+"/execute",
		httpapi.ExecuteRequest{Code: code, Message: execMessage}, &res)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Body.Result != nil {
		// Timed-out and killed executions still carry their partial output.
		printResult(apiErr.Body.Result)
	}
	exitOnError(err)

	if execJSON {
		data, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(data))
	} else {
		printResult(res.Result)
		if res.Commit != nil {
			fmt.Fprintf(os.Stderr, "[%s %s] %s\n", res.Commit.Branch, res.Commit.ShortSHA(), res.Commit.Message)
		}
	}

	if res.Result != nil && res.Result.Status != domain.StatusOK {
		os.Exit(ExitFailure)
	}
	return nil
}

// readCode returns the code from --code, --file or stdin, in that order.
func readCode() (string, error) {
	switch {
	case execCode != "":
		return execCode, nil
	case execFile != "":
		data, err := os.ReadFile(execFile)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", execFile, err)
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		if len(data) == 0 {
			return "", fmt.Errorf("no code given: use --code, --file or stdin")
		}
		return string(data), nil
	}
}

func printResult(r *domain.ExecutionResult) {
	if r == nil {
		return
	}
	fmt.Fprint(os.Stdout, r.Stdout)
	fmt.Fprint(os.Stderr, r.Stderr)
	for _, a := range r.Artifacts {
		fmt.Fprintf(os.Stderr, "artifact: %s (%s, %d bytes)\n", a.Filename, a.Kind, a.SizeBytes)
	}
}
