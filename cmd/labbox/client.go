package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/labbox/internal/gateway/httpapi"
)

// Exit codes for the client commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitUnauthorized = 2
	ExitUnavailable  = 3
)

var (
	clientServerURL string
	clientAPIKey    string
	clientTimeout   int
)

// addClientFlags registers the flags shared by commands that talk to a
// running server.
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&clientServerURL, "server-url", "http://localhost:8080", "labbox HTTP API URL (or LABBOX_SERVER_URL env)")
	cmd.Flags().StringVar(&clientAPIKey, "api-key", "", "API key (or LABBOX_API_KEY env)")
	cmd.Flags().IntVar(&clientTimeout, "timeout", 120, "request timeout in seconds")
}

// apiClient calls the labbox HTTP API.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newAPIClient() (*apiClient, error) {
	apiKey := goutils.Env("LABBOX_API_KEY", clientAPIKey)
	if apiKey == "" {
		return nil, &apiError{Status: http.StatusUnauthorized, Body: httpapi.ErrorBody{
			Error: "API key required (use --api-key or set LABBOX_API_KEY)",
		}}
	}
	return &apiClient{
		baseURL: strings.TrimRight(goutils.Env("LABBOX_SERVER_URL", clientServerURL), "/"),
		apiKey:  apiKey,
		http:    http.DefaultClient,
	}, nil
}

// apiError is a non-2xx answer from the server.
type apiError struct {
	Status int
	Body   httpapi.ErrorBody
}

func (e *apiError) Error() string {
	if e.Body.Kind != "" {
		return fmt.Sprintf("%s: %s", e.Body.Kind, e.Body.Error)
	}
	if e.Body.Error != "" {
		return e.Body.Error
	}
	return http.StatusText(e.Status)
}

// unavailableError means the server could not be reached at all.
type unavailableError struct{ err error }

func (e *unavailableError) Error() string { return e.err.Error() }
func (e *unavailableError) Unwrap() error { return e.err }

// do sends body as JSON and decodes a 2xx answer into out.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return &unavailableError{fmt.Errorf("cannot reach labbox at %s: %w", c.baseURL, err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(data, &apiErr.Body) != nil {
			apiErr.Body.Error = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// exitOnError prints err and exits with the matching code. It returns when
// err is nil.
func exitOnError(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	var unavailable *unavailableError
	var apiErr *apiError
	switch {
	case errors.As(err, &unavailable):
		os.Exit(ExitUnavailable)
	case errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden):
		os.Exit(ExitUnauthorized)
	case errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable:
		os.Exit(ExitUnavailable)
	default:
		os.Exit(ExitFailure)
	}
}
