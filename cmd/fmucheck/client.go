package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yangwenmai/fmucheck/internal/model"
)

const defaultAPI = "http://localhost:8080"

type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: 2 * time.Minute}}
}

type statusBody struct {
	Digest         string              `json:"digest"`
	Filename       string              `json:"filename"`
	State          string              `json:"state"`
	Record         *model.ResultRecord `json:"record"`
	PollIntervalMS int64               `json:"poll_interval_ms"`
}

func (c *client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var info model.ErrorInfo
		if json.Unmarshal(body, &info) == nil && info.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, info.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	return json.Unmarshal(body, out)
}

func (c *client) submit(ctx context.Context, path string) (statusBody, error) {
	f, err := os.Open(path)
	if err != nil {
		return statusBody{}, err
	}
	defer f.Close()

	u := c.base + "/api/submissions?filename=" + url.QueryEscape(filepath.Base(path))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, f)
	if err != nil {
		return statusBody{}, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	var out statusBody
	return out, c.do(req, &out)
}

func (c *client) status(ctx context.Context, digest string) (statusBody, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/submissions/"+url.PathEscape(digest), nil)
	if err != nil {
		return statusBody{}, err
	}
	var out statusBody
	return out, c.do(req, &out)
}

// wait polls until the digest is done or ctx ends.
func (c *client) wait(ctx context.Context, digest string, interval time.Duration) (statusBody, error) {
	for {
		st, err := c.status(ctx, digest)
		if err != nil {
			return st, err
		}
		if st.State == model.StateDone {
			return st, nil
		}
		if st.PollIntervalMS > 0 {
			interval = time.Duration(st.PollIntervalMS) * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSubmitCommand() *cobra.Command {
	var (
		apiURL  string
		noWait  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit <file.fmu>",
		Short: "Upload an FMU and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c := newClient(apiURL)
			sub, err := c.submit(ctx, args[0])
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			if noWait {
				return printJSON(cmd.OutOrStdout(), sub)
			}
			st, err := c.wait(ctx, sub.Digest, 500*time.Millisecond)
			if err != nil {
				return fmt.Errorf("wait for %s: %w", sub.Digest, err)
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", defaultAPI, "Base URL of the fmucheck server")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Print the digest without waiting for the result")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Minute, "Give up waiting after this long")
	return cmd
}

func newStatusCommand() *cobra.Command {
	var (
		apiURL string
		wait   bool
	)

	cmd := &cobra.Command{
		Use:   "status <digest>",
		Short: "Print the current state of a submitted digest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := model.ParseDigest(args[0]); err != nil {
				return err
			}
			c := newClient(apiURL)
			var (
				st  statusBody
				err error
			)
			if wait {
				st, err = c.wait(cmd.Context(), args[0], 500*time.Millisecond)
			} else {
				st, err = c.status(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", defaultAPI, "Base URL of the fmucheck server")
	cmd.Flags().BoolVar(&wait, "wait", false, "Poll until the result is available")
	return cmd
}
