package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"clip-acquirer/internal/model"
)

const remoteTimeout = 10 * time.Second

// remoteClient talks to a running serve instance.
type remoteClient struct {
	base string
	http *http.Client
}

func newRemoteClient(base string) (*remoteClient, error) {
	b := serverBase(base)
	if b == "" {
		return nil, fmt.Errorf("server address is required")
	}
	if _, err := url.Parse(b); err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", base, err)
	}
	return &remoteClient{base: b, http: &http.Client{Timeout: remoteTimeout}}, nil
}

type remoteError struct {
	Status int
	Msg    string
}

func (e *remoteError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Msg)
}

func (c *remoteClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &remoteError{Status: resp.StatusCode, Msg: msg}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *remoteClient) Status(ctx context.Context, id string) (model.ProgressRecord, error) {
	var rec model.ProgressRecord
	err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(id), &rec)
	return rec, err
}

func (c *remoteClient) Cancel(ctx context.Context, id string) (bool, error) {
	var res struct {
		Cancelled bool `json:"cancelled"`
	}
	err := c.do(ctx, http.MethodPost, "/cancel/"+url.PathEscape(id), &res)
	return res.Cancelled, err
}

func (c *remoteClient) Jobs(ctx context.Context) ([]model.ProgressRecord, error) {
	var res struct {
		Jobs []model.ProgressRecord `json:"jobs"`
	}
	err := c.do(ctx, http.MethodGet, "/jobs", &res)
	return res.Jobs, err
}

// addServerFlag registers --server; an empty value falls back to listen_addr.
func addServerFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVar(target, "server", "", "server address (default: listen_addr)")
}

func (a *app) remote(server string) (*remoteClient, error) {
	if strings.TrimSpace(server) == "" {
		server = a.cfg.ListenAddr
	}
	return newRemoteClient(server)
}

func newStatusCmd(a *app) *cobra.Command {
	var server string
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status <resource-id>",
		Short: "Show the latest progress record of a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.remote(server)
			if err != nil {
				return err
			}
			rec, err := client.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(a.stdout, rec)
			}
			fmt.Fprintln(a.stdout, plainLine(rec))
			return nil
		},
	}
	addServerFlag(cmd, &server)
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON output")
	return cmd
}

func newCancelCmd(a *app) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "cancel <resource-id>",
		Short: "Cancel a running acquisition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.remote(server)
			if err != nil {
				return err
			}
			ok, err := client.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(a.stdout, "%s: no running acquisition\n", args[0])
				return nil
			}
			fmt.Fprintf(a.stdout, "%s: cancelled\n", args[0])
			return nil
		},
	}
	addServerFlag(cmd, &server)
	return cmd
}

func newJobsCmd(a *app) *cobra.Command {
	var server string
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List every resource the server has progress for",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.remote(server)
			if err != nil {
				return err
			}
			list, err := client.Jobs(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(a.stdout, list)
			}
			if len(list) == 0 {
				fmt.Fprintln(a.stdout, "no jobs")
				return nil
			}
			for _, rec := range list {
				fmt.Fprintln(a.stdout, plainLine(rec))
			}
			return nil
		},
	}
	addServerFlag(cmd, &server)
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON output")
	return cmd
}
