package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/taskwire/pkg/taskwire/config"
)

// newStatusCmd creates `taskwire status`, which asks a running server for
// the detailed WhatsApp status.
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the WhatsApp connection status of a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			var status map[string]any
			if _, err := client.do(cmd.Context(), http.MethodGet, "/api/whatsapp/status/detailed", nil, &status); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
	addServerFlag(cmd)
	return cmd
}

func addServerFlag(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "operator API base URL (default: derived from server.address)")
}

// apiClient talks to the operator API of a running server.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(cmd *cobra.Command) (*apiClient, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	config.ResolveAuthToken(cfg, cliLogger(cmd, cfg))

	base, _ := cmd.Flags().GetString("server")
	if base == "" {
		base = baseURL(cfg.Server.Address)
	}
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: cfg.Server.AuthToken,
		http:  &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// baseURL turns a listen address into a URL reachable from this host.
func baseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// do sends a JSON request and decodes the JSON response into out. Non-2xx
// responses are errors unless they carry a delivery outcome.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("contacting %s (is 'taskwire serve' running?): %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return resp.StatusCode, fmt.Errorf("unauthorized: set the token with 'taskwire token set' or TASKWIRE_AUTH_TOKEN")
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response (%d): %w", resp.StatusCode, err)
		}
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusServiceUnavailable && resp.StatusCode != http.StatusBadGateway {
		return resp.StatusCode, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return resp.StatusCode, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
