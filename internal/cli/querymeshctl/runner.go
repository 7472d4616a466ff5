// Package querymeshctl implements the querymesh command-line client.
package querymeshctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/querymesh/querymesh/internal/auth"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Token      string
	OwnerID    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

var errUsage = errors.New("usage error")

// Run executes one command and returns the process exit code. Failed requests
// exit with 1, anything caught before a request is sent exits with 2.
func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	r := &runner{defaults: defaults, stdout: stdout}
	root := r.command()
	root.Writer = stdout
	root.ErrWriter = stderr

	err := root.Run(ctx, append([]string{"querymeshctl"}, args...))
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintln(stderr, err)
	var apiErr *apiError
	var transportErr *url.Error
	if errors.As(err, &apiErr) || errors.As(err, &transportErr) {
		return 1
	}
	return 2
}

type runner struct {
	defaults Options
	stdout   io.Writer
	client   *client
}

func (r *runner) command() *cli.Command {
	return &cli.Command{
		Name:  "querymeshctl",
		Usage: "ask questions of connected data sources through the querymesh API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "base-url", Value: firstNonEmpty(r.defaults.BaseURL, "http://localhost:8080"), Usage: "querymesh API base URL"},
			&cli.StringFlag{Name: "api-key", Value: r.defaults.APIKey, Usage: "API key for authenticated requests"},
			&cli.StringFlag{Name: "token", Value: r.defaults.Token, Usage: "bearer token for authenticated requests"},
			&cli.StringFlag{Name: "owner-id", Value: r.defaults.OwnerID, Usage: "owner header (used when auth is disabled)"},
			&cli.DurationFlag{Name: "timeout", Value: durationOr(r.defaults.Timeout, 90*time.Second), Usage: "HTTP timeout"},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			httpClient := r.defaults.HTTPClient
			if httpClient == nil {
				httpClient = &http.Client{Timeout: cmd.Duration("timeout")}
			}
			r.client = &client{
				baseURL: cmd.String("base-url"),
				apiKey:  cmd.String("api-key"),
				token:   cmd.String("token"),
				ownerID: cmd.String("owner-id"),
				http:    httpClient,
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:  "health",
				Usage: "GET /v1/health",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return r.call(ctx, http.MethodGet, "/v1/health", nil, nil)
				},
			},
			{
				Name:  "ready",
				Usage: "GET /v1/ready",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return r.call(ctx, http.MethodGet, "/v1/ready", nil, nil)
				},
			},
			r.sourcesCommand(),
			r.queriesCommand(),
			{
				Name:      "ask",
				Usage:     "ask a question of a source",
				ArgsUsage: "<question...>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "source", Usage: "source id", Required: true},
					&cli.StringFlag{Name: "title", Usage: "title for the stored query"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					question, err := joinArgs(cmd, "question")
					if err != nil {
						return err
					}
					payload := map[string]any{"source_id": cmd.String("source"), "question": question}
					if title := strings.TrimSpace(cmd.String("title")); title != "" {
						payload["title"] = title
					}
					return r.call(ctx, http.MethodPost, "/v1/queries", nil, payload)
				},
			},
			{
				Name:      "translate",
				Usage:     "show the query a question compiles to without running it",
				ArgsUsage: "<question...>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "source", Usage: "source id", Required: true},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					question, err := joinArgs(cmd, "question")
					if err != nil {
						return err
					}
					return r.call(ctx, http.MethodPost, "/v1/translate", nil, map[string]any{
						"source_id": cmd.String("source"),
						"question":  question,
					})
				},
			},
			tokenCommand(r.stdout),
		},
	}
}

func (r *runner) sourcesCommand() *cli.Command {
	return &cli.Command{
		Name:  "sources",
		Usage: "manage data sources",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list sources",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return r.call(ctx, http.MethodGet, "/v1/sources", nil, nil)
				},
			},
			{
				Name:      "get",
				ArgsUsage: "<source-id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := firstArg(cmd, "source id")
					if err != nil {
						return err
					}
					return r.call(ctx, http.MethodGet, "/v1/sources/"+url.PathEscape(id), nil, nil)
				},
			},
			{
				Name:  "create",
				Usage: "connect a source and inspect its schema",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "display name", Required: true},
				}, connectionFlags()...),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return r.call(ctx, http.MethodPost, "/v1/sources", nil, map[string]any{
						"name":       cmd.String("name"),
						"connection": connectionPayload(cmd),
					})
				},
			},
			{
				Name:  "test",
				Usage: "check that a connection can be opened",
				Flags: connectionFlags(),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return r.call(ctx, http.MethodPost, "/v1/sources/test", nil, connectionPayload(cmd))
				},
			},
			{
				Name:      "refresh",
				Usage:     "re-inspect the schema of a source",
				ArgsUsage: "<source-id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := firstArg(cmd, "source id")
					if err != nil {
						return err
					}
					return r.call(ctx, http.MethodPost, "/v1/sources/"+url.PathEscape(id)+"/refresh", nil, nil)
				},
			},
			{
				Name:      "delete",
				ArgsUsage: "<source-id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := firstArg(cmd, "source id")
					if err != nil {
						return err
					}
					return r.call(ctx, http.MethodDelete, "/v1/sources/"+url.PathEscape(id), nil, nil)
				},
			},
		},
	}
}

func (r *runner) queriesCommand() *cli.Command {
	withID := func(name, usage, method, suffix string) *cli.Command {
		return &cli.Command{
			Name:      name,
			Usage:     usage,
			ArgsUsage: "<query-id>",
			Action: func(ctx context.Context, cmd *cli.Command) error {
				id, err := firstArg(cmd, "query id")
				if err != nil {
					return err
				}
				return r.call(ctx, method, "/v1/queries/"+url.PathEscape(id)+suffix, nil, nil)
			},
		}
	}

	return &cli.Command{
		Name:  "queries",
		Usage: "manage stored queries",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list queries, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "source", Usage: "only queries of this source"},
					&cli.IntFlag{Name: "limit", Usage: "page size"},
					&cli.IntFlag{Name: "offset", Usage: "page offset"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					params := url.Values{}
					if source := strings.TrimSpace(cmd.String("source")); source != "" {
						params.Set("source_id", source)
					}
					if limit := cmd.Int("limit"); limit > 0 {
						params.Set("limit", strconv.Itoa(limit))
					}
					if offset := cmd.Int("offset"); offset > 0 {
						params.Set("offset", strconv.Itoa(offset))
					}
					return r.call(ctx, http.MethodGet, "/v1/queries", params, nil)
				},
			},
			withID("get", "show a stored query and its result", http.MethodGet, ""),
			withID("rerun", "execute the stored query again", http.MethodPost, "/rerun"),
			withID("delete", "delete a query and its export", http.MethodDelete, ""),
			withID("export", "export the result as Parquet", http.MethodPost, "/export"),
			withID("link", "print a download link for the last export", http.MethodGet, "/export"),
			{
				Name:      "download",
				Usage:     "download the last export as a Parquet file",
				ArgsUsage: "<query-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "file to write, stdout when empty"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := firstArg(cmd, "query id")
					if err != nil {
						return err
					}
					raw, err := r.client.do(ctx, http.MethodGet, "/v1/queries/"+url.PathEscape(id)+"/export/file", nil, nil)
					if err != nil {
						return err
					}
					output := strings.TrimSpace(cmd.String("output"))
					if output == "" {
						_, err = r.stdout.Write(raw)
						return err
					}
					if err := os.WriteFile(output, raw, 0o644); err != nil {
						return fmt.Errorf("write %s: %w", output, err)
					}
					_, _ = fmt.Fprintf(r.stdout, "wrote %d bytes to %s\n", len(raw), output)
					return nil
				},
			},
			{
				Name:      "rename",
				ArgsUsage: "<query-id> <title...>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() < 2 {
						return fmt.Errorf("%w: query id and title are required", errUsage)
					}
					id := cmd.Args().First()
					title := strings.Join(cmd.Args().Tail(), " ")
					return r.call(ctx, http.MethodPatch, "/v1/queries/"+url.PathEscape(id), nil, map[string]any{"title": title})
				},
			},
		},
	}
}

// tokenCommand signs a bearer token locally with the shared secret.
func tokenCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "issue a signed bearer token",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "secret", Usage: "HS256 signing secret", Sources: cli.EnvVars("QUERYMESH_AUTH_JWT_SECRET"), Required: true},
			&cli.StringFlag{Name: "issuer", Value: "querymesh", Sources: cli.EnvVars("QUERYMESH_AUTH_JWT_ISSUER")},
			&cli.StringFlag{Name: "owner", Usage: "owner id placed in the subject", Required: true},
			&cli.StringSliceFlag{Name: "role", Usage: "role to grant, repeatable"},
			&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			validator, err := auth.NewJWTValidator(cmd.String("secret"), cmd.String("issuer"))
			if err != nil {
				return fmt.Errorf("%w: %w", errUsage, err)
			}
			if cmd.Duration("ttl") <= 0 {
				return fmt.Errorf("%w: ttl must be > 0", errUsage)
			}
			token, err := validator.IssueToken(cmd.String("owner"), cmd.StringSlice("role"), cmd.Duration("ttl"))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(stdout, token)
			return nil
		},
	}
}

func connectionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "type", Usage: "mongodb, postgresql, duckdb or sqlite", Required: true},
		&cli.StringFlag{Name: "uri", Usage: "connection string"},
		&cli.StringFlag{Name: "host"},
		&cli.IntFlag{Name: "port"},
		&cli.StringFlag{Name: "username"},
		&cli.StringFlag{Name: "password"},
		&cli.StringFlag{Name: "database"},
		&cli.BoolFlag{Name: "ssl"},
		&cli.StringFlag{Name: "path", Usage: "database file for duckdb and sqlite"},
	}
}

func connectionPayload(cmd *cli.Command) map[string]any {
	payload := map[string]any{"type": cmd.String("type")}
	for _, name := range []string{"uri", "host", "username", "password", "database", "path"} {
		if value := strings.TrimSpace(cmd.String(name)); value != "" {
			payload[name] = value
		}
	}
	if port := cmd.Int("port"); port > 0 {
		payload["port"] = port
	}
	if cmd.Bool("ssl") {
		payload["ssl"] = true
	}
	return payload
}

func (r *runner) call(ctx context.Context, method, path string, params url.Values, payload any) error {
	raw, err := r.client.do(ctx, method, path, params, payload)
	if err != nil {
		return err
	}
	if pretty, ok := prettyJSON(raw); ok {
		_, _ = fmt.Fprintln(r.stdout, pretty)
		return nil
	}
	if len(raw) > 0 {
		_, _ = fmt.Fprintln(r.stdout, string(raw))
	}
	return nil
}

func firstArg(cmd *cli.Command, what string) (string, error) {
	id := strings.TrimSpace(cmd.Args().First())
	if id == "" {
		return "", fmt.Errorf("%w: %s is required", errUsage, what)
	}
	return id, nil
}

func joinArgs(cmd *cli.Command, what string) (string, error) {
	text := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if text == "" {
		return "", fmt.Errorf("%w: %s is required", errUsage, what)
	}
	return text, nil
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
