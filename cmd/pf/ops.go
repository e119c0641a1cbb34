package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"proposalflow/internal/app"
	"proposalflow/internal/config"
	"proposalflow/internal/domain"
	"proposalflow/internal/events"
	"proposalflow/internal/migrate"
	"proposalflow/internal/server"
)

func (c *cli) migrateCmd() *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := c.options()
			opts.Migrate = false
			return withOpts(cmd.Context(), opts, func(ctx context.Context, rt *app.Runtime) error {
				if status {
					pending, err := migrate.Pending(ctx, rt.DB, rt.Dialect)
					if err != nil {
						return err
					}
					if len(pending) == 0 {
						fmt.Fprintln(c.out, "Schema is up to date")
						return nil
					}
					tw := c.newTable("Version", "Pending migration")
					for _, m := range pending {
						tw.AppendRow(table.Row{m.Version, m.Name})
					}
					tw.Render()
					return nil
				}
				n, err := migrate.Apply(ctx, rt.DB, rt.Dialect)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "Schema at version %d (%s)\n", n, rt.Dialect)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "list pending migrations without applying them")
	return cmd
}

func withOpts(ctx context.Context, opts app.Options, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func (c *cli) configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage proposalflow.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(c.v.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfgCmd.AddCommand(initCmd)
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(c.options())
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = c.out.Write(out)
			return err
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := app.LoadConfig(c.options()); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "Config OK")
			return nil
		},
	})
	return cfgCmd
}

func (c *cli) respondCmd() *cobra.Command {
	var (
		payload  string
		text     string
		approve  bool
		reject   bool
		comments string
	)
	cmd := &cobra.Command{
		Use:   "respond <token>",
		Short: "Record a reply to a validation request, clarification or review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &body); err != nil {
					return fmt.Errorf("--payload must be a JSON object: %w", err)
				}
			}
			if text != "" {
				body["text"] = text
			}
			if approve && reject {
				return errors.New("--approve and --reject are exclusive")
			}
			if approve || reject {
				body["approved"] = approve
			}
			if comments != "" {
				body["comments"] = comments
			}
			raw, err := json.Marshal(body)
			if err != nil {
				return err
			}
			return c.withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.RecordExternalResponse(ctx, args[0], raw)
				if err != nil {
					return err
				}
				if c.jsonOutput() {
					return c.printJSON(res)
				}
				if !res.Accepted {
					fmt.Fprintf(c.out, "Reply for %s already recorded; ignored\n", res.ProjectID)
					return nil
				}
				fmt.Fprintf(c.out, "Recorded %s reply for %s\n", res.Kind, res.ProjectID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "reply as a JSON object")
	cmd.Flags().StringVar(&text, "text", "", "free text reply")
	cmd.Flags().BoolVar(&approve, "approve", false, "approve a reviewed proposal")
	cmd.Flags().BoolVar(&reject, "reject", false, "send a reviewed proposal back for changes")
	cmd.Flags().StringVar(&comments, "comments", "", "review comments")
	return cmd
}

func (c *cli) unblockCmd() *cobra.Command {
	return c.humanOp("unblock", "Return a blocked project to the status it stopped in",
		func(ctx context.Context, rt *app.Runtime, id, actor, reason string) (domain.Project, error) {
			return rt.Engine.Unblock(ctx, id, actor, reason)
		})
}

func (c *cli) abandonCmd() *cobra.Command {
	return c.humanOp("abandon", "Write off a blocked project",
		func(ctx context.Context, rt *app.Runtime, id, actor, reason string) (domain.Project, error) {
			return rt.Engine.Abandon(ctx, id, actor, reason)
		})
}

func (c *cli) humanOp(use, short string, run func(ctx context.Context, rt *app.Runtime, id, actor, reason string) (domain.Project, error)) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   use + " <project-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := run(ctx, rt, args[0], c.v.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				if c.jsonOutput() {
					return c.printJSON(p)
				}
				fmt.Fprintf(c.out, "%s is now %s\n", p.ID, p.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why; recorded on the transition")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func (c *cli) workCmd() *cobra.Command {
	var workerID string
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run workers and the recovery scan until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workerID == "" {
				workerID = app.NewWorkerID()
			}
			return c.withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rt.Logger.InfoContext(ctx, "worker starting", "component", "cli", "worker_id", workerID, "concurrency", rt.Config.Worker.Concurrency)
				if err := rt.Work(ctx, workerID); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workerID, "worker-id", "", "worker identity (default host-pid-random)")
	return cmd
}

func (c *cli) recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Run one recovery scan and print what it did",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				mgr := rt.Recovery("")
				report, err := mgr.ScanOnce(ctx)
				if err != nil {
					return err
				}
				if c.jsonOutput() {
					return c.printJSON(report)
				}
				tw := c.newTable("Released", "Timed out", "Requeued", "Escalated", "Swept")
				tw.AppendRow(table.Row{report.ForceReleased, report.TimedOut, report.Requeued, report.Escalated, report.Swept})
				tw.Render()
				return nil
			})
		},
	}
}

func (c *cli) jwtSecret(cmd *cobra.Command, cfg *config.Config) string {
	if f := cmd.Flags().Lookup("jwt-secret"); f != nil && f.Changed {
		return f.Value.String()
	}
	if s := c.v.GetString("jwt-secret"); s != "" {
		return s
	}
	return cfg.Server.JWTSecret
}

func (c *cli) serveCmd() *cobra.Command {
	var (
		addr        string
		basePath    string
		work        bool
		actorHeader bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				logger := rt.Logger.With("component", "server")
				authCfg := server.AuthConfig{JWTSecret: c.jwtSecret(cmd, rt.Config), AllowActorHeader: actorHeader, Logger: logger}
				if authCfg.JWTSecret == "" && !actorHeader {
					return errors.New("PROPOSALFLOW_JWT_SECRET or server.jwt_secret is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: rt.Engine, Events: rt.Events, BasePath: basePath, Auth: authCfg, Logger: logger})
				if err != nil {
					return err
				}
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					logger.Info("serving", "addr", addr, "base_path", basePath, "openapi", "/openapi.json")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				if work {
					g.Go(func() error {
						if err := rt.Work(ctx, app.NewWorkerID()); err != nil && !errors.Is(err, context.Canceled) {
							return err
						}
						return nil
					})
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&work, "work", false, "also run workers in this process")
	cmd.Flags().BoolVar(&actorHeader, "allow-actor-header", false, "accept X-Actor-Id without a token when no secret is set")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	return cmd
}

func (c *cli) tokenCmd() *cobra.Command {
	var (
		subject string
		perms   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(c.options())
			if err != nil {
				return err
			}
			tok, err := server.SignToken(c.jwtSecret(cmd, cfg), subject, perms, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "actor id carried by the token")
	cmd.Flags().StringSliceVar(&perms, "perm", nil, "permission to grant (repeatable; none grants all)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func (c *cli) logCmd() *cobra.Command {
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every submission, transition, lock recovery, notification and reply is recorded as an event.",
	}
	var (
		n         int
		projectID string
		evtType   string
		follow    bool
	)
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				f := events.Filter{ProjectID: projectID, Type: evtType, Limit: n, Newest: true}
				items, err := rt.Events.List(ctx, f)
				if err != nil {
					return err
				}
				if err := c.printEvents(items); err != nil {
					return err
				}
				if !follow {
					return nil
				}
				f.Newest = false
				if len(items) > 0 {
					f.AfterID = items[len(items)-1].ID
				}
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					items, err := rt.Events.List(ctx, f)
					if err != nil {
						return err
					}
					if len(items) == 0 {
						continue
					}
					f.AfterID = items[len(items)-1].ID
					if err := c.printEvents(items); err != nil {
						return err
					}
				}
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&projectID, "project", "", "only events for this project")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	logCmd.AddCommand(tail)
	return logCmd
}

func (c *cli) printEvents(items []domain.Event) error {
	if c.jsonOutput() {
		for _, e := range items {
			if err := json.NewEncoder(c.out).Encode(e); err != nil {
				return err
			}
		}
		return nil
	}
	if len(items) == 0 {
		return nil
	}
	tw := c.newTable("ID", "At", "Type", "Project", "Actor", "Payload")
	for _, e := range items {
		tw.AppendRow(table.Row{e.ID, e.TS.Format(time.RFC3339), e.Type, e.ProjectID, e.ActorID, e.Payload})
	}
	tw.Render()
	return nil
}
