package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"proposalflow/internal/app"
	"proposalflow/internal/db"
)

// cli carries the settings shared by every command.
type cli struct {
	v   *viper.Viper
	out io.Writer
	err io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	c := &cli{v: viper.New(), out: out, err: errOut}
	c.v.SetEnvPrefix("PROPOSALFLOW")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "pf",
		Short: "Proposalflow coordination CLI",
		Long: `Proposalflow moves RFPs through analysis, expert validation, planning,
drafting and review until a proposal is sent.

- Workspace: directory holding proposalflow.yml and, for sqlite, the .proposalflow database.
- Project: one RFP with its status, requirements, plan and proposal.
- Workers: 'pf work' claims queued projects and runs their next step.
- Replies: validation answers, clarifications and review decisions arrive by token ('pf respond').
- Event log: everything that happened, view with 'pf log tail'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := db.EnsureWorkspace(c.v.GetString("workspace"))
			return err
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/proposalflow.yml)")
	flags.String("dsn", "", "database DSN; postgres:// selects postgres")
	flags.String("redis", "", "redis address for locks and the queue")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "cli", "actor recorded on human operations")
	for _, name := range []string{"workspace", "config", "dsn", "redis", "log-level", "json", "actor-id"} {
		_ = c.v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(c.migrateCmd())
	root.AddCommand(c.configCmd())
	root.AddCommand(c.projectCmd())
	root.AddCommand(c.respondCmd())
	root.AddCommand(c.unblockCmd())
	root.AddCommand(c.abandonCmd())
	root.AddCommand(c.workCmd())
	root.AddCommand(c.recoverCmd())
	root.AddCommand(c.serveCmd())
	root.AddCommand(c.tokenCmd())
	root.AddCommand(c.logCmd())
	return root
}

func (c *cli) options() app.Options {
	return app.Options{
		Workspace:  c.v.GetString("workspace"),
		ConfigPath: c.v.GetString("config"),
		DSN:        c.v.GetString("dsn"),
		RedisAddr:  c.v.GetString("redis"),
		LogLevel:   c.v.GetString("log-level"),
		LogOutput:  c.err,
		Migrate:    true,
	}
}

// withRuntime opens the workspace runtime for the duration of fn.
func (c *cli) withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	return withOpts(ctx, c.options(), fn)
}

func (c *cli) jsonOutput() bool {
	return c.v.GetBool("json")
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(c.out)
	tw.AppendHeader(table.Row(header))
	return tw
}
