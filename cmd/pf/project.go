package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"proposalflow/internal/app"
	"proposalflow/internal/domain"
	"proposalflow/internal/repo"
)

func (c *cli) projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Submit and inspect projects"}
	prj.AddCommand(c.projectSubmitCmd())
	prj.AddCommand(c.projectShowCmd())
	prj.AddCommand(c.projectListCmd())
	prj.AddCommand(c.projectHistoryCmd())
	return prj
}

func (c *cli) projectSubmitCmd() *cobra.Command {
	var (
		meta     domain.ProjectMeta
		rfpFile  string
		due      string
		priority string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an RFP as a new project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rfpFile != "" {
				data, err := os.ReadFile(rfpFile)
				if err != nil {
					return err
				}
				meta.RFP = string(data)
			}
			if due != "" {
				t, err := time.Parse(time.RFC3339, due)
				if err != nil {
					if t, err = time.Parse(time.DateOnly, due); err != nil {
						return fmt.Errorf("--due must be RFC3339 or YYYY-MM-DD")
					}
				}
				meta.DueAt = &t
			}
			meta.Priority = domain.PriorityClass(priority)
			return c.withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.SubmitProject(ctx, meta, c.v.GetString("actor-id"))
				if err != nil {
					return err
				}
				if c.jsonOutput() {
					return c.printJSON(p)
				}
				fmt.Fprintf(c.out, "Submitted %s (%s, priority %s)\n", p.ID, p.Status, p.Priority)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&meta.Title, "title", "", "project title")
	cmd.Flags().StringVar(&meta.ClientName, "client", "", "client name")
	cmd.Flags().StringVar(&meta.ClientEmail, "client-email", "", "client contact for clarifications")
	cmd.Flags().StringVar(&meta.LeadEmail, "lead-email", "", "proposal lead for the final review")
	cmd.Flags().StringVar(&meta.RFP, "rfp", "", "RFP text")
	cmd.Flags().StringVar(&rfpFile, "rfp-file", "", "read the RFP text from a file")
	cmd.Flags().StringVar(&due, "due", "", "client deadline")
	cmd.Flags().StringVar(&priority, "priority", "", "high, medium or low")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("client-email")
	return cmd
}

func (c *cli) projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project with its lock holder and validation round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				snap, err := rt.Engine.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				if c.jsonOutput() {
					return c.printJSON(snap)
				}
				p := snap.Project
				fmt.Fprintf(c.out, "Project: %s\n", p.ID)
				fmt.Fprintf(c.out, "Title:   %s (%s)\n", p.Meta.Title, p.Meta.ClientName)
				fmt.Fprintf(c.out, "Status:  %s since %s\n", p.Status, p.StatusSince.Format(time.RFC3339))
				fmt.Fprintf(c.out, "Version: %d, attempts %d\n", p.Version, p.Attempts)
				if p.LockOwner != "" {
					fmt.Fprintf(c.out, "Locked by %s until %s\n", p.LockOwner, p.LockExpiresAt.Format(time.RFC3339))
				}
				if p.TimeoutAt != nil {
					fmt.Fprintf(c.out, "Waiting until %s\n", p.TimeoutAt.Format(time.RFC3339))
				}
				if p.Escalated {
					fmt.Fprintf(c.out, "Escalated: %s\n", p.EscalationReason)
				}
				if p.LastError != "" {
					fmt.Fprintf(c.out, "Last error: %s\n", p.LastError)
				}
				if r := snap.Round; r != nil {
					fmt.Fprintf(c.out, "Validation round %s: %s (%d answered, %d timed out of %d)\n",
						r.RoundID, r.Status, r.Answered, r.TimedOut, r.Total)
					tw := c.newTable("Attribute", "Tier", "Status", "Recipient", "Timeout")
					for _, t := range snap.Tasks {
						tw.AppendRow(table.Row{t.Attribute, t.Tier, t.Status, t.Resource.Email, t.TimeoutAt.Format(time.RFC3339)})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
}

func (c *cli) projectListCmd() *cobra.Command {
	var (
		status    string
		active    bool
		escalated bool
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.ProjectFilter{ActiveOnly: active, Limit: limit}
			for _, s := range strings.Split(status, ",") {
				if s = strings.TrimSpace(s); s != "" {
					f.Status = append(f.Status, domain.Status(s))
				}
			}
			if cmd.Flags().Changed("escalated") {
				f.Escalated = &escalated
			}
			return c.withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListProjects(ctx, f)
				if err != nil {
					return err
				}
				if c.jsonOutput() {
					return c.printJSON(items)
				}
				tw := c.newTable("ID", "Title", "Client", "Status", "Priority", "Escalated", "Created")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Title, p.ClientName, p.Status, p.Priority, p.Escalated, p.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "comma separated statuses")
	cmd.Flags().BoolVar(&active, "active", false, "only projects still moving")
	cmd.Flags().BoolVar(&escalated, "escalated", false, "filter on the escalation flag")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func (c *cli) projectHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <project-id>",
		Short: "Show committed transitions, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.History(ctx, args[0])
				if err != nil {
					return err
				}
				if c.jsonOutput() {
					return c.printJSON(items)
				}
				tw := c.newTable("At", "From", "To", "Actor", "Reasoning")
				for _, t := range items {
					tw.AppendRow(table.Row{t.CreatedAt.Format(time.RFC3339), t.FromStatus, t.ToStatus, string(t.ActorKind) + ":" + t.ActorID, t.Reasoning})
				}
				tw.Render()
				return nil
			})
		},
	}
}
