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
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/jakeops/internal/client"
	"github.com/ashita-ai/jakeops/internal/model"
)

type rootOptions struct {
	server  string
	timeout time.Duration
	json    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "jakeopsctl",
		Short:         "Drive deliveries on a jakeops server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultServer := os.Getenv("JAKEOPS_URL")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&opts.server, "server", defaultServer, "jakeops server URL (env JAKEOPS_URL)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Per-request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "Print raw JSON")

	root.AddCommand(
		listCmd(opts),
		getCmd(opts),
		transitionCmd(opts, "approve", "Approve a succeeded gate phase", (*client.Client).Approve),
		rejectCmd(opts),
		transitionCmd(opts, "retry", "Reset a failed phase to pending", (*client.Client).Retry),
		transitionCmd(opts, "advance", "Move a succeeded non-gate phase forward", (*client.Client).Advance),
		transitionCmd(opts, "cancel", "Cancel a delivery and stop its agent", (*client.Client).Cancel),
		transitionCmd(opts, "close", "Close a delivery", (*client.Client).Close),
		runCmd(opts),
		killCmd(opts),
		watchCmd(opts),
		syncCmd(opts),
		workersCmd(opts),
		healthCmd(opts),
	)
	return root
}

func (o *rootOptions) client() (*client.Client, error) {
	return client.New(client.Config{BaseURL: o.server, Timeout: o.timeout})
}

func listCmd(opts *rootOptions) *cobra.Command {
	var phase, status, repo string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deliveries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ds, err := c.ListDeliveries(cmd.Context(), client.ListOptions{
				Phase: model.Phase(phase), RunStatus: model.RunStatus(status), Repository: repo,
			})
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), ds)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tREPOSITORY\tPHASE\tSTATUS\tSUMMARY")
			for _, d := range ds {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Repository, d.Phase, d.RunStatus, oneLine(d.Summary, 60))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "Only deliveries in this phase")
	cmd.Flags().StringVar(&status, "run-status", "", "Only deliveries with this run status")
	cmd.Flags().StringVar(&repo, "repo", "", "Only deliveries for owner/repo")
	return cmd
}

func getCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			d, err := c.GetDelivery(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), d)
			}
			printDelivery(cmd.OutOrStdout(), d)
			return nil
		},
	}
}

type transitionFunc func(c *client.Client, ctx context.Context, id string) (model.Delivery, error)

func transitionCmd(opts *rootOptions, use, short string, fn transitionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			d, err := fn(c, cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), opts, d)
		},
	}
}

func rejectCmd(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Send a delivery back one phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			d, err := c.Reject(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), opts, d)
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "What needs to change")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func runCmd(opts *rootOptions) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:       "run <id> <plan|implement|review>",
		Short:     "Start an agent phase",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"plan", "implement", "review"},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.RunPhase(cmd.Context(), args[0], model.Phase(args[1]), wait)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", res.ID, res.Phase, res.RunStatus)
			if res.Error != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "error: %s\n", res.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Block until the run ends")
	return cmd
}

func killCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <id>",
		Short: "Stop the agent running for a delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			killed, err := c.Kill(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if killed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: agent killed\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: no agent running\n", args[0])
			}
			return nil
		},
	}
}

func watchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <id>",
		Short: "Follow the live agent output of a delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			err = c.Watch(ctx, args[0], func(f client.Frame) error {
				if opts.json {
					_, err := fmt.Fprintln(out, string(f.Data))
					return err
				}
				if line := describeFrame(f); line != "" {
					_, err := fmt.Fprintln(out, line)
					return err
				}
				return nil
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

func syncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one issue sync pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.Sync(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %d, closed %d\n", res.Created, res.Closed)
			return nil
		},
	}
}

func workersCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "Show background workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ws, err := c.Workers(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ws)
		},
	}
}

func healthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			h, err := c.Health(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), h)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (version %s, store %s, up %ds)\n", h.Status, h.Version, h.Store, h.Uptime)
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printState(w io.Writer, opts *rootOptions, d model.Delivery) error {
	if opts.json {
		return printJSON(w, d)
	}
	_, err := fmt.Fprintf(w, "%s: %s/%s\n", d.ID, d.Phase, d.RunStatus)
	return err
}

func printDelivery(w io.Writer, d model.Delivery) {
	fmt.Fprintf(w, "ID:          %s\n", d.ID)
	fmt.Fprintf(w, "Repository:  %s\n", d.Repository)
	fmt.Fprintf(w, "Summary:     %s\n", d.Summary)
	fmt.Fprintf(w, "Phase:       %s (%s)\n", d.Phase, d.RunStatus)
	fmt.Fprintf(w, "Endpoint:    %s\n", d.Endpoint)
	if ref, ok := d.TriggerRef(); ok {
		fmt.Fprintf(w, "Trigger:     %s %s\n", ref.Label, ref.URL)
	}
	if d.Error != "" {
		fmt.Fprintf(w, "Error:       %s\n", d.Error)
	}
	if d.RejectReason != "" {
		fmt.Fprintf(w, "Rejected:    %s\n", d.RejectReason)
	}
	if len(d.Runs) > 0 {
		fmt.Fprintln(w, "\nRuns:")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, r := range d.Runs {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t$%.2f\n", r.ID, r.Mode, r.Status, r.Stats.CostUSD)
		}
		_ = tw.Flush()
	}
	if d.Plan != nil {
		fmt.Fprintf(w, "\nPlan (%s):\n%s\n", d.Plan.Model, d.Plan.Content)
	}
}

// describeFrame renders a stream frame as one terminal line, or "" to skip it.
func describeFrame(f client.Frame) string {
	var ev model.StreamEvent
	if f.Type == "metadata" || json.Unmarshal(f.Data, &ev) != nil {
		return ""
	}
	prefix := "[" + ev.Type + "]"
	if !ev.IsLeader() {
		prefix = "  " + prefix
	}
	if ev.Message == nil {
		return prefix
	}
	if ev.Type == model.EventTypeResult {
		return prefix + " " + oneLine(ev.Message.Result, 200)
	}
	if text := messageText(ev.Message.Content); text != "" {
		return prefix + " " + oneLine(text, 200)
	}
	return ""
}

func messageText(c model.Content) string {
	if c.Text != "" {
		return c.Text
	}
	var parts []string
	for _, b := range c.Blocks {
		switch b := b.(type) {
		case model.TextBlock:
			parts = append(parts, b.Text)
		case model.ToolUseBlock:
			parts = append(parts, "-> "+b.Name)
		}
	}
	return strings.Join(parts, " ")
}

func oneLine(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen]) + "..."
	}
	return s
}
