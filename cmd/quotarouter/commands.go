package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ineyio/quotarouter"
	"github.com/ineyio/quotarouter/httpapi"
)

var jsonOutput bool

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Query every provider for its models and refresh limits",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			snap, err := a.router.DiscoverModels(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODEL\tRPM\tRPD\tSOURCE")
			for _, m := range snap.Models {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.ID, limitString(m.PerMinute), limitString(m.PerDay), m.Source)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			for _, name := range sortedKeys(snap.Failures) {
				fmt.Fprintf(cmd.ErrOrStderr(), "discovery failed for %s: %s\n", name, snap.Failures[name])
			}
			return nil
		})
	},
}

var (
	routeTask       string
	routeSystem     string
	routeClass      string
	routeExpectJSON bool
	routeMaxTokens  int
	routeTemp       float64
)

var routeCmd = &cobra.Command{
	Use:   "route [prompt]",
	Short: "Route one request and print the generated text",
	Long: `Routes one request through the fallback chain of its task. The prompt
is read from the arguments, or from stdin when no argument is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := strings.Join(args, " ")
		if prompt == "" {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			prompt = strings.TrimSpace(string(data))
		}

		req := quotarouter.Request{
			Task:       routeTask,
			Class:      quotarouter.Class(routeClass),
			ExpectJSON: routeExpectJSON,
		}
		if routeSystem != "" {
			req.Messages = append(req.Messages, quotarouter.Message{Role: "system", Content: routeSystem})
		}
		req.Messages = append(req.Messages, quotarouter.Message{Role: "user", Content: prompt})
		if cmd.Flags().Changed("max-tokens") {
			req.MaxTokens = quotarouter.IntPtr(routeMaxTokens)
		}
		if cmd.Flags().Changed("temperature") {
			req.Temperature = quotarouter.Float64Ptr(routeTemp)
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			out, err := a.router.RouteAndExecute(ctx, req)
			if err != nil && out.Routing.Model == "" {
				return err
			}
			if jsonOutput {
				if perr := printJSON(cmd.OutOrStdout(), out); perr != nil {
					return perr
				}
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), out.Content)
				fmt.Fprintf(cmd.ErrOrStderr(), "model=%s attempts=%d latency=%s\n",
					out.Routing.Model, out.Routing.Attempts, out.Routing.Latency.Round(time.Millisecond))
			}
			return err
		})
	},
}

var quotaCmd = &cobra.Command{
	Use:   "quota [model]",
	Short: "Show quota windows for one model or for every known model",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			var snaps []quotarouter.QuotaSnapshot
			if len(args) == 1 {
				s, err := a.router.QuotaSnapshot(ctx, quotarouter.ModelID(args[0]))
				if err != nil {
					return err
				}
				snaps = append(snaps, s)
			} else {
				var err error
				snaps, err = a.router.QuotaSnapshots(ctx)
				if err != nil {
					return err
				}
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), snaps)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODEL\tMINUTE\tDAY\tAGGRESSIVE\tRESETS")
			for _, s := range snaps {
				fmt.Fprintf(tw, "%s\t%d/%s\t%d/%s\t%s\t%s\n",
					s.Model,
					s.Minute.Count, limitString(s.Minute.Limit),
					s.Day.Count, limitString(s.Day.Limit),
					availableString(s.AvailableForAggressive),
					s.Minute.ResetsAt.Local().Format(time.TimeOnly),
				)
			}
			return tw.Flush()
		})
	},
}

var aggressiveSource string

var aggressiveCmd = &cobra.Command{
	Use:       "aggressive [on|off|status]",
	Short:     "Switch or show aggressive mode",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off", "status"},
	RunE: func(cmd *cobra.Command, args []string) error {
		action := "status"
		if len(args) == 1 {
			action = args[0]
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if action != "status" {
				if err := a.router.SetAggressiveMode(ctx, action == "on", aggressiveSource); err != nil {
					return err
				}
			}
			st, err := a.router.AggressiveMode(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), st)
			}
			state := "off"
			if st.Enabled {
				state = "on"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "aggressive mode: %s (source=%s, activity=%d)\n", state, st.Source, st.ActivityCount)
			if st.Enabled && st.AutoDisableAfter > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "auto-disables at %s\n", st.EnabledAt.Add(st.AutoDisableAfter).Local().Format(time.DateTime))
			}
			return nil
		})
	},
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback <task> <model> <quality>",
	Short: "Record a 0-10 quality score for output a model produced",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		quality, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("quality: %w", err)
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return a.router.RecordFeedback(ctx, args[0], quotarouter.ModelID(args[1]), quality)
		})
	},
}

var errorsTop int

var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Show the most frequent failures",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			counts, err := a.router.FrequentErrors(ctx, errorsTop)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), counts)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "COUNT\tCOMPONENT\tKIND")
			for _, c := range counts {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", c.Count, c.Component, c.Kind)
			}
			return tw.Flush()
		})
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Reconcile task profiles with the tasks declared in the config",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.router.ScanTasks(ctx, nil)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added: %s\nremoved: %s\n",
				strings.Join(res.Added, ", "), strings.Join(res.Removed, ", "))
			return nil
		})
	},
}

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the router over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if _, err := a.router.DiscoverModels(ctx); err != nil {
				return err
			}
			srv := httpapi.NewServer(serveAddr, httpapi.New(a.router, logger), logger)
			return srv.Run(ctx)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{discoverCmd, routeCmd, quotaCmd, aggressiveCmd, errorsCmd, scanCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	}

	routeCmd.Flags().StringVarP(&routeTask, "task", "t", "", "task name (required)")
	routeCmd.Flags().StringVar(&routeSystem, "system", "", "system prompt")
	routeCmd.Flags().StringVar(&routeClass, "class", string(quotarouter.ClassProduction), "consumer class: production or aggressive")
	routeCmd.Flags().BoolVar(&routeExpectJSON, "expect-json", false, "treat non-JSON output as a failure")
	routeCmd.Flags().IntVar(&routeMaxTokens, "max-tokens", 0, "max output tokens (default per task category)")
	routeCmd.Flags().Float64Var(&routeTemp, "temperature", 0, "sampling temperature")
	_ = routeCmd.MarkFlagRequired("task")

	aggressiveCmd.Flags().StringVar(&aggressiveSource, "source", "cli", "who switched the mode")
	errorsCmd.Flags().IntVar(&errorsTop, "top", 5, "number of entries")
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// limitString formats a configured limit; zero means unlimited.
func limitString(n int64) string {
	if n <= 0 {
		return "∞"
	}
	return strconv.FormatInt(n, 10)
}

// availableString formats a snapshot figure; -1 means unlimited.
func availableString(n int64) string {
	if n < 0 {
		return "∞"
	}
	return strconv.FormatInt(n, 10)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
