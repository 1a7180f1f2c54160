package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/throw-if-null/catalyst/internal/api"
	"github.com/throw-if-null/catalyst/internal/task"
	"github.com/throw-if-null/catalyst/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

type globalOpts struct {
	addr    string
	token   string
	timeout time.Duration
}

func (o *globalOpts) client() *client {
	return newClient(o.addr, o.token, o.timeout)
}

func defaultAddr() string {
	if v := os.Getenv("CATALYST_ADDR"); v != "" {
		return v
	}
	return fmt.Sprintf("http://%s:%d", api.DefaultHost, api.DefaultPort)
}

func newRootCmd() *cobra.Command {
	opts := &globalOpts{}
	root := &cobra.Command{
		Use:           "catalyst",
		Short:         "Run AI tasks against an argon daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", defaultAddr(), "argon address (env CATALYST_ADDR)")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("CATALYST_TOKEN"), "session token sent as a bearer token (env CATALYST_TOKEN)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "request timeout")

	root.AddCommand(
		newRunCmd(opts),
		newTasksCmd(opts),
		newRunsCmd(opts),
		newCancelCmd(opts),
		newGenerateCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newRunCmd(opts *globalOpts) *cobra.Command {
	var input, inputFile, runID string
	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Run a task and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd.InOrStdin(), input, inputFile)
			if err != nil {
				return err
			}
			var res api.RunResult
			req := api.RunRequest{RunID: runID, Input: raw}
			if err := opts.client().do(cmd.Context(), "POST", "/api/tasks/"+url.PathEscape(args[0])+"/runs", req, &res); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "task input as JSON")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "read task input from a file ('-' for stdin)")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id, so the run can be cancelled from elsewhere")
	return cmd
}

func readInput(stdin io.Reader, input, file string) (json.RawMessage, error) {
	switch {
	case input != "" && file != "":
		return nil, errors.New("use either --input or --input-file")
	case input != "":
		if !json.Valid([]byte(input)) {
			return nil, errors.New("--input is not valid JSON")
		}
		return json.RawMessage(input), nil
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(b), nil
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(b), nil
	}
	return nil, errors.New("--input or --input-file is required")
}

func newTasksCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks [name]",
		Short: "List tasks, or describe one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			if len(args) == 1 {
				var info task.Info
				if err := c.do(cmd.Context(), "GET", "/api/tasks/"+url.PathEscape(args[0]), nil, &info); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), info)
			}
			var infos []task.Info
			if err := c.do(cmd.Context(), "GET", "/api/tasks", nil, &infos); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, i := range infos {
				fallback := ""
				if i.HasFallback {
					fallback = " (offline fallback)"
				}
				_, _ = fmt.Fprintf(w, "%s\t%s%s\n", i.Name, i.Description, fallback)
			}
			return nil
		},
	}
}

func newRunsCmd(opts *globalOpts) *cobra.Command {
	var taskName, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recorded runs, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			if len(args) == 1 {
				var run api.Run
				if err := c.do(cmd.Context(), "GET", "/api/runs/"+url.PathEscape(args[0]), nil, &run); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), run)
			}
			q := url.Values{}
			if taskName != "" {
				q.Set("task", taskName)
			}
			if status != "" {
				q.Set("status", status)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/runs"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var runs []api.Run
			if err := c.do(cmd.Context(), "GET", path, nil, &runs); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, r := range runs {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Task, r.Status, r.CreatedAt)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&taskName, "task", "", "only runs of this task")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of runs")
	return cmd
}

func newCancelCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel an in-flight run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res api.CancelResponse
			if err := opts.client().do(cmd.Context(), "POST", "/api/runs/"+url.PathEscape(args[0])+"/cancel", nil, &res); err != nil {
				return err
			}
			if res.Cancelled {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", res.RunID)
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "no-op: %s is %s\n", res.RunID, res.Status)
			return nil
		},
	}
}

func newGenerateCmd(opts *globalOpts) *cobra.Command {
	var system, model string
	var temperature float64
	cmd := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Generate free-form text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.GenerateRequest{Prompt: args[0], System: system, Model: model}
			if cmd.Flags().Changed("temperature") {
				req.Temperature = &temperature
			}
			var res api.GenerateResponse
			if err := opts.client().do(cmd.Context(), "POST", "/api/generate", req, &res); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), res.Text)
			return nil
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "system prompt")
	cmd.Flags().StringVar(&model, "model", "", "model override")
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "sampling temperature override")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "catalyst %s (%s)\n", version.Version, version.Commit)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
