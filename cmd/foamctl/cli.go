package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hfujisawa/foamrun/constants"
	"github.com/hfujisawa/foamrun/internal/entity"
	"github.com/hfujisawa/foamrun/internal/service"
	"github.com/hfujisawa/foamrun/internal/supervisor"
)

const version = "0.1.0"

type cli struct {
	addr  string
	httpc *http.Client
}

func newCLI() *cli {
	return &cli{httpc: &http.Client{Timeout: 30 * time.Second}}
}

func (c *cli) rootCmd() *cobra.Command {
	command := &cobra.Command{
		Use:          "foamctl",
		Short:        "CLI for interacting with a foamrund server",
		Version:      version,
		SilenceUsage: true,
	}

	command.AddCommand(
		c.submitCmd(),
		c.statusCmd(),
		c.approveCmd(),
		c.rejectCmd(),
		c.psCmd(),
		c.stopCmd(),
		c.cleanupCmd(),
		c.exportCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	command.PersistentFlags().StringVar(
		&c.addr,
		"addr",
		"http://localhost:8080",
		"Base URL of the foamrund server",
	)

	return command
}

func (c *cli) submitCmd() *cobra.Command {
	var caseDir string
	var requireApproval bool

	command := &cobra.Command{
		Use:     "submit [flags] COMMAND [ARGS]",
		Short:   "Submit a command to run in a case directory",
		Example: "  foamctl submit --case /data/cases/cavity blockMesh",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job entity.Job
			err := c.doJSON(cmd, http.MethodPost, "/api/v1/jobs", map[string]any{
				"command":          args[0],
				"args":             args[1:],
				"case_dir":         caseDir,
				"require_approval": requireApproval,
			}, &job)
			if err != nil {
				return err
			}

			cmd.OutOrStdout().Write([]byte(job.ID.String() + "\n"))
			if job.Status == constants.JobWaitingApproval {
				fmt.Fprintln(cmd.ErrOrStderr(), "waiting for approval")
			}

			return nil
		},
	}

	command.Flags().StringVar(&caseDir, "case", "", "Case directory the command runs in (required)")
	command.Flags().BoolVar(&requireApproval, "require-approval", false, "Hold the job until approved")
	command.MarkFlagRequired("case")

	// Stop parsing args after the first positional so that flags meant for the
	// submitted command are passed through as-is, e.g. `-parallel` belongs to
	// the solver, not to foamctl:
	//	`foamctl submit --case /data/cases/cavity simpleFoam -parallel`
	command.Flags().SetInterspersed(false)

	return command
}

func (c *cli) statusCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "status [flags] JOB_ID",
		Short:   "Query a job and the render server for its case directory",
		Example: "  foamctl status 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res service.StatusResult
			if err := c.doJSON(cmd, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(args[0]), nil, &res); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "STATUS\tCOMMAND\tCASE\tMESSAGE\t\n")
			fmt.Fprintf(
				w,
				"%s\t%s\t%s\t%s\t\n",
				res.Job.Status,
				strings.Join(append([]string{res.Job.Command}, res.Job.Args...), " "),
				res.Job.CaseDir,
				res.Job.Message,
			)
			w.Flush()

			if res.Render != nil {
				line := fmt.Sprintf("render: port=%d pid=%d status=%s", res.Render.Port, res.Render.PID, res.Render.Status)
				if res.Render.ConnectionString != "" {
					line += " connect=" + res.Render.ConnectionString
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}

			return nil
		},
	}

	return command
}

func (c *cli) approveCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "approve [flags] JOB_ID",
		Short:   "Approve a held job so it can run",
		Example: "  foamctl approve 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.doJSON(cmd, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(args[0])+"/approve", nil, nil)
		},
	}

	return command
}

func (c *cli) rejectCmd() *cobra.Command {
	var reason string

	command := &cobra.Command{
		Use:     "reject [flags] JOB_ID",
		Short:   "Reject a held job",
		Example: `  foamctl reject --reason "deletes results" 9302033c-f8f7-4b6e-9363-a7aa201cce1b`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.doJSON(cmd, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(args[0])+"/reject",
				map[string]any{"reason": reason}, nil)
		},
	}

	command.Flags().StringVar(&reason, "reason", "", "Why the job was rejected")

	return command
}

func (c *cli) psCmd() *cobra.Command {
	var all bool

	command := &cobra.Command{
		Use:     "ps [flags]",
		Short:   "List render servers",
		Example: "  foamctl ps --all",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/renderers"
			if all {
				path += "?all=true"
			}

			var procs []entity.RenderProcess
			if err := c.doJSON(cmd, http.MethodGet, path, nil, &procs); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "PORT\tPID\tSTATUS\tCASE\tVALIDATED\t\n")
			for _, p := range procs {
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t\n", p.Port, p.PID, p.Status, p.CaseDir, age(p.ValidatedAt))
			}
			w.Flush()

			return nil
		},
	}

	command.Flags().BoolVar(&all, "all", false, "Include stopped and errored render servers")

	return command
}

func (c *cli) stopCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "stop [flags] PORT",
		Short:   "Stop the render server on a port",
		Example: "  foamctl stop 11111",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := strconv.Atoi(args[0]); err != nil {
				return fmt.Errorf("port must be a number, got %q", args[0])
			}

			return c.doJSON(cmd, http.MethodDelete, "/api/v1/renderers/"+args[0], nil, nil)
		},
	}

	return command
}

func (c *cli) cleanupCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "cleanup [flags]",
		Short:   "Reconcile render server records against live processes",
		Example: "  foamctl cleanup",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res struct {
				Reaped []supervisor.Reaped `json:"reaped"`
			}
			if err := c.doJSON(cmd, http.MethodPost, "/api/v1/renderers/cleanup", nil, &res); err != nil {
				return err
			}

			if len(res.Reaped) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to reap")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "PORT\tPID\tCASE\t\n")
			for _, r := range res.Reaped {
				fmt.Fprintf(w, "%d\t%d\t%s\t\n", r.Port, r.PID, r.CaseDir)
			}
			w.Flush()

			return nil
		},
	}

	return command
}

func (c *cli) exportCmd() *cobra.Command {
	var out, status, from, to string

	command := &cobra.Command{
		Use:     "export [flags]",
		Short:   "Download job history as an XLSX workbook",
		Example: "  foamctl export --from 2026-01-01 --out january.xlsx",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if from != "" {
				q.Set("from", from)
			}
			if to != "" {
				q.Set("to", to)
			}
			path := "/api/v1/jobs/export"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, c.addr+path, nil)
			if err != nil {
				return err
			}
			resp, err := c.httpc.Do(req)
			if err != nil {
				return fmt.Errorf("request export: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return apiError(resp)
			}

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, resp.Body); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), out)

			return nil
		},
	}

	command.Flags().StringVar(&out, "out", "jobs.xlsx", "Output file path")
	command.Flags().StringVar(&status, "status", "", "Only include jobs with this status")
	command.Flags().StringVar(&from, "from", "", "Only include jobs created on or after this date (YYYY-MM-DD)")
	command.Flags().StringVar(&to, "to", "", "Only include jobs created on or before this date (YYYY-MM-DD)")

	return command
}

// doJSON sends a request with an optional JSON body and decodes the JSON
// response into out when out is non-nil.
func (c *cli) doJSON(cmd *cobra.Command, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(cmd.Context(), method, c.addr+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return apiError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// apiError translates server error bodies to human-readable messages.
func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return fmt.Errorf("server returned %s", resp.Status)
	}

	return errors.New(body.Error)
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	return time.Since(t).Round(time.Second).String() + " ago"
}
