package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sky93/jobflow"
	"github.com/sky93/jobflow/internal/catalog"
)

// jobView is the printable form of a job.
type jobView struct {
	ID          int64              `json:"id" yaml:"id"`
	Type        string             `json:"type" yaml:"type"`
	Status      string             `json:"status" yaml:"status"`
	Priority    int                `json:"priority" yaml:"priority"`
	Attempts    int                `json:"attempts" yaml:"attempts"`
	MaxAttempts int                `json:"max_attempts" yaml:"max_attempts"`
	LockedBy    string             `json:"locked_by,omitempty" yaml:"locked_by,omitempty"`
	File        string             `json:"file,omitempty" yaml:"file,omitempty"`
	LastLog     string             `json:"last_log,omitempty" yaml:"last_log,omitempty"`
	Links       map[string][]int64 `json:"links,omitempty" yaml:"links,omitempty"`
	CreatedAt   time.Time          `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at" yaml:"updated_at"`
	Logs        []logView          `json:"logs,omitempty" yaml:"logs,omitempty"`
}

type logView struct {
	Status    string    `json:"status" yaml:"status"`
	Message   string    `json:"message" yaml:"message"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

func newJobView(j *jobflow.Job) jobView {
	v := jobView{
		ID:          j.ID,
		Type:        string(j.Type),
		Status:      string(j.Status),
		Priority:    j.Priority,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
	if j.LockedBy != nil {
		v.LockedBy = *j.LockedBy
	}
	if j.File != nil {
		v.File = j.File.Name
	}
	return v
}

// printViews writes views as a table, JSON or YAML.
func printViews(w io.Writer, format string, views []jobView) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(views); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tPRIO\tATTEMPTS\tOWNER\tLAST LOG")
		for _, v := range views {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
				v.ID, v.Type, v.Status, v.Priority, v.Attempts, v.MaxAttempts, v.LockedBy, v.LastLog)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q (table|json|yaml)", format)
	}
}

func parseJobID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", arg)
	}
	return id, nil
}

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var (
		reference   string
		payload     string
		filePath    string
		blobRef     string
		expiresIn   time.Duration
		priority    int
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "enqueue TYPE",
		Short: "Enqueue a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			nj := jobflow.NewJob{
				Type:        jobflow.JobType(strings.ToUpper(args[0])),
				Priority:    priority,
				MaxAttempts: maxAttempts,
			}
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return errors.New("payload is not valid JSON")
				}
				nj.Payload = []byte(payload)
			}
			if filePath != "" || blobRef != "" {
				f := &jobflow.File{BlobRef: blobRef, Name: filepath.Base(blobRef)}
				if filePath != "" {
					if f.Content, err = os.ReadFile(filePath); err != nil {
						return fmt.Errorf("read file: %w", err)
					}
					f.Name = filepath.Base(filePath)
				}
				if expiresIn > 0 {
					exp := time.Now().UTC().Add(expiresIn)
					f.ExpiresAt = &exp
				}
				nj.File = f
			}

			var job *jobflow.Job
			if catalog.IsCatalogType(nj.Type) {
				if reference == "" {
					return fmt.Errorf("--reference is required for %s jobs", nj.Type)
				}
				job, err = a.catalog.SubmitJob(cmd.Context(), a.flow, nj, reference)
			} else {
				job, err = a.flow.CreateJob(cmd.Context(), nj)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued job %d (%s)\n", job.ID, job.Type)
			return nil
		},
	}
	cmd.Flags().StringVar(&reference, "reference", "", "Catalog entity the job works on (required for catalog jobs)")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().StringVar(&filePath, "file", "", "Attach a local file")
	cmd.Flags().StringVar(&blobRef, "blob-ref", "", "Attach a file stored externally (http/https URL)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Expire the attached file after this duration")
	cmd.Flags().IntVar(&priority, "priority", 0, "Higher runs first")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Attempt ceiling (default JOBFLOW_MAX_ATTEMPTS)")
	return cmd
}

// ── list ──────────────────────────────────────────────────────────────────────

func listCmd() *cobra.Command {
	var (
		status string
		types  []string
		limit  int
		output string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			f := jobflow.ListFilter{Status: jobflow.JobStatus(strings.ToUpper(status)), Limit: limit}
			for _, t := range types {
				f.Types = append(f.Types, jobflow.JobType(strings.ToUpper(t)))
			}
			jobs, err := a.flow.Store().List(cmd.Context(), f)
			if err != nil {
				return err
			}

			views := make([]jobView, 0, len(jobs))
			for i := range jobs {
				v := newJobView(&jobs[i].Job)
				if l := jobs[i].LastLog; l != nil {
					v.LastLog = l.Message
				}
				v.Links = jobs[i].Links
				views = append(views, v)
			}
			return printViews(cmd.OutOrStdout(), output, views)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending|processing|completed|failed)")
	cmd.Flags().StringSliceVar(&types, "type", nil, "Filter by job type (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Max rows")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table|json|yaml)")
	return cmd
}

// ── show ──────────────────────────────────────────────────────────────────────

func showCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "show ID",
		Short: "Show a job and its status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.flow.Store().Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			logs, err := a.flow.Store().Logs(cmd.Context(), id)
			if err != nil {
				return err
			}
			v := newJobView(job)
			for _, l := range logs {
				v.Logs = append(v.Logs, logView{Status: string(l.Status), Message: l.Message, CreatedAt: l.CreatedAt})
			}
			if output == "table" {
				output = "yaml"
			}
			return printViews(cmd.OutOrStdout(), output, []jobView{v})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "Output format (json|yaml)")
	return cmd
}

// ── sweep ─────────────────────────────────────────────────────────────────────

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Release jobs whose worker stopped heartbeating",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.flow.Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d, failed %d\n", len(res.Requeued), len(res.Failed))
			return err
		},
	}
}

// ── delete ────────────────────────────────────────────────────────────────────

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a completed or failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			existed, err := a.flow.Store().Delete(cmd.Context(), id)
			if err != nil {
				return err
			}
			if !existed {
				return fmt.Errorf("job %d: %w", id, jobflow.ErrJobNotFound)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted job %d\n", id)
			return nil
		},
	}
}

// ── purge ─────────────────────────────────────────────────────────────────────

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete every completed or failed job (refused while jobs are active)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.flow.Store().PurgeHistory(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d jobs\n", n)
			return nil
		},
	}
}

// ── stats ─────────────────────────────────────────────────────────────────────

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count jobs per status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.flow.Store().Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, st := range []jobflow.JobStatus{jobflow.JobPending, jobflow.JobProcessing, jobflow.JobCompleted, jobflow.JobFailed} {
				fmt.Fprintf(out, "%-11s %d\n", st, stats[st])
			}
			return nil
		},
	}
}
