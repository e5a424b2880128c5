package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/autopilot/pkg/audit"
	"github.com/Mindburn-Labs/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/autopilot/pkg/controlplane"
	"github.com/Mindburn-Labs/autopilot/pkg/database"
	"github.com/Mindburn-Labs/autopilot/pkg/lifecycle"
	"github.com/Mindburn-Labs/autopilot/pkg/playbook"
	"github.com/Mindburn-Labs/autopilot/pkg/stopdecision"
)

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := database.Open(ctx, cfg.Dialect(), cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer db.Close()
			n, err := database.Migrate(ctx, db, cfg.Dialect())
			if err != nil {
				return err
			}
			return printJSON(c.stdout, map[string]any{"driver": cfg.Database.Driver, "schema_version": n})
		},
	}
}

func (c *cli) issueCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "issue", Short: "Manage governed issues"}

	var title string
	create := &cobra.Command{
		Use:   "create <id>",
		Short: "Create an issue in CREATED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				is, err := a.svc.CreateIssue(ctx, args[0], title)
				if err != nil {
					return err
				}
				return printJSON(c.stdout, is)
			})
		},
	}
	create.Flags().StringVar(&title, "title", "", "issue title")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				is, err := a.svc.GetIssue(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(c.stdout, is)
			})
		},
	}

	var (
		from, to, by, reason string
		manual               bool
	)
	transition := &cobra.Command{
		Use:   "transition <id>",
		Short: "Move an issue between lifecycle states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fromState, err := lifecycle.ParseState(from)
			if err != nil {
				return err
			}
			toState, err := lifecycle.ParseState(to)
			if err != nil {
				return err
			}
			opts := controlplane.TransitionOptions{IsManual: manual, InitiatedBy: by, Reason: reason}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				state, err := a.svc.Transition(ctx, args[0], fromState, toState, opts)
				if err != nil {
					return err
				}
				return printJSON(c.stdout, map[string]any{"issue_id": args[0], "state": state})
			})
		},
	}
	transition.Flags().StringVar(&from, "from", "", "expected current state")
	transition.Flags().StringVar(&to, "to", "", "target state")
	transition.Flags().BoolVar(&manual, "manual", false, "human-initiated transition")
	transition.Flags().StringVar(&by, "by", "", "initiator of a manual transition")
	transition.Flags().StringVar(&reason, "reason", "", "reason for a manual transition")
	_ = transition.MarkFlagRequired("from")
	_ = transition.MarkFlagRequired("to")

	cmd.AddCommand(create, show, transition)
	return cmd
}

func (c *cli) stopCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "stop", Short: "CI rerun-loop stop decisions"}

	var (
		job, pr, class, signal string
		attempts, prReruns     int
		firstFailure           string
	)
	addContextFlags := func(cmd *cobra.Command) {
		cmd.Flags().StringVar(&job, "job", "", "CI job key")
		cmd.Flags().StringVar(&pr, "pr", "", "pull request key")
		cmd.Flags().StringVar(&class, "class", string(stopdecision.ClassUnknown), "failure class")
		cmd.Flags().StringVar(&signal, "signal", "", "failure signal hash")
		_ = cmd.MarkFlagRequired("job")
	}

	evaluate := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a stop decision from explicit counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sc := stopdecision.Context{
				JobKey:             job,
				PRKey:              pr,
				FailureClass:       stopdecision.FailureClass(strings.ToUpper(class)),
				SignalHash:         signal,
				CurrentJobAttempts: attempts,
				TotalPRReruns:      prReruns,
			}
			if firstFailure != "" {
				t, err := time.Parse(time.RFC3339, firstFailure)
				if err != nil {
					return contracts.WrapError(contracts.KindValidation, err, "--first-failure must be RFC3339")
				}
				sc.FirstFailureAt = t
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				d, err := a.svc.EvaluateStop(ctx, sc)
				if err != nil {
					return err
				}
				return printJSON(c.stdout, d)
			})
		},
	}
	addContextFlags(evaluate)
	evaluate.Flags().IntVar(&attempts, "attempts", 0, "reruns already made for the job")
	evaluate.Flags().IntVar(&prReruns, "pr-reruns", 0, "reruns already made for the pull request")
	evaluate.Flags().StringVar(&firstFailure, "first-failure", "", "time of the first failure (RFC3339)")

	observe := &cobra.Command{
		Use:   "observe",
		Short: "Record a CI failure and decide using the attempt tracker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			obs := controlplane.FailureObservation{
				JobKey:       job,
				PRKey:        pr,
				FailureClass: stopdecision.FailureClass(strings.ToUpper(class)),
				SignalHash:   signal,
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				d, err := a.svc.ObserveFailure(ctx, obs)
				if err != nil {
					return err
				}
				return printJSON(c.stdout, d)
			})
		},
	}
	addContextFlags(observe)

	cmd.AddCommand(evaluate, observe)
	return cmd
}

func (c *cli) playbookCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "playbook", Short: "List and run remediation playbooks"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered playbooks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(_ context.Context, a *app) error {
				defs := a.svc.ListPlaybooks()
				rows := make([]table.Row, 0, len(defs))
				for _, d := range defs {
					evidence := make([]string, 0, len(d.RequiredEvidence))
					for _, p := range d.RequiredEvidence {
						evidence = append(evidence, p.String())
					}
					rows = append(rows, table.Row{d.ID, d.Version, strings.Join(d.ActionTypes(), ","), strings.Join(evidence, "; ")})
				}
				return c.printTable(defs, table.Row{"ID", "Version", "Actions", "Required evidence"}, rows)
			})
		},
	}

	var (
		incidentFile string
		inc          playbook.Incident
		inputs       map[string]string
	)
	run := &cobra.Command{
		Use:   "run <playbook-id>",
		Short: "Run a playbook for an incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := incidentFromFile(incidentFile)
			if err != nil {
				return err
			}
			mergeIncident(&req, inc)
			in := make(map[string]any, len(inputs))
			for k, v := range inputs {
				in[k] = v
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				run, err := a.svc.RunPlaybook(ctx, req, args[0], in)
				if err != nil {
					return err
				}
				if err := printJSON(c.stdout, run); err != nil {
					return err
				}
				return run.Err()
			})
		},
	}
	run.Flags().StringVar(&incidentFile, "incident-file", "", "incident document (YAML or JSON) with evidence")
	run.Flags().StringVar(&inc.Key, "incident", "", "incident key")
	run.Flags().StringVar(&inc.Service, "service", "", "affected service")
	run.Flags().StringVar(&inc.Severity, "severity", "", "incident severity")
	run.Flags().StringVar(&inc.IssueID, "issue", "", "governing issue id")
	run.Flags().StringToStringVar(&inputs, "input", nil, "playbook input key=value (repeatable)")

	cmd.AddCommand(list, run)
	return cmd
}

// incidentFromFile decodes an incident document. YAML is a superset of
// JSON, so one decoder serves both.
func incidentFromFile(path string) (playbook.Incident, error) {
	var inc playbook.Incident
	if path == "" {
		return inc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return inc, fmt.Errorf("read incident: %w", err)
	}
	if err := yaml.Unmarshal(data, &inc); err != nil {
		return inc, contracts.WrapError(contracts.KindValidation, err, "incident document is malformed")
	}
	return inc, nil
}

// mergeIncident lets flags override fields of the incident document.
func mergeIncident(dst *playbook.Incident, flags playbook.Incident) {
	if flags.Key != "" {
		dst.Key = flags.Key
	}
	if flags.Service != "" {
		dst.Service = flags.Service
	}
	if flags.Severity != "" {
		dst.Severity = flags.Severity
	}
	if flags.IssueID != "" {
		dst.IssueID = flags.IssueID
	}
}

func (c *cli) auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Inspect and export the audit trail"}

	show := &cobra.Command{
		Use:   "show <subject>",
		Short: "Show events for a subject (run ID, issue:<id>, stop:<job>, incident:<key>)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				events, err := a.svc.GetAuditTrail(ctx, args[0])
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(events))
				for _, e := range events {
					rows = append(rows, table.Row{e.Sequence, e.CreatedAt.Format(time.RFC3339), e.EventType, e.LawbookVersion, short(e.EntryHash)})
				}
				return c.printTable(events, table.Row{"Seq", "Created", "Event", "Lawbook", "Entry hash"}, rows)
			})
		},
	}

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Recompute every hash in the audit chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				report, err := a.svc.VerifyAuditTrail(ctx)
				if perr := printJSON(c.stdout, report); perr != nil {
					return perr
				}
				return err
			})
		},
	}

	var (
		subject, out, since, until string
	)
	export := &cobra.Command{
		Use:   "export",
		Short: "Export an evidence pack to a directory or the configured bucket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := audit.ExportRequest{Subject: subject}
			var err error
			if req.StartTime, err = parseOptionalTime(since); err != nil {
				return err
			}
			if req.EndTime, err = parseOptionalTime(until); err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				sink, err := exportSink(ctx, a, out)
				if err != nil {
					return err
				}
				pack, loc, err := a.svc.ExportAudit(ctx, req, sink)
				if err != nil {
					return err
				}
				return printJSON(c.stdout, map[string]any{
					"location":    loc,
					"checksum":    pack.Checksum,
					"event_count": pack.EventCount,
					"chain_head":  pack.ChainHead,
				})
			})
		},
	}
	export.Flags().StringVar(&subject, "subject", "", "only export events for this subject")
	export.Flags().StringVar(&out, "out", "", "output directory (default: audit.export_bucket)")
	export.Flags().StringVar(&since, "since", "", "start time (RFC3339)")
	export.Flags().StringVar(&until, "until", "", "end time (RFC3339)")

	cmd.AddCommand(show, verify, export)
	return cmd
}

func exportSink(ctx context.Context, a *app, out string) (audit.Sink, error) {
	if out != "" {
		return audit.DirSink{Dir: out}, nil
	}
	if a.cfg.Audit.ExportBucket == "" {
		return nil, contracts.NewError(contracts.KindValidation, "either --out or audit.export_bucket is required")
	}
	return audit.NewS3Sink(ctx, audit.S3SinkConfig{
		Bucket:   a.cfg.Audit.ExportBucket,
		Prefix:   a.cfg.Audit.ExportPrefix,
		Region:   a.cfg.Audit.ExportRegion,
		Endpoint: a.cfg.Audit.ExportEndpoint,
	})
}

func parseOptionalTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, contracts.WrapError(contracts.KindValidation, err, fmt.Sprintf("invalid time %q", s))
	}
	return t, nil
}

func short(h string) string {
	h = strings.TrimPrefix(h, "sha256:")
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
