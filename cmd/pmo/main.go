package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pmoline/internal/audit"
	"pmoline/internal/budget"
	"pmoline/internal/closure"
	"pmoline/internal/config"
	"pmoline/internal/db"
	"pmoline/internal/domain"
	"pmoline/internal/feasibility"
	"pmoline/internal/lifecycle"
	"pmoline/internal/migrate"
	"pmoline/internal/repo"
	"pmoline/internal/reserve"
	"pmoline/internal/server"
	"pmoline/internal/voting"
)

var rootCmd = &cobra.Command{
	Use:   "pmo",
	Short: "Pmoline CLI",
	Long: `Pmoline runs the portfolio lifecycle from a local workspace.
Initiatives move draft -> submitted -> under_review -> scoring -> committee_pending,
the committee votes, approved initiatives wait in the reserve bank, and
activation spins up a six-phase project with its own budget ledger.
Every status change lands in the append-only audit trail.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("PMOLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(initiativeCmd())
	rootCmd.AddCommand(feasibilityCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(budgetCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(reserveCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// services bundles everything a command might need against one workspace.
type services struct {
	Engine      lifecycle.Engine
	Feasibility feasibility.Engine
	Voting      voting.Service
	Ledger      budget.Ledger
	Reserve     reserve.Service
	Audit       audit.Reader
	Config      *config.Config
}

func withServices(ctx context.Context, fn func(context.Context, services) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace, "default")
	if err != nil {
		return err
	}
	engine := lifecycle.New(conn, cfg)
	r := repo.Repo{DB: conn}
	s := services{
		Engine:      engine,
		Feasibility: feasibility.Engine{DB: conn, Repo: r, Config: cfg},
		Voting:      voting.Service{DB: conn, Repo: r, Config: cfg},
		Ledger:      budget.Ledger{DB: conn, Repo: r, Config: cfg},
		Reserve:     reserve.Service{Repo: r, Engine: engine},
		Audit:       audit.Reader{DB: conn},
		Config:      cfg,
	}
	return fn(ctx, s)
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage governance config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write default governance.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault("default")), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"), "default")
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate governance.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func initiativeCmd() *cobra.Command {
	ini := &cobra.Command{Use: "initiative", Short: "Manage initiatives"}
	ini.AddCommand(initiativeCreateCmd())
	ini.AddCommand(initiativeListCmd())
	ini.AddCommand(initiativeShowCmd())
	ini.AddCommand(initiativeTransitionCmd())
	return ini
}

func initiativeCreateCmd() *cobra.Command {
	var opts lifecycle.InitiativeCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create initiative draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				opts.Actor = actorID()
				ini, err := s.Engine.CreateInitiative(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ini)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Justification, "justification", "", "justification")
	cmd.Flags().StringVar(&opts.ExpectedBenefits, "benefits", "", "expected benefits")
	cmd.Flags().StringVar(&opts.Area, "area", "", "requesting area")
	cmd.Flags().Int64Var(&opts.RequestedAmount, "amount", 0, "requested amount in minor units")
	cmd.Flags().StringVar(&opts.Urgency, "urgency", "normal", "low|normal|high|critical")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("area")
	return cmd
}

func initiativeListCmd() *cobra.Command {
	var status, area string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List initiatives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				items, err := s.Engine.Repo.ListInitiatives(ctx, repo.InitiativeFilters{
					Status: status, Area: area, Limit: limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSONOrTable(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Code", "Title", "Area", "Amount", "Class", "Status"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Code, it.Title, it.Area, it.RequestedAmount, it.Classification, it.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&area, "area", "", "area filter")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func initiativeShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show initiative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				ini, err := s.Engine.Repo.GetInitiative(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ini)
			})
		},
	}
	return cmd
}

func initiativeTransitionCmd() *cobra.Command {
	var reason, sessionID, idempotencyKey string
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "transition <command> <id>",
		Short: "Apply a lifecycle command",
		Long: `Commands: submit, start_review, start_scoring, send_to_committee,
apply_committee_result, activate, advance_phase, suspend, resume, remove,
close, reinstate.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				ini, err := s.Engine.Transition(ctx, lifecycle.TransitionOptions{
					EntityID:        args[1],
					Command:         args[0],
					Actor:           actorID(),
					Reason:          reason,
					SessionID:       sessionID,
					ExpectedVersion: expectedVersion,
					IdempotencyKey:  idempotencyKey,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ini)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason category or free text")
	cmd.Flags().StringVar(&sessionID, "session", "", "committee session id (apply_committee_result)")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "optimistic version check")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "idempotency key")
	return cmd
}

func feasibilityCmd() *cobra.Command {
	feas := &cobra.Command{Use: "feasibility", Short: "Score feasibility dimensions"}

	var scores string
	score := &cobra.Command{
		Use:   "score <initiative-id> <dimension>",
		Short: "Submit sub-scores for a dimension",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				parsed, err := parseScores(scores)
				if err != nil {
					return err
				}
				result, err := s.Feasibility.SubmitScore(ctx, args[0], args[1], parsed, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	score.Flags().StringVar(&scores, "scores", "", "comma-separated sub-scores, e.g. 4,3,5")
	_ = score.MarkFlagRequired("scores")
	feas.AddCommand(score)

	var verdict string
	finalize := &cobra.Command{
		Use:   "finalize <initiative-id> <dimension>",
		Short: "Finalize a dimension verdict",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				result, err := s.Feasibility.FinalizeDimension(ctx, args[0], args[1], verdict, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	finalize.Flags().StringVar(&verdict, "verdict", "", "viable|not_viable")
	_ = finalize.MarkFlagRequired("verdict")
	feas.AddCommand(finalize)

	feas.AddCommand(&cobra.Command{
		Use:   "report <initiative-id>",
		Short: "Show the feasibility report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				report, err := s.Feasibility.Report(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	})
	return feas
}

func parseScores(raw string) ([]int, error) {
	parts := strings.Split(raw, ",")
	scores := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid sub-score %q", p)
		}
		scores = append(scores, v)
	}
	return scores, nil
}

func sessionCmd() *cobra.Command {
	ses := &cobra.Command{Use: "session", Short: "Run committee sessions"}

	var date string
	var reviewers, agenda []string
	schedule := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				session, err := s.Voting.ScheduleSession(ctx, date, reviewers, agenda)
				if err != nil {
					return err
				}
				return printJSONOrTable(session)
			})
		},
	}
	schedule.Flags().StringVar(&date, "date", "", "scheduled date (RFC3339)")
	schedule.Flags().StringSliceVar(&reviewers, "reviewer", nil, "invited reviewer (repeatable)")
	schedule.Flags().StringSliceVar(&agenda, "initiative", nil, "agenda initiative id (repeatable)")
	_ = schedule.MarkFlagRequired("date")
	ses.AddCommand(schedule)

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				items, err := s.Voting.Repo.ListSessions(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSONOrTable(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Scheduled", "Status"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.ScheduledDate, it.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "status filter")
	ses.AddCommand(list)

	ses.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				session, err := s.Voting.Repo.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(session)
			})
		},
	})
	ses.AddCommand(&cobra.Command{
		Use:   "open <id>",
		Short: "Open session for voting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				session, err := s.Voting.OpenSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(session)
			})
		},
	})
	ses.AddCommand(&cobra.Command{
		Use:   "close <id>",
		Short: "Close session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				session, err := s.Voting.CloseSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(session)
			})
		},
	})

	var choice string
	vote := &cobra.Command{
		Use:   "vote <session-id> <initiative-id>",
		Short: "Cast a vote as the current actor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				v, err := s.Voting.CastVote(ctx, args[0], args[1], actorID(), choice)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	vote.Flags().StringVar(&choice, "choice", "", "approve|reject|veto")
	_ = vote.MarkFlagRequired("choice")
	ses.AddCommand(vote)

	ses.AddCommand(&cobra.Command{
		Use:   "resolve <session-id> <initiative-id>",
		Short: "Resolve an agenda item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				outcome, err := s.Voting.Resolve(ctx, args[0], args[1])
				var quorum domain.QuorumNotMetError
				if err != nil && !errors.As(err, &quorum) {
					return err
				}
				if printErr := printJSONOrTable(outcome); printErr != nil {
					return printErr
				}
				if err != nil {
					fmt.Println("note:", err.Error())
				}
				return nil
			})
		},
	})
	return ses
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage activated projects"}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				items, err := s.Engine.Repo.ListProjects(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSONOrTable(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Code", "Name", "Status", "Phase", "Budget"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Code, p.Name, p.Status, p.CurrentPhase, p.BudgetApproved})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "status filter")
	prj.AddCommand(list)

	prj.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show project with phases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				p, err := s.Engine.Repo.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	})

	var pct int
	progress := &cobra.Command{
		Use:   "progress <project-id> <phase-seq>",
		Short: "Update phase completion percentage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				seq, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("invalid phase seq %q", args[1])
				}
				ph, err := s.Engine.UpdatePhaseProgress(ctx, args[0], seq, pct)
				if err != nil {
					return err
				}
				return printJSONOrTable(ph)
			})
		},
	}
	progress.Flags().IntVar(&pct, "pct", 0, "completion percentage 0-100")
	_ = progress.MarkFlagRequired("pct")
	prj.AddCommand(progress)

	prj.AddCommand(&cobra.Command{
		Use:   "signoff <project-id> <phase-seq>",
		Short: "Sign off a fully progressed phase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				seq, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("invalid phase seq %q", args[1])
				}
				ph, err := s.Engine.SignOffPhase(ctx, args[0], seq, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(ph)
			})
		},
	})

	prj.AddCommand(&cobra.Command{
		Use:   "checklist <project-id> <kind>",
		Short: "Record a closure checklist item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				item, err := s.Engine.Closure.RecordChecklistItem(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	})

	var lessons string
	closeCmd := &cobra.Command{
		Use:   "close <project-id>",
		Short: "Close a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				record, err := s.Engine.Closure.CloseProject(ctx, args[0], closure.CloseOptions{
					Actor:   actorID(),
					Lessons: lessons,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(record)
			})
		},
	}
	closeCmd.Flags().StringVar(&lessons, "lessons", "", "lessons learned")
	prj.AddCommand(closeCmd)
	return prj
}

func budgetCmd() *cobra.Command {
	bud := &cobra.Command{Use: "budget", Short: "Post and inspect budget ledgers"}

	var amount int64
	for _, op := range []string{"approve", "commit", "execute"} {
		op := op
		post := &cobra.Command{
			Use:   op + " <owner-id> <category>",
			Short: "Post a budget " + op,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withServices(cmd.Context(), func(ctx context.Context, s services) error {
					var line domain.BudgetLine
					var err error
					switch op {
					case "approve":
						line, err = s.Ledger.Approve(ctx, args[0], args[1], amount)
					case "commit":
						line, err = s.Ledger.Commit(ctx, args[0], args[1], amount)
					default:
						line, err = s.Ledger.Execute(ctx, args[0], args[1], amount)
					}
					if err != nil {
						return err
					}
					return printJSONOrTable(line)
				})
			},
		}
		post.Flags().Int64Var(&amount, "amount", 0, "amount in minor units")
		_ = post.MarkFlagRequired("amount")
		bud.AddCommand(post)
	}

	bud.AddCommand(&cobra.Command{
		Use:   "show <owner-id>",
		Short: "Show budget lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				lines, err := s.Ledger.Lines(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSONOrTable(lines)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Category", "Approved", "Committed", "Executed", "Frozen"})
				for _, l := range lines {
					tw.AppendRow(table.Row{l.Category, l.Approved, l.Committed, l.Executed, l.Frozen})
				}
				tw.Render()
				return nil
			})
		},
	})

	var planned, actual int64
	period := &cobra.Command{
		Use:   "period <owner-id> <period>",
		Short: "Record planned vs actual for a month (YYYY-MM)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				return s.Ledger.RecordPeriod(ctx, args[0], args[1], planned, actual)
			})
		},
	}
	period.Flags().Int64Var(&planned, "planned", 0, "planned amount")
	period.Flags().Int64Var(&actual, "actual", 0, "actual amount")
	bud.AddCommand(period)

	bud.AddCommand(&cobra.Command{
		Use:   "curve <owner-id>",
		Short: "Show cumulative planned vs actual curve",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				curve, err := s.Ledger.ProjectCurve(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(curve)
			})
		},
	})

	bud.AddCommand(&cobra.Command{
		Use:   "metrics <owner-id>",
		Short: "Show earned-value metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				progressPct := 0
				if p, err := s.Engine.Repo.GetProject(ctx, args[0]); err == nil {
					progressPct = p.Progress()
				}
				metrics, err := s.Ledger.Metrics(ctx, args[0], progressPct)
				if err != nil {
					return err
				}
				return printJSONOrTable(metrics)
			})
		},
	})
	return bud
}

func auditCmd() *cobra.Command {
	aud := &cobra.Command{Use: "audit", Short: "Inspect the audit trail"}
	var entityID, entityKind, actor string
	var cursor int64
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show audit events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				events, err := s.Audit.Latest(ctx, audit.Filters{
					EntityID:   entityID,
					EntityKind: entityKind,
					ActorID:    actor,
					Cursor:     cursor,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSONOrTable(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Actor", "Entity", "From", "To", "Reason"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.ActorID, e.EntityKind + ":" + e.EntityID, e.FromStatus, e.ToStatus, e.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "kind filter")
	tail.Flags().StringVar(&actor, "actor", "", "actor filter")
	tail.Flags().Int64Var(&cursor, "cursor", 0, "page cursor (smallest id of previous page)")
	tail.Flags().IntVar(&limit, "limit", 50, "max rows")
	aud.AddCommand(tail)
	return aud
}

func reserveCmd() *cobra.Command {
	res := &cobra.Command{Use: "reserve", Short: "Manage the reserve bank"}
	res.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Remove expired reserved initiatives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				removed, err := s.Reserve.SweepExpired(ctx, time.Now())
				if err != nil {
					return err
				}
				fmt.Printf("removed %d expired initiative(s)\n", removed)
				return nil
			})
		},
	})
	return res
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the plaintext once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				plaintext := uuid.NewString()
				apiKey := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(plaintext),
				}
				if err := s.Engine.Repo.InsertAPIKey(ctx, apiKey); err != nil {
					return err
				}
				fmt.Println("api key:", plaintext)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "key label")
	_ = create.MarkFlagRequired("actor")
	key.AddCommand(create)

	key.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				keys, err := s.Engine.Repo.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	})

	key.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				return s.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return key
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace, "default")
			if err != nil {
				return err
			}
			engine := lifecycle.New(conn, cfg)
			r := repo.Repo{DB: conn}
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("PMOLINE_JWT_SECRET"),
				AllowLegacyActorHeader: os.Getenv("PMOLINE_ALLOW_ACTOR_HEADER") == "1",
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("PMOLINE_JWT_SECRET is required for bearer auth (or set PMOLINE_ALLOW_ACTOR_HEADER=1)")
			}
			handler, err := server.New(cmd.Context(), server.Config{
				Engine:      engine,
				Feasibility: feasibility.Engine{DB: conn, Repo: r, Config: cfg},
				Voting:      voting.Service{DB: conn, Repo: r, Config: cfg},
				Ledger:      budget.Ledger{DB: conn, Repo: r, Config: cfg},
				Reserve:     reserve.Service{Repo: r, Engine: engine},
				Audit:       audit.Reader{DB: conn},
				BasePath:    basePath,
				Auth:        authCfg,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Pmoline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}
