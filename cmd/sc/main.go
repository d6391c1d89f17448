package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stagecraft/internal/app"
	"stagecraft/internal/config"
	"stagecraft/internal/db"
	"stagecraft/internal/domain"
	"stagecraft/internal/engine"
	"stagecraft/internal/migrate"
	"stagecraft/internal/provision"
	"stagecraft/internal/repo"
	"stagecraft/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sc",
	Short: "Stagecraft CLI",
	Long: `Stagecraft runs per-company job workflows as a stage graph.
- Workspace: your .stagecraft directory holding the database; the template lives in stagecraft.yml.
- Company: a tenant owning its own stages, questions and transition rules.
- Stages: the ordered steps a job walks through; each maps to a coarse status.
- Questions: what gets asked at each stage; answers are typed (yes/no, number, date, choice, file, text).
- Transition rules: "answer X at stage A moves the job to stage B"; numeric rules use operators like gte or between.
- Pending transitions: rules flagged for admin override park the move until an admin approves.
- Audit trail: every transition is recorded, who applied it and what answer triggered it.
- Provisioning: 'sc provision' rebuilds the graph from the template, preserving job history.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAGECRAFT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "user identifier")
	rootCmd.PersistentFlags().Bool("admin", false, "act as admin (local CLI only)")
	rootCmd.PersistentFlags().String("company", "", "company id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
	_ = viper.BindPFlag("admin", rootCmd.PersistentFlags().Lookup("admin"))
	_ = viper.BindPFlag("company", rootCmd.PersistentFlags().Lookup("company"))
}

func registerCommands() {
	rootCmd.AddCommand(companyCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(questionCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(responseCmd())
	rootCmd.AddCommand(pendingCmd())
	rootCmd.AddCommand(provisionCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(keysCmd())
}

func cliActor() domain.Actor {
	return domain.Actor{ID: viper.GetString("user-id"), Admin: viper.GetBool("admin")}
}

// --- company ---

func companyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "company", Short: "Manage companies"}
	cmd.AddCommand(companyListCmd())
	cmd.AddCommand(companyCreateCmd())
	cmd.AddCommand(companyShowCmd())
	cmd.AddCommand(companyConfigCmd())
	return cmd
}

func companyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List companies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCompanies(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func companyCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create company",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.InitCompany(ctx, id, name, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "company id")
	cmd.Flags().StringVar(&name, "name", "", "company name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func companyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show active company",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCompany(ctx, e.Config.Company.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func companyConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage the workflow template config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	var companyID string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default stagecraft.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			id := companyID
			if id == "" {
				id = viper.GetString("company")
			}
			if id == "" {
				return fmt.Errorf("--id or --company required")
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&companyID, "id", "", "company id")
	cfg.AddCommand(initCmd)

	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Validate a template file and copy it into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.FromFile(file)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			path := config.Path(viper.GetString("workspace"))
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("imported template for company %s (%d stages, %d questions, %d transitions)\n",
				c.Company.ID, len(c.Template.Stages), len(c.Template.Questions), len(c.Template.Transitions))
			return nil
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "template yaml file")
	_ = importCmd.MarkFlagRequired("file")
	cfg.AddCommand(importCmd)
	return cfg
}

// --- stage ---

func stageCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "stage", Short: "Manage stages"}
	cmd.AddCommand(stageListCmd())
	cmd.AddCommand(stageCreateCmd())
	cmd.AddCommand(stageShowCmd())
	cmd.AddCommand(stageDeleteCmd())
	return cmd
}

func stageListCmd() *cobra.Command {
	var includeArchived bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stages in sequence order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					items []domain.Stage
					err   error
				)
				if includeArchived {
					items, err = e.Repo.ListStagesIncludingArchived(ctx, e.Config.Company.ID)
				} else {
					items, err = e.Repo.ListStages(ctx, e.Config.Company.ID)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Order", "Name", "Type", "Status", "Approval", "Archived", "ID"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.SequenceOrder, s.Name, s.StageType, s.MapsToStatus, s.RequiresApproval, s.Archived, s.ID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&includeArchived, "all", false, "include archived stages")
	return cmd
}

func stageCreateCmd() *cobra.Command {
	var name, stageType, mapsTo, color string
	var order int
	var requiresApproval bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateStage(ctx, engine.StageCreateOptions{
					CompanyID:        e.Config.Company.ID,
					Name:             name,
					SequenceOrder:    order,
					StageType:        stageType,
					MapsToStatus:     mapsTo,
					Color:            color,
					RequiresApproval: requiresApproval,
					ActorID:          viper.GetString("user-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "stage name")
	cmd.Flags().IntVar(&order, "order", 0, "sequence order (>= 1)")
	cmd.Flags().StringVar(&stageType, "type", "standard", "stage type (standard|milestone|approval)")
	cmd.Flags().StringVar(&mapsTo, "maps-to", "", "coarse status this stage maps to")
	cmd.Flags().StringVar(&color, "color", "", "display color")
	cmd.Flags().BoolVar(&requiresApproval, "requires-approval", false, "stage needs approval to leave")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("order")
	return cmd
}

func stageShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetStage(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "stage id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func stageDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete stage (archives or renames when history references it)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				strategy, err := e.DeleteStage(ctx, id, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				fmt.Printf("stage %s: %s\n", id, strategy)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "stage id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// --- question ---

func questionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "question", Short: "Manage stage questions"}
	cmd.AddCommand(questionListCmd())
	cmd.AddCommand(questionCreateCmd())
	return cmd
}

func questionListCmd() *cobra.Command {
	var stageID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List questions for a stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListQuestions(ctx, stageID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func questionCreateCmd() *cobra.Command {
	var stageID, prompt, responseType string
	var required bool
	var options []string
	var order int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create question",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := e.CreateQuestion(ctx, engine.QuestionCreateOptions{
					StageID:         stageID,
					Prompt:          prompt,
					ResponseType:    responseType,
					IsRequired:      required,
					ResponseOptions: options,
					SequenceOrder:   order,
					ActorID:         viper.GetString("user-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id")
	cmd.Flags().StringVar(&prompt, "prompt", "", "question prompt")
	cmd.Flags().StringVar(&responseType, "type", "", "response type (yes_no|text|number|date|file_upload|multiple_choice)")
	cmd.Flags().BoolVar(&required, "required", false, "answer required")
	cmd.Flags().StringSliceVar(&options, "option", nil, "multiple_choice option (repeatable)")
	cmd.Flags().IntVar(&order, "order", 0, "display order")
	_ = cmd.MarkFlagRequired("stage")
	_ = cmd.MarkFlagRequired("prompt")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

// --- rule ---

func ruleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rule", Short: "Manage transition rules"}
	cmd.AddCommand(ruleListCmd())
	cmd.AddCommand(ruleCreateCmd())
	return cmd
}

func ruleListCmd() *cobra.Command {
	var stageID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outbound rules of a stage in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTransitionRules(ctx, stageID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "from stage id")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func ruleCreateCmd() *cobra.Command {
	var from, to, questionID, trigger, operator string
	var value, valueMax float64
	var automatic, override bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create transition rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.RuleCreateOptions{
					FromStageID:           from,
					ToStageID:             to,
					QuestionID:            questionID,
					IsAutomatic:           automatic,
					RequiresAdminOverride: override,
					ActorID:               viper.GetString("user-id"),
				}
				if cmd.Flags().Changed("trigger") {
					opts.TriggerResponse = &trigger
				}
				if cmd.Flags().Changed("operator") {
					opts.NumericOperator = &operator
					opts.NumericValue = &value
					if cmd.Flags().Changed("value-max") {
						opts.NumericValueMax = &valueMax
					}
				}
				tr, err := e.CreateTransitionRule(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(tr)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "from stage id")
	cmd.Flags().StringVar(&to, "to", "", "to stage id")
	cmd.Flags().StringVar(&questionID, "question", "", "question id")
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger response (string match)")
	cmd.Flags().StringVar(&operator, "operator", "", "numeric operator (eq|lt|lte|gt|gte|between|between_exclusive)")
	cmd.Flags().Float64Var(&value, "value", 0, "numeric value (lower bound for between)")
	cmd.Flags().Float64Var(&valueMax, "value-max", 0, "upper bound for between operators")
	cmd.Flags().BoolVar(&automatic, "automatic", false, "apply without confirmation")
	cmd.Flags().BoolVar(&override, "requires-admin-override", false, "park transition for admin approval")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("question")
	return cmd
}

// --- job ---

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "job", Short: "Manage jobs"}
	cmd.AddCommand(jobListCmd())
	cmd.AddCommand(jobCreateCmd())
	cmd.AddCommand(jobShowCmd())
	cmd.AddCommand(jobAuditCmd())
	return cmd
}

func jobListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListJobs(ctx, e.Config.Company.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Stage", "Entered", "Status"})
				for _, j := range items {
					stageName, entered := "", ""
					if state, err := e.Repo.GetJobState(ctx, j.ID); err == nil {
						entered = state.StageEnteredAt
						if s, err := e.Repo.GetStage(ctx, state.CurrentStageID); err == nil {
							stageName = s.Name
							j.Status = s.MapsToStatus
						}
					}
					tw.AppendRow(table.Row{j.ID, j.Title, stageName, entered, j.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func jobCreateCmd() *cobra.Command {
	var title, stageID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create job (enters the lowest stage unless --stage given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.CreateJob(ctx, e.Config.Company.ID, "", title, stageID, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "job title")
	cmd.Flags().StringVar(&stageID, "stage", "", "entry stage id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func jobShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show job with its current stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.Repo.GetJob(ctx, id)
				if err != nil {
					return err
				}
				out := map[string]any{"job": j}
				if state, err := e.Repo.GetJobState(ctx, id); err == nil {
					out["state"] = state
					if s, err := e.Repo.GetStage(ctx, state.CurrentStageID); err == nil {
						out["stage"] = s
					}
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "job id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func jobAuditCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the job's transition audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAuditEntries(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "job id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// --- response ---

func responseCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "response", Short: "Submit and inspect responses"}
	cmd.AddCommand(responseSubmitCmd())
	cmd.AddCommand(responseListCmd())
	cmd.AddCommand(responseEvaluateCmd())
	return cmd
}

func responseSubmitCmd() *cobra.Command {
	var jobID, questionID, value string
	var noEvaluate bool
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an answer and run the stage's transition rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := cliActor()
				if noEvaluate {
					res, err := e.SubmitResponse(ctx, jobID, questionID, value, actor)
					if err != nil {
						return err
					}
					return printJSONOrTable(res)
				}
				res, result, err := e.SubmitAndEvaluate(ctx, jobID, questionID, value, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"response": res, "result": result})
			})
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	cmd.Flags().StringVar(&questionID, "question", "", "question id")
	cmd.Flags().StringVar(&value, "value", "", "answer value")
	cmd.Flags().BoolVar(&noEvaluate, "no-evaluate", false, "record the answer without evaluating rules")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("question")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func responseListCmd() *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a job's responses, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListResponses(ctx, jobID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func responseEvaluateCmd() *cobra.Command {
	var jobID, questionID, value string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Dry-run rule evaluation without recording the answer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Evaluate(ctx, jobID, questionID, value)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	cmd.Flags().StringVar(&questionID, "question", "", "question id")
	cmd.Flags().StringVar(&value, "value", "", "answer value")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("question")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

// --- pending ---

func pendingCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "pending", Short: "Pending transitions awaiting approval"}
	cmd.AddCommand(pendingListCmd())
	cmd.AddCommand(pendingApproveCmd())
	cmd.AddCommand(pendingRejectCmd())
	return cmd
}

func pendingListCmd() *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending transitions for a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPendingTransitions(ctx, jobID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func pendingApproveCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve a pending transition (requires --admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				result, err := e.ApprovePendingTransition(ctx, id, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "pending transition id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func pendingRejectCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "reject",
		Short: "Reject a pending transition (requires --admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.RejectPendingTransition(ctx, id, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "pending transition id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// --- provision ---

func provisionCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Rebuild the company's stage graph from the template",
		Long: `Tears down the active graph and recreates it from stagecraft.yml (or --file).
Teardown never destroys job history: stages still referenced by audit entries,
responses or job positions are archived, or renamed out of the way as a last
resort. The report says which strategy was needed.`,
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
			var cfg *config.Config
			if file != "" {
				cfg, err = config.FromFile(file)
			} else {
				r := repo.Repo{DB: conn}
				_, cfg, err = app.ResolveCompanyAndConfig(cmd.Context(), workspace, viper.GetString("company"), viper.GetString("user-id"), r)
			}
			if err != nil {
				return err
			}
			svc := provision.New(conn)
			report, err := svc.Apply(cmd.Context(), cfg, viper.GetString("user-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(report)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "template yaml file (defaults to workspace stagecraft.yml)")
	return cmd
}

// --- log ---

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: graph changes, responses, transitions, provisioning runs.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, e.Config.Company.ID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 50, "number of events")
	return cmd
}

// --- serve ---

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
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveCompanyAndConfig(cmd.Context(), workspace, viper.GetString("company"), viper.GetString("user-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("STAGECRAFT_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("STAGECRAFT_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:    e,
				Provision: provision.New(conn),
				Template:  cfg,
				BasePath:  basePath,
				Auth:      authCfg,
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
			fmt.Printf("Serving Stagecraft API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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

// --- keys ---

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	cmd.AddCommand(keysCreateCmd())
	cmd.AddCommand(keysListCmd())
	cmd.AddCommand(keysDeleteCmd())
	return cmd
}

func keysCreateCmd() *cobra.Command {
	var userID, name, key string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if key == "" {
					return fmt.Errorf("--key required")
				}
				if userID == "" {
					userID = viper.GetString("user-id")
				}
				k := domain.APIKey{
					ID:      fmt.Sprintf("key-%d", time.Now().UnixNano()),
					UserID:  userID,
					Name:    name,
					KeyHash: repo.HashAPIKey(key),
				}
				if err := r.InsertAPIKey(ctx, nil, k); err != nil {
					return err
				}
				return printJSONOrTable(k)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringVar(&key, "key", "", "raw key value (only the hash is stored)")
	return cmd
}

func keysListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "filter by user")
	return cmd
}

func keysDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, id)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "key id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveCompanyAndConfig(ctx, workspace, viper.GetString("company"), viper.GetString("user-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
