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

	"lexeval/internal/app"
	"lexeval/internal/config"
	"lexeval/internal/db"
	"lexeval/internal/domain"
	"lexeval/internal/engine"
	"lexeval/internal/migrate"
	"lexeval/internal/repo"
	"lexeval/internal/report"
	"lexeval/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "lx",
	Short: "Lexeval CLI",
	Long: `Lexeval runs crowd-sourced translation-quality evaluation campaigns.
- Workspace: the .lexeval directory holding the database; campaign configs live in the DB.
- Campaign: owns tasks; one campaign per evaluation round is typical.
- Corpus: a named, versioned set of source/target text pairs under a (source, target, domain) market.
- Task: a batch of items annotators judge; completes once enough distinct users have judged every item.
- Result: one score plus error spans for one item; submitted results are final.
- Reports: per-user progress, per-group HIT status, per-market system scores, CSV and score dumps.`,
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
	viper.SetEnvPrefix("LEXEVAL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("user", "u", "local-user", "annotator username")
	rootCmd.PersistentFlags().String("campaign", "", "campaign name (overrides single-campaign default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("campaign", rootCmd.PersistentFlags().Lookup("campaign"))
}

func registerCommands() {
	rootCmd.AddCommand(campaignCmd())
	rootCmd.AddCommand(corpusCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(resultCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(annotatorCmd())
	rootCmd.AddCommand(trustCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- campaigns ---

func campaignCmd() *cobra.Command {
	c := &cobra.Command{Use: "campaign", Short: "Manage campaigns"}
	c.AddCommand(campaignCreateCmd())
	c.AddCommand(campaignListCmd())
	c.AddCommand(campaignShowCmd())
	c.AddCommand(campaignConfigCmd())
	return c
}

func campaignCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a campaign",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				e := engine.New(r.DB, config.Default(name))
				c, err := e.CreateCampaign(ctx, name, viper.GetString("user"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "campaign name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func campaignListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List campaigns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCampaigns(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func campaignShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active campaign",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Campaign) error {
				return printJSONOrTable(c)
			})
		},
	}
}

func campaignConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage campaign config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show campaign config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Campaign) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	cfg.AddCommand(campaignConfigImportCmd())
	return cfg
}

func campaignConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import campaign config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Campaign) error {
				if err := e.Repo.UpsertCampaignConfig(ctx, c.ID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// --- corpora ---

func corpusCmd() *cobra.Command {
	c := &cobra.Command{Use: "corpus", Short: "Manage corpora"}
	c.AddCommand(corpusCreateCmd())
	c.AddCommand(corpusShowCmd())
	return c
}

func corpusShowCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a corpus and its market",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				corpus, err := r.GetCorpus(ctx, id)
				if err != nil {
					return err
				}
				m, err := r.GetMarket(ctx, corpus.MarketID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"corpus": corpus, "market": m})
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "corpus id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func corpusCreateCmd() *cobra.Command {
	var opts engine.CorpusCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a corpus under a (source, target, domain) market",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("user")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Campaign) error {
				corpus, err := e.CreateCorpus(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(corpus)
			})
		},
	}
	cmd.Flags().StringVar(&opts.SourceLanguageCode, "source-lang", "", "source language code")
	cmd.Flags().StringVar(&opts.TargetLanguageCode, "target-lang", "", "target language code")
	cmd.Flags().StringVar(&opts.DomainName, "domain", "", "content domain name")
	cmd.Flags().StringVar(&opts.CorpusName, "name", "", "corpus name")
	cmd.Flags().StringVar(&opts.VersionInfo, "version", "1.0", "version info")
	cmd.Flags().StringVar(&opts.Source, "source", "", "provenance note")
	_ = cmd.MarkFlagRequired("source-lang")
	_ = cmd.MarkFlagRequired("target-lang")
	_ = cmd.MarkFlagRequired("domain")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// --- batch import ---

func batchCmd() *cobra.Command {
	b := &cobra.Command{Use: "batch", Short: "Batch import"}
	b.AddCommand(batchImportCmd())
	return b
}

func batchImportCmd() *cobra.Command {
	var filePath, batchName string
	var corpusID int64
	var maxTasks int
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import tasks and items from a JSON batch file",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(filePath)
			if err != nil {
				return err
			}
			defer f.Close()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Campaign) error {
				tasks, err := e.ImportBatches(ctx, f, engine.ImportOptions{
					CampaignID: c.ID,
					CorpusID:   corpusID,
					BatchName:  batchName,
					MaxTasks:   maxTasks,
					ActorID:    viper.GetString("user"),
				})
				if err != nil {
					return fmt.Errorf("imported %d tasks before failure: %w", len(tasks), err)
				}
				return printJSONOrTable(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to batch JSON")
	cmd.Flags().Int64Var(&corpusID, "corpus", 0, "corpus id")
	cmd.Flags().StringVar(&batchName, "name", "", "batch name recorded on imported tasks")
	cmd.Flags().IntVar(&maxTasks, "max-tasks", 0, "stop after this many tasks (0 = unlimited)")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("corpus")
	return cmd
}

// --- tasks ---

func taskCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "task",
		Short: "Task assignment",
		Long:  "Tasks are batches of items. 'task next' keeps you on your current batch or assigns a free one for a target language; 'task item' serves the next unjudged item.",
	}
	t.AddCommand(taskNextCmd())
	t.AddCommand(taskItemCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	return t
}

func taskNextCmd() *cobra.Command {
	var language string
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Current or newly assigned task for the user",
		RunE: func(cmd *cobra.Command, args []string) error {
			username := viper.GetString("user")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Campaign) error {
				t, err := e.TaskForUser(ctx, username)
				if err != nil {
					return err
				}
				if t == nil && language != "" {
					t, err = e.NextFreeTaskForLanguage(ctx, language, c.ID, username)
					if err != nil {
						return err
					}
				}
				if t == nil {
					fmt.Println("no task available")
					return nil
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&language, "language", "", "target language code to request new work")
	return cmd
}

func taskItemCmd() *cobra.Command {
	var taskID int64
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Next unjudged item of a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			username := viper.GetString("user")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Campaign) error {
				it, err := e.NextItemForUser(ctx, taskID, username)
				if err != nil {
					return err
				}
				if it == nil {
					fmt.Println("no item left in task")
					return nil
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().Int64Var(&taskID, "task", 0, "task id")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func taskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List campaign tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Campaign) error {
				tasks, err := e.Repo.ListTasks(ctx, c.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Batch", "Kind", "Required", "Activated", "Completed"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.BatchNo, t.Kind, t.RequiredAnnotations, t.Activated, t.Completed})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskShowCmd() *cobra.Command {
	var taskID int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a task with its items, assignees and market",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Campaign) error {
				t, err := e.Repo.GetTask(ctx, taskID)
				if err != nil {
					return err
				}
				items, err := e.Repo.ListTaskItems(ctx, t.ID)
				if err != nil {
					return err
				}
				for _, it := range items {
					t.ItemIDs = append(t.ItemIDs, it.ID)
				}
				t.AssignedTo, err = e.Repo.ListAssignees(ctx, t.ID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"task":  t,
					"items": items,
					"valid": e.Validate(ctx, t),
				}
				if m, err := e.Repo.TaskMarket(ctx, t.ID); err == nil {
					out["market"] = m.DisplayName()
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().Int64Var(&taskID, "task", 0, "task id")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

// --- results ---

func resultCmd() *cobra.Command {
	r := &cobra.Command{Use: "result", Short: "Submit and inspect judgments"}
	r.AddCommand(resultSubmitCmd())
	r.AddCommand(resultShowCmd())
	return r
}

func resultShowCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a stored judgment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				res, err := r.GetResult(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "result id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func resultSubmitCmd() *cobra.Command {
	var sub engine.ResultSubmission
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a completed judgment",
		RunE: func(cmd *cobra.Command, args []string) error {
			sub.Username = viper.GetString("user")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Campaign) error {
				res, err := e.SubmitResult(ctx, sub)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().Int64Var(&sub.TaskID, "task", 0, "task id")
	cmd.Flags().Int64Var(&sub.ItemRow, "item", 0, "item row id")
	cmd.Flags().IntVar(&sub.Score, "score", 0, "adequacy score 1..100")
	cmd.Flags().StringVar(&sub.ReferenceErrors, "reference-errors", "", "0-based word indexes in the reference")
	cmd.Flags().StringVar(&sub.TranslationErrors, "translation-errors", "", "0-based word indexes in the translation")
	cmd.Flags().Float64Var(&sub.StartTime, "start", 0, "annotation start (unix seconds)")
	cmd.Flags().Float64Var(&sub.EndTime, "end", 0, "annotation end (unix seconds)")
	_ = cmd.MarkFlagRequired("item")
	_ = cmd.MarkFlagRequired("score")
	return cmd
}

// --- reports ---

func reportCmd() *cobra.Command {
	r := &cobra.Command{Use: "report", Short: "Aggregated reports"}
	r.AddCommand(reportStatusCmd())
	r.AddCommand(reportGroupsCmd())
	r.AddCommand(reportSystemsCmd())
	return r
}

func reportStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Annotation progress for the user",
		RunE: func(cmd *cobra.Command, args []string) error {
			username := viper.GetString("user")
			return withReporter(cmd.Context(), func(ctx context.Context, rep report.Reporter) error {
				total, err := rep.CompletedForUser(ctx, username, false)
				if err != nil {
					return err
				}
				unique, err := rep.CompletedForUser(ctx, username, true)
				if err != nil {
					return err
				}
				done, hits, err := rep.HitStatusForUser(ctx, username)
				if err != nil {
					return err
				}
				spent, err := rep.TimeForUser(ctx, username)
				if err != nil {
					return err
				}
				out := map[string]any{
					"username":         username,
					"completed_total":  total,
					"completed_unique": unique,
					"completed_hits":   done,
					"total_hits":       hits,
					"time_spent":       report.FormatDuration(spent),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("User: %s\n", username)
				fmt.Printf("Completed results: %d (%d unique items)\n", total, unique)
				fmt.Printf("HITs: %d/%d\n", done, hits)
				fmt.Printf("Time spent: %s\n", report.FormatDuration(spent))
				return nil
			})
		},
	}
}

func reportGroupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "Per-group task completion status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReporter(cmd.Context(), func(ctx context.Context, rep report.Reporter) error {
				statuses, err := rep.AccurateGroupStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(statuses)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Group", "Completed", "Total"})
				for _, s := range statuses {
					tw.AppendRow(table.Row{s.Group, s.Completed, s.Total})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func reportSystemsCmd() *cobra.Command {
	var campaignID int64
	cmd := &cobra.Command{
		Use:   "systems",
		Short: "Raw system scores grouped by language pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReporter(cmd.Context(), func(ctx context.Context, rep report.Reporter) error {
				scores, err := rep.SystemAnnotations(ctx, campaignID)
				if err != nil {
					return err
				}
				return printJSONOrTable(scores)
			})
		},
	}
	cmd.Flags().Int64Var(&campaignID, "campaign-id", 0, "restrict to one campaign (0 = all)")
	return cmd
}

// --- exports ---

func exportCmd() *cobra.Command {
	e := &cobra.Command{Use: "export", Short: "Export completed results"}
	e.AddCommand(exportCSVCmd())
	e.AddCommand(exportDumpCSVCmd())
	e.AddCommand(exportScoresCmd())
	return e
}

func exportCSVCmd() *cobra.Command {
	var src, tgt, domainName, out string
	var allData bool
	cmd := &cobra.Command{
		Use:   "csv",
		Short: "CSV for one language pair and domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReporter(cmd.Context(), func(ctx context.Context, rep report.Reporter) error {
				rows, err := rep.CSVRows(ctx, src, tgt, domainName)
				if err != nil {
					return err
				}
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				if err := rep.WriteCSV(ctx, f, rows, allData); err != nil {
					return err
				}
				fmt.Printf("wrote %d rows to %s\n", len(rows), out)
				return f.Close()
			})
		},
	}
	cmd.Flags().StringVar(&src, "source-lang", "", "source language code")
	cmd.Flags().StringVar(&tgt, "target-lang", "", "target language code")
	cmd.Flags().StringVar(&domainName, "domain", "", "content domain name")
	cmd.Flags().StringVar(&out, "out", "", "output file")
	cmd.Flags().BoolVar(&allData, "all", false, "include the systemID column")
	_ = cmd.MarkFlagRequired("source-lang")
	_ = cmd.MarkFlagRequired("target-lang")
	_ = cmd.MarkFlagRequired("domain")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func exportDumpCSVCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "dump-csv",
		Short: "Full CSV dump across all markets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReporter(cmd.Context(), func(ctx context.Context, rep report.Reporter) error {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				if err := rep.DumpAllResultsCSV(ctx, f); err != nil {
					return err
				}
				return f.Close()
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output file")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func exportScoresCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "scores",
		Short: "Score and metadata dump as KEY: value blocks (.gz for gzip)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReporter(cmd.Context(), func(ctx context.Context, rep report.Reporter) error {
				return rep.DumpScores(ctx, out)
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output file, gzip-compressed when suffixed .gz")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

// --- annotators / trust / api keys ---

func annotatorCmd() *cobra.Command {
	a := &cobra.Command{Use: "annotator", Short: "Manage annotators"}
	a.AddCommand(annotatorAddCmd())
	a.AddCommand(annotatorListCmd())
	return a
}

func annotatorAddCmd() *cobra.Command {
	var username, email string
	var groups []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update an annotator profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Campaign) error {
				a := domain.Annotator{Username: username, Email: email, Groups: groups}
				if err := e.UpsertAnnotator(ctx, a, viper.GetString("user")); err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "annotator username")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringSliceVar(&groups, "groups", nil, "reporting group names")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func annotatorListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List annotators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAnnotators(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func trustCmd() *cobra.Command {
	t := &cobra.Command{Use: "trust", Short: "Campaign trust flags"}
	var username string
	add := &cobra.Command{
		Use:   "add",
		Short: "Grant the campaign trust flag to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Campaign) error {
				return e.AddTrustedUser(ctx, c.ID, username, viper.GetString("user"))
			})
		},
	}
	add.Flags().StringVar(&username, "username", "", "annotator username")
	_ = add.MarkFlagRequired("username")
	list := &cobra.Command{
		Use:   "list",
		Short: "List trusted users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Campaign) error {
				users, err := e.Repo.ListTrustedUsers(ctx, c.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(users)
			})
		},
	}
	t.AddCommand(add)
	t.AddCommand(list)
	return t
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var username, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key for an annotator (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Campaign) error {
				key, plaintext, err := e.CreateAPIKey(ctx, username, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "username": key.Username, "key": plaintext})
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "annotator username")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, username)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "filter by annotator")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an API key",
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

// --- log ---

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	l.AddCommand(tail)
	return l
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath, devToken string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the annotator HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c domain.Campaign) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("LEXEVAL_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("LEXEVAL_JWT_SECRET is required for bearer auth")
				}
				if devToken != "" {
					token, err := server.MintToken(authCfg.JWTSecret, devToken)
					if err != nil {
						return err
					}
					fmt.Printf("Bearer token for %s: %s\n", devToken, token)
				}
				handler, err := server.New(server.Config{
					Engine:   e,
					Reporter: report.Reporter{Repo: e.Repo, Config: e.Config},
					BasePath: basePath,
					Auth:     authCfg,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Using database %s\n", db.Path(viper.GetString("workspace")))
				fmt.Printf("Serving Lexeval API on http://%s%s\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringVar(&devToken, "dev-token", "", "print a bearer token for this username on startup")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, domain.Campaign) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		c, cfg, err := app.ResolveCampaignAndConfig(ctx, viper.GetString("campaign"), viper.GetString("user"), r)
		if err != nil {
			return err
		}
		return fn(ctx, engine.New(r.DB, cfg), c)
	})
}

func withReporter(ctx context.Context, fn func(context.Context, report.Reporter) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		_, cfg, err := app.ResolveCampaignAndConfig(ctx, viper.GetString("campaign"), viper.GetString("user"), r)
		if err != nil {
			return err
		}
		return fn(ctx, report.Reporter{Repo: r, Config: cfg})
	})
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
