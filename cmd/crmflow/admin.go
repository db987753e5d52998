package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crmflow/internal/app"
	"crmflow/internal/config"
	"crmflow/internal/domain"
	"crmflow/internal/repo"
	crmflowsdk "crmflow/sdk/go"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage crmflow.yml"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config, environment overrides applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Server.JWTSecret = redact(cfg.Server.JWTSecret)
			cfg.SMTP.Password = redact(cfg.SMTP.Password)
			cfg.Discovery.APIKey = redact(cfg.Discovery.APIKey)
			cfg.LLM.APIKey = redact(cfg.LLM.APIKey)
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

func approvalConfigCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "approval-config", Short: "Per entity type approval policy"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show the effective policy of every entity type",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Policy.List(ctx, tenant)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Entity type", "Requires approval", "Updated"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.EntityType, c.RequiresApproval, c.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <entity-type> <true|false>",
		Short: "Set whether proposals of an entity type wait for approval",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			requires, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("requires approval must be true or false: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entityType := domain.EntityType(args[0])
				if _, err := a.Mutators.Lookup(entityType); err != nil {
					return err
				}
				c, err := a.Policy.Set(ctx, tenant, entityType, requires, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	})
	return cmd
}

func automationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "automation", Short: "Configured discovery automations"}
	cmd.AddCommand(&cobra.Command{
		Use:   "run <name>",
		Short: "Run an automation once, unless it is already running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sum, err := a.RunAutomation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(sum)
			})
		},
	})
	return cmd
}

func digestCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "digest", Short: "Pending-proposal digests"}
	cmd.AddCommand(&cobra.Command{
		Use:   "run <name>",
		Short: "Send a digest once, unless it is already running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.RunDigest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})
	return cmd
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "jobs", Short: "Scheduled jobs"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				jobs := a.Jobs()
				if viper.GetBool("json") {
					type item struct {
						Name     string `json:"name"`
						Interval string `json:"interval"`
						Timeout  string `json:"timeout,omitempty"`
					}
					out := make([]item, 0, len(jobs))
					for _, j := range jobs {
						it := item{Name: j.Name, Interval: j.Interval.String()}
						if j.Timeout > 0 {
							it.Timeout = j.Timeout.String()
						}
						out = append(out, it)
					}
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Interval", "Timeout", "Run on start"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.Name, j.Interval, j.Timeout, j.RunOnStart})
				}
				tw.Render()
				return nil
			})
		},
	})

	var limit int
	runs := &cobra.Command{
		Use:   "runs [name]",
		Short: "Show recorded runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := ""
			if len(args) == 1 {
				job = args[0]
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListJobRuns(ctx, job, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Job", "Status", "Owner", "Started", "Finished", "Error"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Job, r.Status, r.Owner, r.StartedAt, deref(r.FinishedAt), r.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	runs.Flags().IntVar(&limit, "limit", 20, "number of runs")
	cmd.AddCommand(runs)

	var serverURL, apiKey string
	trigger := &cobra.Command{
		Use:   "trigger <name>",
		Short: "Ask a running server to start a job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := crmflowsdk.New(serverURL)
			client.APIKey = apiKey
			if err := client.TriggerJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("job %s started\n", args[0])
			return nil
		},
	}
	trigger.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "server base URL")
	trigger.Flags().StringVar(&apiKey, "api-key", os.Getenv("CRMFLOW_API_KEY"), "API key")
	cmd.AddCommand(trigger)
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Repo.LatestEvents(ctx, repo.EventFilter{
					TenantID:   tenant,
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	cmd.AddCommand(tail)
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "api-key", Short: "Manage API keys"}

	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the actor and tenant; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			buf := make([]byte, 24)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			secret := "crm_" + hex.EncodeToString(buf)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key := domain.APIKey{
					ID:       uuid.NewString(),
					TenantID: tenant,
					ActorID:  actorID(),
					Name:     name,
					KeyHash:  repo.HashAPIKey(secret),
				}
				if err := a.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "key": secret})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Repo.ListAPIKeys(ctx, viper.GetString("tenant"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Tenant", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.TenantID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return cmd
}
