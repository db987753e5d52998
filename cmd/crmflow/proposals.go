package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crmflow/internal/app"
	"crmflow/internal/domain"
	"crmflow/internal/engine"
)

func proposalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "proposal", Aliases: []string{"proposals"}, Short: "Review and act on proposals"}
	cmd.AddCommand(proposalListCmd())
	cmd.AddCommand(proposalGetCmd())
	cmd.AddCommand(proposalCreateCmd())
	cmd.AddCommand(proposalUpdateCmd())
	cmd.AddCommand(proposalActionCmd("approve", "Approve and execute a pending proposal", engine.Engine.Approve))
	cmd.AddCommand(proposalActionCmd("reject", "Reject a pending proposal", engine.Engine.Reject))
	cmd.AddCommand(proposalActionCmd("retry", "Clone a failed proposal into a new pending one", engine.Engine.Retry))
	cmd.AddCommand(proposalBulkCmd("bulk-approve", "Approve proposals one by one", engine.Engine.BulkApprove))
	cmd.AddCommand(proposalBulkCmd("bulk-reject", "Reject proposals one by one", engine.Engine.BulkReject))
	cmd.AddCommand(proposalAllCmd("approve-all", "Approve every pending proposal", engine.Engine.ApproveAll))
	cmd.AddCommand(proposalAllCmd("reject-all", "Reject every pending proposal", engine.Engine.RejectAll))
	return cmd
}

func proposalListCmd() *cobra.Command {
	var opts engine.ListOptions
	var status, entityType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			opts.Status = domain.Status(status)
			opts.EntityType = domain.EntityType(entityType)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				page, err := a.Engine.List(ctx, tenant, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Op", "Entity", "Status", "Invalid", "Source", "Created"})
				for _, p := range page.Items {
					tw.AppendRow(table.Row{p.ID, p.EntityType, p.Operation, deref(p.EntityID), p.Status, len(p.ValidationErrors), deref(p.Source), p.CreatedAt})
				}
				tw.AppendFooter(table.Row{"", "", "", "", "", "", "total", page.Total})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&opts.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&opts.PageSize, "page-size", 20, "page size")
	cmd.Flags().StringVar(&opts.SortBy, "sort-by", "created_at", "created_at, updated_at, status or entity_type")
	cmd.Flags().StringVar(&opts.SortDirection, "sort-direction", "desc", "asc or desc")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&entityType, "entity-type", "", "entity type filter")
	return cmd
}

func proposalGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.Get(ctx, tenant, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func proposalCreateCmd() *cobra.Command {
	var entityType, operation, entityID, payload string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a proposal by hand",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			fields, err := parsePayload(payload)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.Create(ctx, engine.CreateOptions{
					TenantID:   tenant,
					EntityType: domain.EntityType(entityType),
					Operation:  domain.Operation(operation),
					EntityID:   entityID,
					Payload:    fields,
					ActorID:    actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "entity-type", "", "entity type")
	cmd.Flags().StringVar(&operation, "operation", "create", "create, update or delete")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "target entity (update and delete)")
	cmd.Flags().StringVar(&payload, "payload", "{}", "payload as a JSON object")
	_ = cmd.MarkFlagRequired("entity-type")
	return cmd
}

func proposalUpdateCmd() *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "update-payload <id>",
		Short: "Replace the payload of a pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			fields, err := parsePayload(payload)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.UpdatePayload(ctx, tenant, args[0], fields, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "payload as a JSON object")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}

type proposalAction func(engine.Engine, context.Context, string, string, string) (domain.Proposal, error)

func proposalActionCmd(use, short string, action proposalAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := action(a.Engine, ctx, tenant, args[0], actorID())
				if err != nil && p.Status != domain.StatusFailed {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

type bulkAction func(engine.Engine, context.Context, string, []string, string) engine.BulkResult

func proposalBulkCmd(use, short string, action bulkAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return printBulk(action(a.Engine, ctx, tenant, args, actorID()))
			})
		},
	}
}

type allAction func(engine.Engine, context.Context, string, string) (engine.BulkResult, error)

func proposalAllCmd(use, short string, action allAction) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := action(a.Engine, ctx, tenant, actorID())
				if err != nil {
					return err
				}
				return printBulk(res)
			})
		},
	}
}

func printBulk(res engine.BulkResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Result"})
	for _, id := range res.Succeeded {
		tw.AppendRow(table.Row{id, "ok"})
	}
	for _, f := range res.Failed {
		tw.AppendRow(table.Row{f.ID, f.Error})
	}
	tw.Render()
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d of %d proposals failed", len(res.Failed), len(res.Failed)+len(res.Succeeded))
	}
	return nil
}

func parsePayload(raw string) (domain.Payload, error) {
	if raw == "" {
		return domain.Payload{}, nil
	}
	var fields domain.Payload
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return fields, nil
}
