package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crmflow/internal/app"
	"crmflow/internal/config"
	"crmflow/internal/logging"
	"crmflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "crmflow",
	Short: "crmflow CLI",
	Long: `crmflow turns CRM changes into proposals that a human approves before they are applied.
- Proposal: one create, update or delete of a CRM entity, validated against the entity schema.
- Approval config: per tenant and entity type, whether proposals wait for approval or execute immediately.
- Automations: scheduled jobs that search for candidates and file pending proposals.
- Digests: scheduled emails summarizing what is waiting for review.
- Event log: every transition is recorded, view it with 'crmflow log tail'.`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix("CRMFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/crmflow.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(approvalConfigCmd())
	rootCmd.AddCommand(automationCmd())
	rootCmd.AddCommand(digestCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler and the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cfg.Server.JWTSecret == "" && !cfg.Server.DevHeaders {
				return fmt.Errorf("CRMFLOW_JWT_SECRET is required for bearer auth")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				a.Close(context.Background())
				return err
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Policy:   a.Policy,
				Jobs:     a.Scheduler,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:       cfg.Server.JWTSecret,
					AllowDevHeaders: cfg.Server.DevHeaders,
					Logger:          logger.With("component", "auth"),
				},
				Logger: logger,
			})
			if err != nil {
				a.Close(context.Background())
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving crmflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", cfg.Server.Addr, basePath, basePath)
			serveErr := srv.ListenAndServe()
			if errors.Is(serveErr, http.ErrServerClosed) {
				serveErr = nil
			}

			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.StopTimeout+cfg.Scheduler.AbortGrace+time.Second)
			defer cancel()
			return errors.Join(serveErr, a.Close(closeCtx))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(viper.GetString("config"), viper.GetString("workspace"), config.NewViper())
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// withApp builds the application without starting the scheduler.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

func tenantID() (string, error) {
	t := viper.GetString("tenant")
	if t == "" {
		return "", fmt.Errorf("--tenant (or CRMFLOW_TENANT) required")
	}
	return t, nil
}

func actorID() string {
	return viper.GetString("actor-id")
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
