package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"syncbridge/internal/app"
	"syncbridge/internal/config"
	"syncbridge/internal/domain"
	"syncbridge/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "syncbridge",
	Short: "Syncbridge CLI",
	Long: `Syncbridge copies records between connected systems.
- Connector: an adapter to one external system (configured in syncbridge.yml).
- Integration: a source connector paired with a target connector, plus a schedule.
- Mapping: one source entity synced into one target entity, matched on a key field.
- Field mapping: how one target field is computed from the source record.
- Sync log: the audit record of one run, see 'syncbridge logs list'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SYNCBRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().IntP("verbosity", "v", -1, "log verbosity (defaults to log.verbosity in config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbosity", rootCmd.PersistentFlags().Lookup("verbosity"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(integrationCmd())
	rootCmd.AddCommand(mappingCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(connectorCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !cmd.Flags().Changed("addr") && a.Config.Server.Addr != "" {
					addr = a.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && a.Config.Server.BasePath != "" {
					basePath = a.Config.Server.BasePath
				}
				secret := viper.GetString("jwt-secret")
				if secret == "" {
					secret = a.Config.Server.JWTSecret
				}
				if err := a.StartScheduler(ctx); err != nil {
					return err
				}
				handler, err := server.New(server.Config{
					Repo:       a.Repo,
					Sync:       a.Engine,
					Connectors: a.Connectors,
					Validator:  a.Mapper,
					Scheduler:  a.Scheduler,
					Metrics:    a.Metrics,
					BasePath:   basePath,
					Auth:       server.AuthConfig{JWTSecret: secret},
					Log:        a.Log.WithName("server"),
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
				fmt.Printf("Serving Syncbridge API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if secret == "" {
					a.Log.Info("bearer auth disabled; set SYNCBRIDGE_JWT_SECRET or server.jwt_secret to enable it")
				}
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func syncCmd() *cobra.Command {
	sc := &cobra.Command{Use: "sync", Short: "Run syncs"}
	sc.AddCommand(&cobra.Command{
		Use:   "run <integration-id>",
		Short: "Run one sync and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.SyncIntegration(ctx, args[0], domain.TriggerCLI)
				if res.RunID == "" {
					return err
				}
				if viper.GetBool("json") {
					if perr := printJSON(res); perr != nil {
						return perr
					}
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Mapping", "Processed", "Succeeded", "Failed"})
				for _, m := range res.Mappings {
					tw.AppendRow(table.Row{m.Name, m.Processed, m.Succeeded, m.Failed})
				}
				tw.AppendFooter(table.Row{res.Status, res.Processed, res.Succeeded, res.Failed})
				tw.Render()
				fmt.Println("run:", res.RunID)
				return err
			})
		},
	})
	return sc
}

func integrationCmd() *cobra.Command {
	ic := &cobra.Command{Use: "integration", Short: "Manage integrations"}
	ic.AddCommand(integrationListCmd())
	ic.AddCommand(integrationShowCmd())
	ic.AddCommand(integrationCreateCmd())
	ic.AddCommand(integrationStatusCmd("pause", "Pause scheduled syncs", domain.StatusPaused))
	ic.AddCommand(integrationStatusCmd("resume", "Resume scheduled syncs", domain.StatusActive))
	return ic
}

func integrationListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List integrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListIntegrations(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Source", "Target", "Status", "Frequency", "Last Sync"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Name, it.SourceConnectorID, it.TargetConnectorID, it.Status, it.SyncFrequency, deref(it.LastSyncAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func integrationShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <integration-id>",
		Short: "Show an integration with its mappings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				it, err := a.Repo.GetIntegration(ctx, args[0])
				if err != nil {
					return err
				}
				mappings, err := a.Repo.ListMappings(ctx, it.ID)
				if err != nil {
					return err
				}
				if it.SourceAuth != nil {
					it.SourceAuth = map[string]any{"configured": true}
				}
				if it.TargetAuth != nil {
					it.TargetAuth = map[string]any{"configured": true}
				}
				return printJSONOrTable(map[string]any{"integration": it, "mappings": mappings})
			})
		},
	}
}

func integrationCreateCmd() *cobra.Command {
	var name, desc, source, target, frequency, sourceAuth, targetAuth string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create integration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				for _, id := range []string{source, target} {
					if _, err := a.Connectors.Get(id); err != nil {
						return err
					}
				}
				if !knownFrequencies[frequency] {
					return fmt.Errorf("unknown sync frequency %q", frequency)
				}
				now := time.Now().UTC().Format(time.RFC3339)
				it := domain.Integration{
					ID:                uuid.NewString(),
					Name:              name,
					Description:       desc,
					SourceConnectorID: source,
					TargetConnectorID: target,
					Status:            domain.StatusDraft,
					SyncDirection:     domain.DirectionSourceToTarget,
					SyncFrequency:     frequency,
					CreatedAt:         now,
					UpdatedAt:         now,
				}
				var err error
				if it.SourceAuth, err = parseAuth(sourceAuth); err != nil {
					return fmt.Errorf("--source-auth: %w", err)
				}
				if it.TargetAuth, err = parseAuth(targetAuth); err != nil {
					return fmt.Errorf("--target-auth: %w", err)
				}
				if err := a.Repo.InsertIntegration(ctx, it); err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "integration name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&source, "source", "", "source connector id")
	cmd.Flags().StringVar(&target, "target", "", "target connector id")
	cmd.Flags().StringVar(&frequency, "frequency", domain.FrequencyMinutes15, "realtime, minutes_5, minutes_15, hourly, daily or manual")
	cmd.Flags().StringVar(&sourceAuth, "source-auth", "", "source credentials as a JSON object")
	cmd.Flags().StringVar(&targetAuth, "target-auth", "", "target credentials as a JSON object")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

// integrationStatusCmd flips the stored status. A running server picks the
// change up on its next restart or on any update through the API.
func integrationStatusCmd(use, short, status string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <integration-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				it, err := a.Repo.GetIntegration(ctx, args[0])
				if err != nil {
					return err
				}
				now := time.Now().UTC().Format(time.RFC3339)
				if err := a.Repo.UpdateIntegrationStatus(ctx, it.ID, status, nil, now); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": it.ID, "status": status})
				}
				fmt.Printf("integration %s is now %s\n", it.ID, status)
				return nil
			})
		},
	}
}

func mappingCmd() *cobra.Command {
	mc := &cobra.Command{Use: "mapping", Short: "Inspect mappings"}
	mc.AddCommand(&cobra.Command{
		Use:   "list <integration-id>",
		Short: "List mappings with their field counts and last stats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListMappings(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Source", "Target", "Key", "Fields", "Processed", "Succeeded", "Failed"})
				for _, m := range items {
					fms, err := a.Repo.ListFieldMappings(ctx, m.ID)
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{
						m.ID, m.Name, m.SourceEntityID, m.TargetEntityID,
						m.SourceKeyField + " → " + m.TargetKeyField, len(fms),
						m.RecordsProcessed, m.RecordsSucceeded, m.RecordsFailed,
					})
				}
				tw.Render()
				return nil
			})
		},
	})
	return mc
}

func logsCmd() *cobra.Command {
	lc := &cobra.Command{Use: "logs", Short: "Inspect sync logs"}
	var limit int
	list := &cobra.Command{
		Use:   "list <integration-id>",
		Short: "List sync runs, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runs, err := a.Repo.ListSyncRuns(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Started", "Trigger", "Status", "Processed", "Succeeded", "Failed", "Error"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.StartedAt, r.Trigger, r.Status, r.RecordsProcessed, r.RecordsSucceeded, r.RecordsFailed, r.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 10, "number of runs")
	lc.AddCommand(list)
	return lc
}

func connectorCmd() *cobra.Command {
	cc := &cobra.Command{Use: "connector", Short: "Inspect configured connectors"}
	cc.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List connectors and their entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				type row struct {
					ID       string   `json:"id"`
					Name     string   `json:"name"`
					Entities []string `json:"entities"`
				}
				var rows []row
				for _, id := range a.Connectors.IDs() {
					c, err := a.Connectors.Get(id)
					if err != nil {
						return err
					}
					entities, err := c.Entities(ctx)
					if err != nil {
						return err
					}
					r := row{ID: c.ID(), Name: c.Name()}
					for _, e := range entities {
						r.Entities = append(r.Entities, e.ID)
					}
					rows = append(rows, r)
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Entities"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.ID, r.Name, strings.Join(r.Entities, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cc
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage syncbridge.yml",
		Long:  "syncbridge.yml lives in the workspace and declares the server settings and the connectors integrations can use.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default syncbridge.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate syncbridge.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	a, err := app.New(ctx, app.Options{
		Workspace: workspace,
		Config:    cfg,
		Log:       newLogger(cfg),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newLogger(cfg *config.Config) logr.Logger {
	v := viper.GetInt("verbosity")
	if v < 0 {
		v = cfg.Log.Verbosity
	}
	std := log.New(os.Stderr, "", log.LstdFlags)
	return funcr.New(func(prefix, args string) {
		if prefix != "" {
			std.Println(prefix, args)
			return
		}
		std.Println(args)
	}, funcr.Options{Verbosity: v})
}

var knownFrequencies = map[string]bool{
	domain.FrequencyRealtime:  true,
	domain.FrequencyMinutes5:  true,
	domain.FrequencyMinutes15: true,
	domain.FrequencyHourly:    true,
	domain.FrequencyDaily:     true,
	domain.FrequencyManual:    true,
}

func parseAuth(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
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
