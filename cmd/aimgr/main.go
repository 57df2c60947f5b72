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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/yu934913926yu/ai-manager-system/internal/app"
	"github.com/yu934913926yu/ai-manager-system/internal/config"
	"github.com/yu934913926yu/ai-manager-system/internal/db"
	"github.com/yu934913926yu/ai-manager-system/internal/domain"
	"github.com/yu934913926yu/ai-manager-system/internal/gateway"
	"github.com/yu934913926yu/ai-manager-system/internal/migrate"
	"github.com/yu934913926yu/ai-manager-system/internal/server"
	"github.com/yu934913926yu/ai-manager-system/internal/status"
	"github.com/yu934913926yu/ai-manager-system/internal/store"
	"github.com/yu934913926yu/ai-manager-system/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "aimgr",
	Short: "AI Manager CLI",
	Long: `aimgr runs the project automation engine for a design studio:
a status lifecycle for projects, declarative workflow rules that react
to status changes and timers, and a scheduler for recurring sweeps.`,
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
	viper.SetEnvPrefix("AIMANAGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "system", "acting user id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func loadConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// withApp opens and migrates the workspace database, assembles the
// engine, and hands it to fn.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := loadConfig(workspace)
	if err != nil {
		return err
	}
	a, err := app.New(cfg, conn, newLogger())
	if err != nil {
		return err
	}
	return fn(ctx, a)
}

func resolveActor(ctx context.Context, a *app.App) (domain.User, error) {
	actorID := viper.GetString("actor")
	if actorID == "" || actorID == domain.System.ID {
		return domain.System, nil
	}
	actor, err := a.Store.GetUser(ctx, actorID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return domain.User{}, fmt.Errorf("actor %s is not a registered user", actorID)
		}
		return domain.User{}, err
	}
	return actor, nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default aimanager.yml",
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
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectTransitionCmd())
	prj.AddCommand(projectTimelineCmd())
	prj.AddCommand(projectNextCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var name, customer, number, deadline, priority, category string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project in pending_quote",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || customer == "" {
				return fmt.Errorf("--name and --customer required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor, err := resolveActor(ctx, a)
				if err != nil {
					return err
				}
				now := time.Now().UTC().Format(time.RFC3339)
				p := domain.Project{
					ID:           uuid.New().String(),
					Number:       number,
					Name:         name,
					CustomerName: customer,
					Status:       domain.StatusPendingQuote,
					Priority:     priority,
					Category:     category,
					CreatorID:    actor.ID,
					CreatedAt:    now,
					UpdatedAt:    now,
				}
				if p.Number == "" {
					p.Number = "P-" + time.Now().UTC().Format("20060102-150405")
				}
				if deadline != "" {
					if _, err := time.Parse("2006-01-02", deadline); err != nil {
						return fmt.Errorf("invalid --deadline: %w", err)
					}
					p.Deadline = &deadline
				}
				if err := a.Store.InsertProject(ctx, p); err != nil {
					return err
				}
				rec := domain.StatusChangeRecord{
					ID:        uuid.New().String(),
					ProjectID: p.ID,
					ActorID:   actor.ID,
					ToStatus:  p.Status,
					Reason:    "project created",
					CreatedAt: now,
				}
				if err := a.Store.AppendStatusChange(ctx, rec); err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&customer, "customer", "", "customer name")
	cmd.Flags().StringVar(&number, "number", "", "project number (generated when empty)")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (YYYY-MM-DD)")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().StringVar(&category, "category", "", "category")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Store.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	return cmd
}

func projectTransitionCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "transition <project-id> <status>",
		Short: "Move a project to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor, err := resolveActor(ctx, a)
				if err != nil {
					return err
				}
				res, err := a.Machine.Transition(ctx, args[0], domain.Status(args[1]), actor, reason)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit trail")
	return cmd
}

func projectTimelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline <project-id>",
		Short: "Show a project's status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				records, err := a.Store.ListStatusChanges(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "From", "To", "Actor", "Reason"})
				for _, rec := range records {
					from := ""
					if rec.FromStatus != nil {
						from = string(*rec.FromStatus)
					}
					tw.AppendRow(table.Row{rec.CreatedAt, from, rec.ToStatus, rec.ActorID, rec.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectNextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next <project-id>",
		Short: "Show reachable statuses and recommended follow-ups",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Store.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"status":        p.Status,
					"next_statuses": status.NextStatuses(p.Status),
					"next_actions":  status.RecommendedActions(p.Status),
				})
			})
		},
	}
	return cmd
}

func userCmd() *cobra.Command {
	users := &cobra.Command{Use: "user", Short: "Manage users"}
	var username, fullName, role, chatHandle string
	var admin bool
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" || role == "" {
				return fmt.Errorf("--username and --role required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u := domain.User{
					ID:         uuid.New().String(),
					Username:   username,
					FullName:   fullName,
					Role:       domain.Role(role),
					IsActive:   true,
					IsAdmin:    admin,
					ChatHandle: chatHandle,
					CreatedAt:  time.Now().UTC().Format(time.RFC3339),
				}
				if err := a.Store.InsertUser(ctx, u); err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	}
	add.Flags().StringVar(&username, "username", "", "unique username")
	add.Flags().StringVar(&fullName, "full-name", "", "display name")
	add.Flags().StringVar(&role, "role", "", "role (admin, designer, finance, sales, viewer)")
	add.Flags().StringVar(&chatHandle, "chat-handle", "", "notification handle")
	add.Flags().BoolVar(&admin, "admin", false, "grant admin")
	users.AddCommand(add)
	return users
}

func rulesCmd() *cobra.Command {
	rules := &cobra.Command{Use: "rules", Short: "Manage workflow rules"}
	rules.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				all := a.Registry.All()
				if viper.GetBool("json") {
					return printJSON(all)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Trigger", "Actions", "Active", "Priority"})
				for _, r := range all {
					tw.AppendRow(table.Row{r.ID, r.Name, r.Trigger, len(r.Actions), r.Active, r.Priority})
				}
				tw.Render()
				return nil
			})
		},
	})
	var file string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Register rules from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var imported []workflow.Rule
			if err := yaml.Unmarshal(data, &imported); err != nil {
				return fmt.Errorf("invalid rules yaml: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				for _, r := range imported {
					if err := a.Registry.Register(r); err != nil {
						return err
					}
				}
				fmt.Printf("registered %d rules\n", len(imported))
				return nil
			})
		},
	}
	imp.Flags().StringVar(&file, "file", "", "rules YAML file")
	rules.AddCommand(imp)
	return rules
}

func jobsCmd() *cobra.Command {
	jobs := &cobra.Command{Use: "jobs", Short: "Inspect scheduled jobs"}
	jobs.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				infos := a.Scheduler.Jobs()
				if viper.GetBool("json") {
					return printJSON(infos)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Spec", "Next Run", "Paused"})
				for _, j := range infos {
					tw.AppendRow(table.Row{j.ID, j.Kind, j.Spec, j.NextRun.Format(time.RFC3339), j.Paused})
				}
				tw.Render()
				return nil
			})
		},
	})
	return jobs
}

func dispatchCmd() *cobra.Command {
	var triggerType string
	var payload []string
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch a trigger event through the rule engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			tt := workflow.TriggerType(triggerType)
			if !tt.Valid() {
				return fmt.Errorf("unknown trigger type %q", triggerType)
			}
			ev := workflow.TriggerEvent{
				Type:       tt,
				Payload:    map[string]string{},
				OccurredAt: time.Now().UTC(),
			}
			for _, kv := range payload {
				key, value, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("payload entries must be key=value, got %q", kv)
				}
				ev.Payload[key] = value
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				results := a.Dispatcher.Dispatch(ctx, ev)
				return printJSON(results)
			})
		},
	}
	cmd.Flags().StringVar(&triggerType, "type", string(workflow.TriggerManual), "trigger type")
	cmd.Flags().StringArrayVar(&payload, "payload", nil, "payload entry key=value (repeatable)")
	return cmd
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var actorID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("--actor-id required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				secret := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actorID,
					Name:    name,
					KeyHash: store.HashAPIKey(secret),
				}
				if err := a.Store.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSON(map[string]string{"id": key.ID, "api_key": secret})
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor-id", "", "user the key acts as")
	create.Flags().StringVar(&name, "name", "", "key label")
	keys.AddCommand(create)
	keys.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Store.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	})
	return keys
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and scheduler",
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
			cfg, err := loadConfig(workspace)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			jwtSecret := cfg.Server.JWTSecret
			if env := os.Getenv("AIMANAGER_JWT_SECRET"); env != "" {
				jwtSecret = env
			}
			if jwtSecret == "" {
				return fmt.Errorf("jwt secret required: set server.jwt_secret or AIMANAGER_JWT_SECRET")
			}
			logger := newLogger()
			a, err := app.New(cfg, conn, logger)
			if err != nil {
				return err
			}
			if err := a.Start(cmd.Context()); err != nil {
				return err
			}
			defer a.Stop()

			handler, err := server.New(server.Config{
				App:      a,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: jwtSecret, Logger: logger},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info().Str("addr", cfg.Server.Addr).Str("base_path", basePath).Msg("serving API")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}
