package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"freightline/internal/app"
	"freightline/internal/config"
	"freightline/internal/domain"
	"freightline/internal/logging"
	"freightline/internal/server"
	"freightline/internal/store"
	freightlinesdk "freightline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Freightline CLI",
	Long: `Freightline turns device demand forecasts into ranked logistics routes.
Core concepts:
- Forecast: a region, a period and device lines (model, quantity, destination, priority).
- Task: one asynchronous run of the pipeline over a forecast; poll it until completed or failed.
- Information analysis: domain knowledge and supply-chain disruptions gathered for the region.
- Routes: warehouse-to-gateway paths per destination and transport mode, priced and risk scored.
- Ranking: routes ordered by a weighted cost/risk/time score; the best ones are recommended.
- Review: a human approves or rejects a ranked route.

Commands run against a local pipeline built from --config, or against a
running API when --server is set.`,
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
	viper.SetEnvPrefix("FREIGHTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", config.FileName, "path to config YAML")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "", "API base URL (runs locally when empty)")
	rootCmd.PersistentFlags().String("token", "", "bearer token for the API")
	rootCmd.PersistentFlags().String("log-level", "", "log level override")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(routesCmd())
	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(locationsCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(authCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := app.Open(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret},
				Logger:   logger.Named("http"),
			})
			if err != nil {
				return err
			}
			hooks := server.NewWebhookDispatcher(rt.Engine, cfg.Webhooks, logger.Named("webhooks"))
			hooks.Start(0)
			defer hooks.Stop()

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath), zap.Bool("auth", cfg.Auth.JWTSecret != ""))
			fmt.Printf("Serving Freightline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	return cmd
}

func submitCmd() *cobra.Command {
	var file string
	var wait bool
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a forecast file (JSON or YAML)",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			ff, err := parseForecastFile(data)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			if c := remoteClient(); c != nil {
				task, err := c.Submit(ctx, ff.sdk())
				if err != nil {
					return err
				}
				if wait {
					if task, err = c.Wait(ctx, task.ID, 0); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(task)
				}
				printRemoteTask(task)
				return nil
			}
			// A local run only lives as long as the process, so always wait.
			return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
				task, err := rt.Engine.Submit(ctx, ff.domain())
				if err != nil {
					return err
				}
				done, err := rt.Engine.WaitForTask(ctx, task.ID, 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(done)
				}
				printTask(done)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "forecast file")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the task to finish (remote only)")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall timeout")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Inspect pipeline tasks",
		Long:  "Tasks move queued -> processing -> completed or failed. While processing, current_step names the pipeline step in progress.",
	}
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskListCmd())
	return task
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remoteClient(); c != nil {
				task, err := c.Task(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(task)
				}
				printRemoteTask(task)
				return nil
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				task, err := rt.Engine.Task(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(task)
				}
				printTask(task)
				return nil
			})
		},
	}
}

func taskListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remoteClient(); c != nil {
				tasks, err := c.Tasks(cmd.Context(), status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				rows := make([]taskRow, 0, len(tasks))
				for _, t := range tasks {
					rows = append(rows, taskRow{ID: t.ID, Status: t.Status, Step: t.CurrentStep, CreatedAt: t.CreatedAt, Error: t.Error})
				}
				renderTasks(rows)
				return nil
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				tasks, err := rt.Engine.Tasks(ctx, store.Filter{Status: domain.Status(status), Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				rows := make([]taskRow, 0, len(tasks))
				for _, t := range tasks {
					rows = append(rows, taskRow{ID: t.ID, Status: string(t.Status), Step: string(t.CurrentStep), Region: t.Forecast.Region, CreatedAt: t.CreatedAt, Error: t.Error})
				}
				renderTasks(rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (queued, processing, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum tasks to list")
	return cmd
}

func routesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routes <task-id>",
		Short: "Show the ranked routes of a completed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remoteClient(); c != nil {
				res, err := c.Routes(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				rows := make([]routeRow, 0, len(res.Routes))
				for _, r := range res.Routes {
					rows = append(rows, remoteRouteRow(r))
				}
				renderRoutes(rows, res.Warnings)
				return nil
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				routes, err := rt.Engine.Routes(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(routes)
				}
				task, err := rt.Engine.Task(ctx, args[0])
				if err != nil {
					return err
				}
				renderRoutes(routeRows(routes), task.Warnings)
				return nil
			})
		},
	}
}

func routeCmd() *cobra.Command {
	route := &cobra.Command{Use: "route", Short: "Review ranked routes"}
	route.AddCommand(routeReviewCmd("approve", true))
	route.AddCommand(routeReviewCmd("reject", false))
	return route
}

func routeReviewCmd(use string, approved bool) *cobra.Command {
	var comments, actor string
	cmd := &cobra.Command{
		Use:   use + " <route-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remoteClient(); c != nil {
				rec, err := c.Approve(cmd.Context(), args[0], approved, comments)
				if err != nil {
					return err
				}
				return printJSON(rec)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				var (
					rec domain.RouteRecord
					err error
				)
				if approved {
					rec, err = rt.Engine.ApproveRoute(ctx, args[0], actor, comments)
				} else {
					rec, err = rt.Engine.RejectRoute(ctx, args[0], actor, comments)
				}
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
	cmd.Flags().StringVar(&comments, "comments", "", "review comments")
	cmd.Flags().StringVar(&actor, "actor-id", "local-user", "reviewer id for local reviews")
	return cmd
}

func locationsCmd() *cobra.Command {
	var region string
	cmd := &cobra.Command{
		Use:   "locations",
		Short: "List catalog locations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remoteClient(); c != nil {
				regions, err := c.Locations(cmd.Context(), region)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(regions)
				}
				var rows []locationRow
				for name, byType := range regions {
					for _, locs := range byType {
						for _, l := range locs {
							rows = append(rows, locationRow{Region: name, ID: l.ID, Name: l.Name, City: l.City, Type: l.Type, Status: l.Status})
						}
					}
				}
				renderLocations(rows)
				return nil
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				names := rt.Engine.Regions()
				if region != "" {
					names = []string{strings.ToUpper(region)}
				}
				var rows []locationRow
				out := map[string]map[domain.LocationType][]domain.Location{}
				for _, name := range names {
					byType, err := rt.Engine.Locations(ctx, name)
					if err != nil {
						return err
					}
					out[name] = byType
					for typ, locs := range byType {
						for _, l := range locs {
							rows = append(rows, locationRow{Region: name, ID: l.ID, Name: l.Name, City: l.City, Type: string(typ), Status: l.Status, Capacity: l.Capacity})
						}
					}
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				renderLocations(rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "region filter")
	return cmd
}

func eventsCmd() *cobra.Command {
	var limit int
	var cursor string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Page through store events",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := remoteClient()
			if c == nil {
				return fmt.Errorf("events requires --server")
			}
			page, err := c.EventsPage(cmd.Context(), limit, cursor)
			if err != nil {
				return err
			}
			return printJSON(page)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "cursor from a previous page")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			out, err := c.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Print the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault())
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

func authCmd() *cobra.Command {
	auth := &cobra.Command{Use: "auth", Short: "Manage API credentials"}
	var subject string
	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			signed, err := server.SignToken(cfg.Auth.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(signed)
			return nil
		},
	}
	token.Flags().StringVar(&subject, "subject", "", "actor id carried by the token")
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = token.MarkFlagRequired("subject")
	auth.AddCommand(token)
	return auth
}

// --- helpers ---

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadOptional(viper.GetString("config"))
	if err != nil {
		return nil, nil, err
	}
	if secret := viper.GetString("jwt-secret"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()
	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func remoteClient() *freightlinesdk.Client {
	base := strings.TrimSpace(viper.GetString("server"))
	if base == "" {
		return nil
	}
	c := freightlinesdk.New(base)
	c.BearerToken = viper.GetString("token")
	return c
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
