package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"studyplan/internal/config"
	"studyplan/internal/db"
	"studyplan/internal/logging"
	"studyplan/internal/router"
	"studyplan/internal/service"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "studyplan",
		Short:         "Adaptive daily study plan service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "配置文件路径")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newBatchCommand())
	rootCmd.AddCommand(newGenerateCommand())
	rootCmd.AddCommand(newRulesCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("STUDYPLAN_CONFIG"); p != "" {
		return p
	}
	return "config/config.yaml"
}

// bootstrap 加载配置、初始化日志和数据库、组装服务
func bootstrap(ctx context.Context) (*service.ServiceContext, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	conn, err := db.InitDB(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}
	return service.NewServiceContext(ctx, cfg, conn, logger)
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the nightly scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer svc.Logger.Sync() //nolint:errcheck
			if err := svc.Start(ctx); err != nil {
				return err
			}

			gin.SetMode(svc.Config.Server.Mode)
			srv := &http.Server{
				Addr:    fmt.Sprintf(":%d", svc.Config.Server.Port),
				Handler: router.SetupRouter(svc),
			}
			errCh := make(chan error, 1)
			go func() {
				svc.Logger.Info("服务启动", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("启动服务失败: %w", err)
				}
			case <-ctx.Done():
			}

			svc.Logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				svc.Logger.Warn("http shutdown", zap.Error(err))
			}
			return svc.Close(shutdownCtx)
		},
	}
}

func newBatchCommand() *cobra.Command {
	var timeZone, date string
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run the scheduled generation once for one time zone",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer svc.Close(context.Background()) //nolint:errcheck

			report, err := svc.BatchRunner.RunBatch(ctx, timeZone, date)
			if err != nil {
				return err
			}
			if err := printJSON(report); err != nil {
				return err
			}
			if report.Failed > 0 {
				return fmt.Errorf("%d of %d students failed", report.Failed, len(report.Items))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&timeZone, "tz", "UTC", "IANA time zone of the students to plan")
	cmd.Flags().StringVar(&date, "date", "", "local date YYYY-MM-DD (default: today in --tz)")
	return cmd
}

func newGenerateCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "generate <studentId> <date>",
		Short: "Generate one student's plan on demand",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer svc.Close(context.Background()) //nolint:errcheck

			res, err := svc.Pipeline.Run(ctx, service.RunRequest{
				StudentID: args[0],
				Date:      args[1],
				Trigger:   service.TriggerOnDemand,
				Force:     force,
			})
			if err != nil {
				return err
			}
			return printJSON(res.Plan)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "regenerate even if a plan already exists")
	return cmd
}

func newRulesCommand() *cobra.Command {
	var ruleSetID string
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect or change the decision rules",
	}
	cmd.PersistentFlags().StringVar(&ruleSetID, "id", "", "rule set id (default: pipeline.rule_set_id)")

	resolveID := func(svc *service.ServiceContext) string {
		if ruleSetID != "" {
			return ruleSetID
		}
		return svc.Config.Pipeline.RuleSetID
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the current rule set",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close(context.Background()) //nolint:errcheck
			rs, err := svc.Rules.Get(cmd.Context(), resolveID(svc))
			if err != nil {
				return err
			}
			return printJSON(rs)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "set <path> <value>",
		Short:   "Update one rule field, e.g. subjectWeights.math 1.5",
		Args:    cobra.ExactArgs(2),
		Example: "studyplan rules set adjustment.upper 90",
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("value must be a number: %w", err)
			}
			svc, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close(context.Background()) //nolint:errcheck
			rs, err := svc.Rules.Update(cmd.Context(), resolveID(svc), args[0], value)
			if err != nil {
				return err
			}
			return printJSON(rs)
		},
	})
	return cmd
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
