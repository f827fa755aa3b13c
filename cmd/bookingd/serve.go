package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bookingd/internal/api"
	"bookingd/internal/config"
	"bookingd/internal/database"
	"bookingd/internal/metrics"
	"bookingd/internal/report"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, calendar sync, reminders and scheduled reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if cfg.Monitoring.PrometheusEnabled {
				metrics.Register()
				go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, &logger)
			}
			go startHealthServer(ctx, cfg.Monitoring.HealthCheckPort, healthMux(ctx, a.db, a.rdb, a.reconciler), &logger)
			if cfg.Monitoring.GRPCHealthPort > 0 {
				go startGRPCHealth(ctx, cfg.Monitoring.GRPCHealthPort, &logger)
			}

			backups := database.NewBackupService(a.db, database.BackupConfig{
				Enabled:       cfg.Backup.Enabled,
				Interval:      cfg.BackupInterval(),
				StoragePath:   cfg.Backup.Path,
				RetentionDays: cfg.Backup.RetentionDays,
			}, &logger)
			go backups.Start(ctx)

			if a.reconciler != nil {
				go a.reconciler.Run(ctx)
			}
			if cfg.Reminders.Enabled {
				a.reminders.Start(ctx)
				defer a.reminders.Stop()
			}

			sched, err := schedule(ctx, a)
			if err != nil {
				return err
			}
			sched.Start()
			defer sched.Stop()

			// Hours and closures can change without a restart.
			if err := config.Watch(ctx, configPath, 30*time.Second, logger, func(c *config.Config) {
				cal, err := c.BusinessCalendar()
				if err != nil {
					logger.Error().Err(err).Msg("reloaded business hours rejected")
					return
				}
				a.resolver.SetCalendar(cal)
			}); err != nil {
				logger.Warn().Err(err).Msg("config watch disabled")
			}

			var srv *api.HTTPServer
			if cfg.API.Enabled {
				var rem api.Reminders
				if cfg.Reminders.Enabled {
					rem = a.reminders
				}
				srv = api.NewHTTPServer(api.Config{
					Addr:     cfg.API.Addr,
					APIKey:   cfg.API.APIKey,
					Location: cfg.Location(),
				}, a.store, rem, logger)
				go func() {
					if err := srv.Start(); err != nil {
						logger.Error().Err(err).Msg("HTTP API stopped")
						stop()
					}
				}()
			}

			logger.Info().
				Str("business", cfg.Business.Name).
				Str("calendar", cfg.Calendar.Provider).
				Bool("reminders", cfg.Reminders.Enabled).
				Msg("bookingd started")
			<-ctx.Done()

			if srv != nil {
				ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				if err := srv.Shutdown(ctxShutdown); err != nil {
					logger.Error().Err(err).Msg("HTTP API shutdown")
				}
			}
			logger.Info().Msg("bookingd stopped")
			return nil
		},
	}
}

// schedule registers the cron jobs the config enables.
func schedule(ctx context.Context, a *app) (*report.Scheduler, error) {
	cfg := a.cfg
	sched := report.NewScheduler(cfg.Location(), a.logger)

	if cfg.Report.DailySummary && len(cfg.Report.Admins) > 0 {
		if err := sched.Add(ctx, "daily-summary", cfg.Report.SummarySpec, func(ctx context.Context) error {
			_, err := a.summarizer.SendTomorrow(ctx)
			return err
		}); err != nil {
			return nil, err
		}
	}
	if cfg.Report.MonthlyExport {
		if a.telegram == nil || len(cfg.Report.ExportChatIDs) == 0 {
			a.logger.Warn().Msg("monthly export needs telegram and export_chat_ids, not scheduled")
		} else if err := sched.Add(ctx, "monthly-export", cfg.Report.ExportSpec, a.exportMonth); err != nil {
			return nil, err
		}
	}
	if cfg.Reminders.Enabled {
		if err := sched.Add(ctx, "reminder-cleanup", cfg.Report.CleanupSpec, func(ctx context.Context) error {
			_, err := a.reminders.Cleanup(ctx)
			return err
		}); err != nil {
			return nil, err
		}
	}
	return sched, nil
}
