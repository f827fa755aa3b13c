package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bookingd/internal/model"

	"github.com/spf13/cobra"
)

// withApp loads config, builds the engine and runs fn with it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one calendar reconciliation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if a.reconciler == nil {
					return errors.New("no calendar provider configured")
				}
				res, err := a.reconciler.RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

func remindCmd() *cobra.Command {
	var testID string
	cmd := &cobra.Command{
		Use:   "remind",
		Short: "Process due reminders once, or send a test reminder",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if testID != "" {
					if err := a.reminders.SendTest(ctx, testID); err != nil {
						return err
					}
					fmt.Println("test reminder sent")
					return nil
				}
				res, err := a.reminders.Tick(ctx)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&testID, "test", "", "send a test reminder for this appointment id")
	return cmd
}

func exportCmd() *cobra.Command {
	var month, outDir string
	var send bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a month of appointments to an xlsx workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if send {
					return a.exportMonth(ctx)
				}
				m := time.Now().In(a.cfg.Location())
				if month != "" {
					var err error
					m, err = time.ParseInLocation("2006-01", month, a.cfg.Location())
					if err != nil {
						return fmt.Errorf("--month: %w", err)
					}
				}
				exp, err := a.exporter.Export(ctx, m)
				if err != nil {
					return err
				}
				path := filepath.Join(outDir, exp.Filename)
				if err := os.WriteFile(path, exp.Data, 0o644); err != nil {
					return err
				}
				fmt.Println(path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&month, "month", "", "month to export as YYYY-MM (default current month)")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "output directory")
	cmd.Flags().BoolVar(&send, "send", false, "send the previous month to the configured telegram chats instead")
	return cmd
}

func reportCmd() *cobra.Command {
	var date, resource string
	var summary bool
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print a day's schedule analysis, or send tomorrow's summary to admins",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if summary {
					sum, err := a.summarizer.SendTomorrow(ctx)
					if err != nil {
						return err
					}
					fmt.Println(sum.Text())
					return nil
				}
				day := time.Now().In(a.cfg.Location())
				if date != "" {
					var err error
					day, err = time.ParseInLocation(time.DateOnly, date, a.cfg.Location())
					if err != nil {
						return fmt.Errorf("--date: %w", err)
					}
				}
				rep, err := a.store.DayReport(ctx, resource, day)
				if err != nil {
					return err
				}
				return printJSON(rep)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day to analyse as YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&resource, "resource", model.DefaultResource, "resource id")
	cmd.Flags().BoolVar(&summary, "summary", false, "send tomorrow's summary instead")
	return cmd
}
