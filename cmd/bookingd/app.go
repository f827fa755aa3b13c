package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"bookingd/internal/calendar"
	"bookingd/internal/config"
	"bookingd/internal/database"
	"bookingd/internal/events"
	"bookingd/internal/lock"
	"bookingd/internal/model"
	"bookingd/internal/notify"
	"bookingd/internal/reminders"
	"bookingd/internal/report"
	"bookingd/internal/resolver"
	"bookingd/internal/store"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app holds the wired engine. Components that are disabled in config are nil.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	db         *database.DB
	rdb        *redis.Client
	bus        *events.EventBus
	resolver   *resolver.Resolver
	store      *store.Store
	reconciler *calendar.Reconciler
	dispatcher *notify.Dispatcher
	telegram   *notify.Telegram
	reminders  *reminders.Service
	exporter   *report.Exporter
	summarizer *report.Summarizer
}

func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if format == "json" {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}

// newApp opens storage and builds every component the config enables. The
// caller owns Close.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a.db = db

	if cfg.Redis.Address != "" {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	}

	var locker lock.Locker = lock.NewLocalLocker()
	if a.rdb != nil {
		locker = lock.NewRedisLocker(a.rdb, lock.RedisConfig{Prefix: "bookingd:lock:", TTL: cfg.LockTTL()}, logger)
	}

	cal, err := cfg.BusinessCalendar()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.bus = events.NewEventBus(logger)
	a.resolver = resolver.New(resolver.Config{
		Alternatives: cfg.Scheduling.Alternatives,
		Horizon:      cfg.SearchHorizon(),
		Step:         cfg.SlotStep(),
		MaxDaily:     cfg.Business.MaxDailyAppointments,
	}, cal, nil, logger)
	a.store = store.New(db, a.resolver, locker, cfg.Catalogue(), a.bus, store.Config{
		AutoConfirm: cfg.Business.AutoConfirm,
		Buffer:      cfg.Buffer(),
	}, logger)

	if err := a.buildCalendar(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildNotifications(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildReminders(); err != nil {
		a.Close()
		return nil, err
	}

	a.exporter = report.NewExporter(a.store, db, a.reminders, cfg.Location(), logger)
	a.summarizer = report.NewSummarizer(a.store, a.dispatcher, cfg.Admins(), cfg.Location(), logger)

	a.subscribe()
	return a, nil
}

func (a *app) buildCalendar(ctx context.Context) error {
	cfg := a.cfg
	var provider calendar.Provider
	switch cfg.Calendar.Provider {
	case "google":
		p, err := calendar.NewGoogleProvider(ctx, calendar.GoogleConfig{
			CalendarID:      cfg.Calendar.CalendarID,
			CredentialsFile: cfg.Calendar.Google.CredentialsFile,
			TokenFile:       cfg.Calendar.Google.TokenFile,
			Location:        cfg.Location(),
		})
		if err != nil {
			return fmt.Errorf("google calendar: %w", err)
		}
		provider = p
	case "caldav":
		p, err := calendar.NewCalDAVProvider(calendar.CalDAVConfig{
			URL:          cfg.Calendar.CalDAV.URL,
			Username:     cfg.Calendar.CalDAV.Username,
			Password:     cfg.Calendar.CalDAV.Password,
			CalendarPath: cfg.Calendar.CalDAV.CalendarPath,
		})
		if err != nil {
			return fmt.Errorf("caldav calendar: %w", err)
		}
		provider = p
	default:
		return nil
	}

	direction, err := calendar.ParseDirection(cfg.Calendar.SyncDirection)
	if err != nil {
		return err
	}

	var busy calendar.BusyCache
	if cfg.Calendar.BusyCache == "redis" && a.rdb != nil {
		busy = calendar.NewRedisBusyCache(a.rdb, "bookingd:calendar:busy", 2*cfg.SyncInterval())
	} else {
		busy = calendar.NewMemoryBusyCache()
	}

	resourceID := model.DefaultResource
	if len(cfg.Business.Resources) > 0 {
		resourceID = cfg.Business.Resources[0]
	}

	a.reconciler = calendar.NewReconciler(calendar.Config{
		Direction:         direction,
		ResourceID:        resourceID,
		Interval:          cfg.SyncInterval(),
		Window:            cfg.PullWindow(),
		ConflictDetection: cfg.ConflictDetectionEnabled(),
	}, calendar.NewBreakerProvider(provider, calendar.DefaultBreakerConfig(), a.logger),
		a.store, database.NewMirrorRepository(a.db), busy, a.logger)

	if cfg.ConflictDetectionEnabled() && direction != calendar.DirectionNone {
		a.resolver.SetExternal(a.reconciler)
	}
	return nil
}

func (a *app) buildNotifications() error {
	ch := a.cfg.Channels
	var channels []notify.Channel

	if ch.Telegram.Enabled {
		tg, err := notify.NewTelegramBot(ch.Telegram.BotToken)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		a.telegram = tg
		channels = append(channels, tg)
	}
	if ch.Twilio.SMSEnabled || ch.Twilio.WhatsAppEnabled {
		api := notify.NewTwilioClient(notify.TwilioConfig{
			AccountSID:     ch.Twilio.AccountSID,
			AuthToken:      ch.Twilio.AuthToken,
			FromNumber:     ch.Twilio.FromNumber,
			WhatsAppNumber: ch.Twilio.WhatsAppNumber,
		})
		if ch.Twilio.SMSEnabled {
			channels = append(channels, notify.NewTwilioSMS(api, ch.Twilio.FromNumber))
		}
		if ch.Twilio.WhatsAppEnabled {
			channels = append(channels, notify.NewTwilioWhatsApp(api, ch.Twilio.WhatsAppNumber))
		}
	}
	if ch.Email.Enabled {
		channels = append(channels, notify.NewEmail(notify.SMTPConfig{
			Host:     ch.Email.Host,
			Port:     ch.Email.Port,
			Username: ch.Email.Username,
			Password: ch.Email.Password,
			From:     ch.Email.From,
		}))
	}
	if ch.Webhook.Enabled {
		channels = append(channels, notify.NewWebhook(notify.WebhookConfig{
			URL:     ch.Webhook.URL,
			Token:   ch.Webhook.Token,
			Timeout: a.cfg.WebhookTimeout(),
		}))
	}
	if len(channels) == 0 {
		a.logger.Warn().Msg("no notification channels enabled, reminders will fail as unreachable")
	}

	a.dispatcher = notify.NewDispatcher(notify.DispatcherConfig{Rate: ch.RatePerSecond, Burst: ch.Burst}, a.logger, channels...)
	return nil
}

func (a *app) buildReminders() error {
	cfg := a.cfg
	leads, err := cfg.LeadTimes()
	if err != nil {
		return err
	}
	delays, err := cfg.RetryDelays()
	if err != nil {
		return err
	}

	a.reminders = reminders.NewService(&reminders.Config{
		CheckInterval:              cfg.ReminderCheckInterval(),
		LeadTimes:                  leads,
		GraceWindow:                cfg.ReminderGraceWindow(),
		MaxConcurrentNotifications: cfg.Reminders.MaxConcurrent,
		Retention:                  cfg.ReminderRetention(),
		Business: reminders.BusinessInfo{
			Name:     cfg.Business.Name,
			Location: cfg.Business.Address,
			Phone:    cfg.Business.Phone,
		},
		Location: cfg.Location(),
		Retry: reminders.RetryConfig{
			MaxRetries:  cfg.Reminders.MaxRetries,
			RetryDelays: delays,
		},
		Rate: reminders.DefaultRateLimiterConfig(),
	}, database.NewReminderRepository(a.db), a.store, a.dispatcher, a.logger)
	return nil
}

// subscribe lets committed changes reach the background workers without
// waiting for their next tick.
func (a *app) subscribe() {
	if a.reconciler != nil {
		a.bus.Subscribe(func(events.Event) error {
			a.reconciler.Trigger()
			return nil
		}, events.AppointmentCreated, events.AppointmentRescheduled, events.AppointmentStatus)
	}
	if a.cfg.Reminders.Enabled {
		a.bus.Subscribe(func(events.Event) error {
			a.reminders.Kick()
			return nil
		}, events.AppointmentCreated, events.AppointmentImported, events.AppointmentRescheduled, events.AppointmentStatus)
	}
}

// exportMonth renders the previous month's workbook to the admin chats.
func (a *app) exportMonth(ctx context.Context) error {
	if a.telegram == nil {
		return errors.New("monthly export needs the telegram channel")
	}
	return a.exporter.ExportPreviousMonth(ctx, time.Now(), a.telegram, a.cfg.Report.ExportChatIDs)
}

func (a *app) Close() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Error().Err(err).Msg("close redis")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error().Err(err).Msg("close db")
		}
	}
}
