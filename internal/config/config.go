package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when neither --config nor BOOKINGD_CONFIG is set.
const DefaultPath = "configs/config.yaml"

type Config struct {
	Business struct {
		Name     string `yaml:"name"`
		Address  string `yaml:"address"`
		Phone    string `yaml:"phone"`
		Timezone string `yaml:"timezone"`

		// Hours maps a lowercase weekday ("monday") to its opening window.
		// A weekday that is missing or marked closed is not bookable.
		Hours    map[string]DayConfig `yaml:"hours"`
		Closures []ClosureConfig      `yaml:"closures"`
		Services []ServiceConfig      `yaml:"services"`

		BufferMinutes        int      `yaml:"buffer_minutes"`
		MaxDailyAppointments int      `yaml:"max_daily_appointments"`
		AutoConfirm          bool     `yaml:"auto_confirm"`
		Resources            []string `yaml:"resources"`
	} `yaml:"business"`

	Scheduling struct {
		Alternatives      int `yaml:"alternatives"`
		SearchHorizonDays int `yaml:"search_horizon_days"`
		StepMinutes       int `yaml:"step_minutes"`
	} `yaml:"scheduling"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Redis struct {
		Address        string `yaml:"address"`
		Password       string `yaml:"password"`
		DB             int    `yaml:"db"`
		LockTTLSeconds int    `yaml:"lock_ttl_seconds"`
	} `yaml:"redis"`

	Reminders struct {
		Enabled              bool     `yaml:"enabled"`
		LeadTimes            []string `yaml:"lead_times"`
		CheckIntervalSeconds int      `yaml:"check_interval_seconds"`
		GraceWindowMinutes   int      `yaml:"grace_window_minutes"`
		MaxRetries           int      `yaml:"max_retries"`
		RetryDelays          []string `yaml:"retry_delays"`
		MaxConcurrent        int      `yaml:"max_concurrent"`
		RetentionDays        int      `yaml:"retention_days"`
	} `yaml:"reminders"`

	Calendar struct {
		Provider            string `yaml:"provider"`
		CalendarID          string `yaml:"calendar_id"`
		SyncDirection       string `yaml:"sync_direction"`
		ConflictDetection   *bool  `yaml:"conflict_detection"`
		SyncIntervalMinutes int    `yaml:"sync_interval_minutes"`
		PullWindowDays      int    `yaml:"pull_window_days"`
		// BusyCache is "memory" or "redis".
		BusyCache string `yaml:"busy_cache"`

		Google struct {
			CredentialsFile string `yaml:"credentials_file"`
			TokenFile       string `yaml:"token_file"`
		} `yaml:"google"`

		CalDAV struct {
			URL          string `yaml:"url"`
			Username     string `yaml:"username"`
			Password     string `yaml:"password"`
			CalendarPath string `yaml:"calendar_path"`
		} `yaml:"caldav"`
	} `yaml:"calendar"`

	Channels struct {
		RatePerSecond float64 `yaml:"rate_per_second"`
		Burst         int     `yaml:"burst"`

		Telegram struct {
			Enabled  bool   `yaml:"enabled"`
			BotToken string `yaml:"bot_token"`
		} `yaml:"telegram"`

		Twilio struct {
			SMSEnabled      bool   `yaml:"sms_enabled"`
			WhatsAppEnabled bool   `yaml:"whatsapp_enabled"`
			AccountSID      string `yaml:"account_sid"`
			AuthToken       string `yaml:"auth_token"`
			FromNumber      string `yaml:"from_number"`
			WhatsAppNumber  string `yaml:"whatsapp_number"`
		} `yaml:"twilio"`

		Email struct {
			Enabled  bool   `yaml:"enabled"`
			Host     string `yaml:"host"`
			Port     int    `yaml:"port"`
			Username string `yaml:"username"`
			Password string `yaml:"password"`
			From     string `yaml:"from"`
		} `yaml:"email"`

		Webhook struct {
			Enabled        bool   `yaml:"enabled"`
			URL            string `yaml:"url"`
			Token          string `yaml:"token"`
			TimeoutSeconds int    `yaml:"timeout_seconds"`
		} `yaml:"webhook"`
	} `yaml:"channels"`

	Report struct {
		DailySummary  bool           `yaml:"daily_summary"`
		SummarySpec   string         `yaml:"summary_spec"`
		MonthlyExport bool           `yaml:"monthly_export"`
		ExportSpec    string         `yaml:"export_spec"`
		CleanupSpec   string         `yaml:"cleanup_spec"`
		Admins        []AdminContact `yaml:"admins"`
		ExportChatIDs []int64        `yaml:"export_chat_ids"`
	} `yaml:"report"`

	API struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
		APIKey  string `yaml:"api_key"`
	} `yaml:"api"`

	Monitoring struct {
		HealthCheckPort   int  `yaml:"health_check_port"`
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
		GRPCHealthPort    int  `yaml:"grpc_health_port"`
	} `yaml:"monitoring"`

	Backup struct {
		Enabled       bool   `yaml:"enabled"`
		IntervalHours int    `yaml:"interval_hours"`
		Path          string `yaml:"path"`
		RetentionDays int    `yaml:"retention_days"`
	} `yaml:"backup"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// DayConfig is the opening window of one weekday.
type DayConfig struct {
	Open   string        `yaml:"open"`  // "09:00"
	Close  string        `yaml:"close"` // "18:00"
	Closed bool          `yaml:"closed"`
	Breaks []BreakConfig `yaml:"breaks,omitempty"`
}

// BreakConfig is a recurring pause such as lunch.
type BreakConfig struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// ClosureConfig closes the business on one date.
type ClosureConfig struct {
	Date string `yaml:"date"` // "2026-12-25"
	Name string `yaml:"name"`
}

// ServiceConfig is a catalogue entry.
type ServiceConfig struct {
	ID              string  `yaml:"id"`
	Name            string  `yaml:"name"`
	Price           float64 `yaml:"price"`
	DurationMinutes int     `yaml:"duration_minutes"`
}

// AdminContact receives the daily summary.
type AdminContact struct {
	Name           string `yaml:"name"`
	Phone          string `yaml:"phone"`
	Email          string `yaml:"email"`
	TelegramChatID int64  `yaml:"telegram_chat_id"`
}

// ResolvePath picks the config file: the explicit path, then
// BOOKINGD_CONFIG, then DefaultPath.
func ResolvePath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("BOOKINGD_CONFIG"); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads .env (if present), the YAML file at path with ${VAR}
// placeholders expanded, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()
	path = ResolvePath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates YAML config data.
func Parse(data []byte) (*Config, error) {
	// Support ${ENV_VAR} placeholders in YAML config.
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Business.Name == "" {
		c.Business.Name = "Your Business"
	}
	if c.Business.Timezone == "" {
		c.Business.Timezone = "UTC"
	}
	if len(c.Business.Hours) == 0 {
		c.Business.Hours = DefaultHours()
	}
	if c.Business.BufferMinutes <= 0 {
		c.Business.BufferMinutes = 15
	}
	if len(c.Business.Resources) == 0 {
		c.Business.Resources = []string{"default"}
	}

	if c.Scheduling.Alternatives <= 0 {
		c.Scheduling.Alternatives = 3
	}
	if c.Scheduling.SearchHorizonDays <= 0 {
		c.Scheduling.SearchHorizonDays = 14
	}

	if c.Database.Path == "" {
		c.Database.Path = "data/bookingd.db"
	}

	if len(c.Reminders.LeadTimes) == 0 {
		c.Reminders.LeadTimes = []string{"24h", "2h"}
	}

	if c.Calendar.Provider == "" {
		c.Calendar.Provider = "none"
	}
	if c.Calendar.CalendarID == "" {
		c.Calendar.CalendarID = "primary"
	}
	if c.Calendar.SyncDirection == "" {
		c.Calendar.SyncDirection = "both"
	}
	if c.Calendar.PullWindowDays <= 0 {
		c.Calendar.PullWindowDays = 30
	}
	if c.Calendar.BusyCache == "" {
		c.Calendar.BusyCache = "memory"
	}

	if c.Channels.Email.Port == 0 {
		c.Channels.Email.Port = 587
	}

	if c.Report.SummarySpec == "" {
		c.Report.SummarySpec = "0 9 * * *"
	}
	if c.Report.ExportSpec == "" {
		c.Report.ExportSpec = "0 6 1 * *"
	}
	if c.Report.CleanupSpec == "" {
		c.Report.CleanupSpec = "30 3 * * *"
	}

	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
	if c.Monitoring.HealthCheckPort == 0 {
		c.Monitoring.HealthCheckPort = 8090
	}
	if c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.Backup.Path == "" {
		c.Backup.Path = "backups"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

// DefaultHours is Monday to Friday 09:00-18:00 with a lunch break and
// Saturday 10:00-16:00.
func DefaultHours() map[string]DayConfig {
	weekday := DayConfig{Open: "09:00", Close: "18:00", Breaks: []BreakConfig{{Start: "12:00", End: "13:00"}}}
	return map[string]DayConfig{
		"monday":    weekday,
		"tuesday":   weekday,
		"wednesday": weekday,
		"thursday":  weekday,
		"friday":    weekday,
		"saturday":  {Open: "10:00", Close: "16:00"},
		"sunday":    {Closed: true},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Business.Timezone); err != nil {
		return fmt.Errorf("business.timezone: %w", err)
	}

	for day, h := range c.Business.Hours {
		if _, ok := weekdays[strings.ToLower(day)]; !ok {
			return fmt.Errorf("business.hours: unknown weekday %q", day)
		}
		if h.Closed {
			continue
		}
		if _, err := parseDay(h); err != nil {
			return fmt.Errorf("business.hours.%s: %w", day, err)
		}
	}

	for i, cl := range c.Business.Closures {
		if _, err := time.Parse("2006-01-02", cl.Date); err != nil {
			return fmt.Errorf("business.closures[%d]: invalid date format '%s', expected YYYY-MM-DD", i, cl.Date)
		}
	}

	ids := make(map[string]bool)
	for i, s := range c.Business.Services {
		if s.Name == "" {
			return fmt.Errorf("business.services[%d]: name is required", i)
		}
		if s.DurationMinutes < 0 {
			return fmt.Errorf("business.services[%d]: duration_minutes cannot be negative", i)
		}
		if s.Price < 0 {
			return fmt.Errorf("business.services[%d]: price cannot be negative", i)
		}
		id := serviceID(s)
		if ids[id] {
			return fmt.Errorf("business.services[%d]: duplicate id '%s'", i, id)
		}
		ids[id] = true
	}

	if c.Business.MaxDailyAppointments < 0 {
		return fmt.Errorf("business.max_daily_appointments cannot be negative")
	}
	if c.Scheduling.StepMinutes < 0 {
		return fmt.Errorf("scheduling.step_minutes cannot be negative")
	}

	if _, err := c.LeadTimes(); err != nil {
		return err
	}
	if _, err := c.RetryDelays(); err != nil {
		return err
	}

	switch c.Calendar.Provider {
	case "none", "google", "caldav":
	default:
		return fmt.Errorf("calendar.provider: must be one of none|google|caldav, got %q", c.Calendar.Provider)
	}
	switch c.Calendar.SyncDirection {
	case "none", "push", "pull", "both":
	default:
		return fmt.Errorf("calendar.sync_direction: must be one of none|push|pull|both, got %q", c.Calendar.SyncDirection)
	}
	switch c.Calendar.BusyCache {
	case "memory", "redis":
	default:
		return fmt.Errorf("calendar.busy_cache: must be memory or redis, got %q", c.Calendar.BusyCache)
	}
	if c.Calendar.BusyCache == "redis" && c.Redis.Address == "" {
		return fmt.Errorf("calendar.busy_cache: redis requires redis.address")
	}
	if c.Calendar.Provider == "caldav" && c.Calendar.CalDAV.URL == "" {
		return fmt.Errorf("calendar.caldav.url is required for the caldav provider")
	}

	if err := c.validateChannels(); err != nil {
		return err
	}

	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: must be console or json, got %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateChannels() error {
	ch := c.Channels
	if ch.Telegram.Enabled && ch.Telegram.BotToken == "" {
		return fmt.Errorf("channels.telegram.bot_token is required when telegram is enabled")
	}
	if (ch.Twilio.SMSEnabled || ch.Twilio.WhatsAppEnabled) && (ch.Twilio.AccountSID == "" || ch.Twilio.AuthToken == "") {
		return fmt.Errorf("channels.twilio: account_sid and auth_token are required")
	}
	if ch.Twilio.SMSEnabled && ch.Twilio.FromNumber == "" {
		return fmt.Errorf("channels.twilio.from_number is required for sms")
	}
	if ch.Twilio.WhatsAppEnabled && ch.Twilio.WhatsAppNumber == "" {
		return fmt.Errorf("channels.twilio.whatsapp_number is required for whatsapp")
	}
	if ch.Email.Enabled && (ch.Email.Host == "" || ch.Email.From == "") {
		return fmt.Errorf("channels.email: host and from are required")
	}
	if ch.Webhook.Enabled && ch.Webhook.URL == "" {
		return fmt.Errorf("channels.webhook.url is required when the webhook is enabled")
	}
	if ch.RatePerSecond < 0 || ch.Burst < 0 {
		return fmt.Errorf("channels: rate_per_second and burst cannot be negative")
	}
	return nil
}

// Location returns the business timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Business.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LeadTimes parses reminders.lead_times ("24h", "2h", "30m").
func (c *Config) LeadTimes() ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(c.Reminders.LeadTimes))
	for i, raw := range c.Reminders.LeadTimes {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("reminders.lead_times[%d]: %w", i, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("reminders.lead_times[%d]: must be positive, got %s", i, raw)
		}
		out = append(out, d)
	}
	return out, nil
}

// RetryDelays parses reminders.retry_delays; empty keeps the scheduler default.
func (c *Config) RetryDelays() ([]time.Duration, error) {
	var out []time.Duration
	for i, raw := range c.Reminders.RetryDelays {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("reminders.retry_delays[%d]: %w", i, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("reminders.retry_delays[%d]: must be positive, got %s", i, raw)
		}
		out = append(out, d)
	}
	return out, nil
}

func (c *Config) Buffer() time.Duration {
	return time.Duration(c.Business.BufferMinutes) * time.Minute
}

func (c *Config) SearchHorizon() time.Duration {
	return time.Duration(c.Scheduling.SearchHorizonDays) * 24 * time.Hour
}

func (c *Config) SlotStep() time.Duration {
	return time.Duration(c.Scheduling.StepMinutes) * time.Minute
}

func (c *Config) ReminderCheckInterval() time.Duration {
	if c.Reminders.CheckIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.Reminders.CheckIntervalSeconds) * time.Second
}

func (c *Config) ReminderGraceWindow() time.Duration {
	if c.Reminders.GraceWindowMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.Reminders.GraceWindowMinutes) * time.Minute
}

func (c *Config) ReminderRetention() time.Duration {
	if c.Reminders.RetentionDays <= 0 {
		return 30 * 24 * time.Hour
	}
	return time.Duration(c.Reminders.RetentionDays) * 24 * time.Hour
}

func (c *Config) SyncInterval() time.Duration {
	if c.Calendar.SyncIntervalMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Calendar.SyncIntervalMinutes) * time.Minute
}

func (c *Config) PullWindow() time.Duration {
	return time.Duration(c.Calendar.PullWindowDays) * 24 * time.Hour
}

// ConflictDetectionEnabled defaults to true when unset.
func (c *Config) ConflictDetectionEnabled() bool {
	return c.Calendar.ConflictDetection == nil || *c.Calendar.ConflictDetection
}

func (c *Config) LockTTL() time.Duration {
	if c.Redis.LockTTLSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Redis.LockTTLSeconds) * time.Second
}

func (c *Config) WebhookTimeout() time.Duration {
	if c.Channels.Webhook.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Channels.Webhook.TimeoutSeconds) * time.Second
}

func (c *Config) BackupInterval() time.Duration {
	if c.Backup.IntervalHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Backup.IntervalHours) * time.Hour
}

// EnsureDirs creates the directories the database and backups live in.
func (c *Config) EnsureDirs() error {
	if err := os.MkdirAll(filepath.Dir(c.Database.Path), 0o755); err != nil {
		return err
	}
	if c.Backup.Enabled {
		return os.MkdirAll(c.Backup.Path, 0o755)
	}
	return nil
}
