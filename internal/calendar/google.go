package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"bookingd/internal/model"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const appointmentProperty = "bookingd_appointment"

// GoogleConfig configures the Google Calendar provider.
type GoogleConfig struct {
	CalendarID string
	// CredentialsFile is a service account key, or OAuth client secrets when
	// TokenFile is set.
	CredentialsFile string
	TokenFile       string
	Location        *time.Location

	// Endpoint and HTTPClient override the API target, mainly for tests.
	Endpoint   string
	HTTPClient *http.Client
}

// GoogleProvider talks to Google Calendar through the calendar/v3 API.
type GoogleProvider struct {
	svc        *gcal.Service
	calendarID string
	loc        *time.Location
}

// NewGoogleProvider builds an authenticated provider.
func NewGoogleProvider(ctx context.Context, cfg GoogleConfig) (*GoogleProvider, error) {
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	var opts []option.ClientOption
	switch {
	case cfg.HTTPClient != nil:
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	case cfg.CredentialsFile != "":
		ts, err := googleTokenSource(ctx, cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithTokenSource(ts))
	default:
		return nil, errors.New("google calendar: credentials file is required")
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("google calendar: create service: %w", err)
	}
	return &GoogleProvider{svc: svc, calendarID: cfg.CalendarID, loc: cfg.Location}, nil
}

func googleTokenSource(ctx context.Context, cfg GoogleConfig) (oauth2.TokenSource, error) {
	data, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("google calendar: read credentials: %w", err)
	}

	if cfg.TokenFile == "" {
		creds, err := google.CredentialsFromJSON(ctx, data, gcal.CalendarScope)
		if err != nil {
			return nil, fmt.Errorf("google calendar: parse credentials: %w", err)
		}
		return creds.TokenSource, nil
	}

	oauthCfg, err := google.ConfigFromJSON(data, gcal.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("google calendar: parse client secrets: %w", err)
	}
	f, err := os.Open(cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("google calendar: open token: %w", err)
	}
	defer f.Close()
	tok, err := decodeToken(f)
	if err != nil {
		return nil, fmt.Errorf("google calendar: decode token: %w", err)
	}
	return oauthCfg.TokenSource(ctx, tok), nil
}

func decodeToken(r io.Reader) (*oauth2.Token, error) {
	tok := &oauth2.Token{}
	if err := json.NewDecoder(r).Decode(tok); err != nil {
		return nil, err
	}
	return tok, nil
}

func (p *GoogleProvider) Name() string { return "google" }

func (p *GoogleProvider) ListEvents(ctx context.Context, from, to time.Time) ([]Event, error) {
	var out []Event
	call := p.svc.Events.List(p.calendarID).
		TimeMin(from.Format(time.RFC3339)).
		TimeMax(to.Format(time.RFC3339)).
		SingleEvents(true).
		ShowDeleted(true).
		MaxResults(250)
	err := call.Pages(ctx, func(page *gcal.Events) error {
		for _, item := range page.Items {
			ev, err := p.fromGoogle(item)
			if err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, classifyGoogle(fmt.Errorf("list events: %w", err))
	}
	return out, nil
}

func (p *GoogleProvider) UpsertEvent(ctx context.Context, ev Event) (Event, error) {
	body := p.toGoogle(ev)

	created, err := p.svc.Events.Insert(p.calendarID, body).Context(ctx).Do()
	if err == nil {
		return p.fromGoogle(created)
	}
	if googleCode(err) != http.StatusConflict {
		return Event{}, classifyGoogle(fmt.Errorf("insert event: %w", err))
	}

	updated, err := p.svc.Events.Update(p.calendarID, ev.ID, body).Context(ctx).Do()
	if err != nil {
		return Event{}, classifyGoogle(fmt.Errorf("update event: %w", err))
	}
	return p.fromGoogle(updated)
}

func (p *GoogleProvider) DeleteEvent(ctx context.Context, id string) error {
	err := p.svc.Events.Delete(p.calendarID, id).Context(ctx).Do()
	if code := googleCode(err); code == http.StatusNotFound || code == http.StatusGone {
		return nil
	}
	if err != nil {
		return classifyGoogle(fmt.Errorf("delete event: %w", err))
	}
	return nil
}

func (p *GoogleProvider) toGoogle(ev Event) *gcal.Event {
	status := string(ev.Status)
	if status == "" {
		status = string(EventConfirmed)
	}
	out := &gcal.Event{
		Id:          ev.ID,
		Summary:     ev.Summary,
		Description: ev.Description,
		Status:      status,
		Start:       &gcal.EventDateTime{DateTime: ev.Start.In(p.loc).Format(time.RFC3339), TimeZone: p.loc.String()},
		End:         &gcal.EventDateTime{DateTime: ev.End.In(p.loc).Format(time.RFC3339), TimeZone: p.loc.String()},
	}
	if ev.AppointmentID != "" {
		out.ExtendedProperties = &gcal.EventExtendedProperties{
			Private: map[string]string{appointmentProperty: ev.AppointmentID},
		}
	}
	return out
}

func (p *GoogleProvider) fromGoogle(item *gcal.Event) (Event, error) {
	ev := Event{
		ID:          item.Id,
		Summary:     item.Summary,
		Description: item.Description,
		Status:      EventStatus(item.Status),
		ETag:        item.Etag,
	}
	if ev.Status == "" {
		ev.Status = EventConfirmed
	}
	if item.ExtendedProperties != nil {
		ev.AppointmentID = item.ExtendedProperties.Private[appointmentProperty]
	}
	if item.Updated != "" {
		if t, err := time.Parse(time.RFC3339, item.Updated); err == nil {
			ev.Updated = t
		}
	}

	var err error
	if ev.Start, err = p.parseDateTime(item.Start); err != nil {
		return Event{}, fmt.Errorf("event %s start: %w", item.Id, err)
	}
	if ev.End, err = p.parseDateTime(item.End); err != nil {
		return Event{}, fmt.Errorf("event %s end: %w", item.Id, err)
	}
	return ev, nil
}

func (p *GoogleProvider) parseDateTime(dt *gcal.EventDateTime) (time.Time, error) {
	switch {
	case dt == nil:
		return time.Time{}, nil
	case dt.DateTime != "":
		return time.Parse(time.RFC3339, dt.DateTime)
	case dt.Date != "":
		return time.ParseInLocation(time.DateOnly, dt.Date, p.loc)
	}
	return time.Time{}, nil
}

func googleCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

// classifyGoogle maps API failures onto the engine's retry taxonomy.
func classifyGoogle(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		// Transport errors and timeouts.
		return model.Transient(err)
	}

	switch {
	case gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone:
		return model.Permanent(fmt.Errorf("%w: %w", ErrEventNotFound, err))
	case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
		return model.Transient(err)
	case gerr.Code == http.StatusForbidden:
		for _, item := range gerr.Errors {
			if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
				return model.Transient(err)
			}
		}
	}
	return model.Permanent(err)
}
