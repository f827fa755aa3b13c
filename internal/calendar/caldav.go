package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"bookingd/internal/model"
	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
)

// PropAppointment tags events created by this service with their appointment id.
const PropAppointment = "X-BOOKINGD-APPOINTMENT"

// errCalDAVNotFound is returned by the transport when the server answers 404.
var errCalDAVNotFound = errors.New("caldav: resource not found")

// notFoundClient turns 404 responses into errCalDAVNotFound so callers can
// tell a missing resource from other failures.
type notFoundClient struct {
	next webdav.HTTPClient
}

func (c notFoundClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.next.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s %s", errCalDAVNotFound, req.Method, req.URL.Path)
	}
	return resp, nil
}

// CalDAVConfig configures the CalDAV provider (Apple Calendar, Fastmail, Nextcloud, ...).
type CalDAVConfig struct {
	URL          string
	Username     string
	Password     string
	CalendarPath string
	Timeout      time.Duration
}

// CalDAVProvider stores appointments as VEVENTs in a CalDAV collection.
type CalDAVProvider struct {
	client *caldav.Client

	mu      sync.Mutex
	calPath string
	// paths remembers where events not created by us live, keyed by UID.
	paths map[string]string
}

func NewCalDAVProvider(cfg CalDAVConfig) (*CalDAVProvider, error) {
	if cfg.URL == "" {
		return nil, errors.New("caldav: url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	transport := notFoundClient{next: webdav.HTTPClientWithBasicAuth(httpClient, cfg.Username, cfg.Password)}
	client, err := caldav.NewClient(transport, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("caldav: create client: %w", err)
	}
	return &CalDAVProvider{
		client:  client,
		calPath: cfg.CalendarPath,
		paths:   make(map[string]string),
	}, nil
}

func (p *CalDAVProvider) Name() string { return "caldav" }

func (p *CalDAVProvider) calendarPath(ctx context.Context) (string, error) {
	p.mu.Lock()
	path := p.calPath
	p.mu.Unlock()
	if path != "" {
		return path, nil
	}

	principal, err := p.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", classifyCalDAV(fmt.Errorf("find principal: %w", err))
	}
	homeSet, err := p.client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", classifyCalDAV(fmt.Errorf("find calendar home set: %w", err))
	}
	cals, err := p.client.FindCalendars(ctx, homeSet)
	if err != nil {
		return "", classifyCalDAV(fmt.Errorf("find calendars: %w", err))
	}
	if len(cals) == 0 {
		return "", model.Permanent(errors.New("caldav: no calendars found"))
	}

	p.mu.Lock()
	p.calPath = cals[0].Path
	p.mu.Unlock()
	return cals[0].Path, nil
}

func (p *CalDAVProvider) eventPath(calPath, id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if path, ok := p.paths[id]; ok {
		return path
	}
	return calPath + id + ".ics"
}

func (p *CalDAVProvider) ListEvents(ctx context.Context, from, to time.Time) ([]Event, error) {
	calPath, err := p.calendarPath(ctx)
	if err != nil {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  "VCALENDAR",
			Props: []string{"VERSION"},
			Comps: []caldav.CalendarCompRequest{{
				Name: "VEVENT",
				Props: []string{
					"UID", "SUMMARY", "DESCRIPTION", "DTSTART", "DTEND", "DURATION",
					"STATUS", "LAST-MODIFIED", PropAppointment,
				},
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{{
				Name:  "VEVENT",
				Start: from,
				End:   to,
			}},
		},
	}

	objects, err := p.client.QueryCalendar(ctx, calPath, query)
	if err != nil {
		return nil, classifyCalDAV(fmt.Errorf("query calendar: %w", err))
	}

	events := make([]Event, 0, len(objects))
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range objects {
		ev, ok := eventFromObject(&objects[i])
		if !ok {
			continue
		}
		if objects[i].Path != calPath+ev.ID+".ics" {
			p.paths[ev.ID] = objects[i].Path
		}
		events = append(events, ev)
	}
	return events, nil
}

func (p *CalDAVProvider) UpsertEvent(ctx context.Context, ev Event) (Event, error) {
	calPath, err := p.calendarPath(ctx)
	if err != nil {
		return Event{}, err
	}
	path := p.eventPath(calPath, ev.ID)

	obj, err := p.client.PutCalendarObject(ctx, path, toICalendar(ev, time.Now()))
	if err != nil {
		return Event{}, classifyCalDAV(fmt.Errorf("put event: %w", err))
	}

	out := ev
	out.ETag = obj.ETag
	out.Updated = obj.ModTime
	if out.Updated.IsZero() {
		out.Updated = time.Now()
	}
	if out.Status == "" {
		out.Status = EventConfirmed
	}
	return out, nil
}

func (p *CalDAVProvider) DeleteEvent(ctx context.Context, id string) error {
	calPath, err := p.calendarPath(ctx)
	if err != nil {
		return err
	}
	if err := p.client.RemoveAll(ctx, p.eventPath(calPath, id)); err != nil {
		if errors.Is(err, errCalDAVNotFound) {
			return nil
		}
		return classifyCalDAV(fmt.Errorf("delete event: %w", err))
	}
	return nil
}

func toICalendar(ev Event, stamp time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//bookingd//Appointments//EN")

	vevent := ical.NewEvent()
	vevent.Props.SetText(ical.PropUID, ev.ID)
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
	vevent.Props.SetDateTime(ical.PropDateTimeStart, ev.Start.UTC())
	vevent.Props.SetDateTime(ical.PropDateTimeEnd, ev.End.UTC())
	vevent.Props.SetText(ical.PropSummary, ev.Summary)
	if ev.Description != "" {
		vevent.Props.SetText(ical.PropDescription, ev.Description)
	}
	status := ev.Status
	if status == "" {
		status = EventConfirmed
	}
	vevent.Props.SetText(ical.PropStatus, strings.ToUpper(string(status)))
	if ev.AppointmentID != "" {
		prop := ical.NewProp(PropAppointment)
		prop.Value = ev.AppointmentID
		vevent.Props[PropAppointment] = []ical.Prop{*prop}
	}

	cal.Children = append(cal.Children, vevent.Component)
	return cal
}

func eventFromObject(obj *caldav.CalendarObject) (Event, bool) {
	if obj == nil || obj.Data == nil {
		return Event{}, false
	}
	for _, child := range obj.Data.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		vevent := &ical.Event{Component: child}

		ev := Event{
			ETag:    obj.ETag,
			Updated: obj.ModTime,
			Status:  EventConfirmed,
		}
		if prop := child.Props.Get(ical.PropUID); prop != nil {
			ev.ID = prop.Value
		}
		if ev.ID == "" {
			return Event{}, false
		}
		if summary, err := child.Props.Text(ical.PropSummary); err == nil {
			ev.Summary = summary
		}
		if desc, err := child.Props.Text(ical.PropDescription); err == nil {
			ev.Description = desc
		}
		if prop := child.Props.Get(ical.PropStatus); prop != nil && prop.Value != "" {
			ev.Status = EventStatus(strings.ToLower(prop.Value))
		}
		if prop := child.Props.Get(PropAppointment); prop != nil {
			ev.AppointmentID = prop.Value
		}
		if prop := child.Props.Get(ical.PropLastModified); prop != nil {
			if t, err := prop.DateTime(time.UTC); err == nil {
				ev.Updated = t
			}
		}
		if ev.ETag == "" {
			// Some servers omit getetag in REPORT responses.
			ev.ETag = ev.Updated.UTC().Format(time.RFC3339Nano)
		}

		start, err := vevent.DateTimeStart(time.UTC)
		if err != nil {
			return Event{}, false
		}
		end, err := vevent.DateTimeEnd(time.UTC)
		if err != nil {
			return Event{}, false
		}
		ev.Start, ev.End = start, end
		return ev, true
	}
	return Event{}, false
}

// classifyCalDAV maps client failures onto the retry taxonomy. Only a 404 is
// known to be final; anything else is retried.
func classifyCalDAV(err error) error {
	if errors.Is(err, errCalDAVNotFound) {
		return model.Permanent(fmt.Errorf("%w: %w", ErrEventNotFound, err))
	}
	return model.Transient(err)
}
