package model

import (
	"strings"
	"time"
)

// DefaultServiceDuration applies to services missing from the catalogue.
const DefaultServiceDuration = 60 * time.Minute

// Service is a bookable offering. Price and duration are copied onto the
// appointment at booking time.
type Service struct {
	ID       string        `json:"id" yaml:"id"`
	Name     string        `json:"name" yaml:"name"`
	Price    float64       `json:"price" yaml:"price"`
	Duration time.Duration `json:"duration" yaml:"-"`
}

// Catalogue looks services up by id or display name.
type Catalogue struct {
	services []Service
}

// NewCatalogue builds a catalogue; an empty list yields the default set.
func NewCatalogue(services []Service) *Catalogue {
	if len(services) == 0 {
		services = DefaultServices()
	}
	return &Catalogue{services: append([]Service(nil), services...)}
}

// DefaultServices is the built-in salon catalogue.
func DefaultServices() []Service {
	return []Service{
		{ID: "haircut", Name: "Haircut", Price: 35, Duration: 45 * time.Minute},
		{ID: "styling", Name: "Styling", Price: 25, Duration: 30 * time.Minute},
		{ID: "coloring", Name: "Coloring", Price: 90, Duration: 120 * time.Minute},
		{ID: "treatment", Name: "Treatment", Price: 50, Duration: 60 * time.Minute},
		{ID: "special-event", Name: "Special Event", Price: 80, Duration: 90 * time.Minute},
	}
}

// Lookup finds a service by id or case-insensitive name.
func (c *Catalogue) Lookup(key string) (Service, bool) {
	key = strings.TrimSpace(key)
	for _, s := range c.services {
		if s.ID == key || strings.EqualFold(s.Name, key) {
			return s, true
		}
	}
	return Service{}, false
}

// Resolve returns the service for key, falling back to an ad-hoc entry with
// the default duration.
func (c *Catalogue) Resolve(key string) Service {
	if s, ok := c.Lookup(key); ok {
		return s
	}
	return Service{ID: key, Name: key, Duration: DefaultServiceDuration}
}

// All returns a copy of the catalogue.
func (c *Catalogue) All() []Service {
	return append([]Service(nil), c.services...)
}
