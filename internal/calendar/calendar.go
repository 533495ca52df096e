// Package calendar supplies scheduled economic events to the execution gate.
package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Impact grades an event
type Impact string

const (
	ImpactLow    Impact = "LOW"
	ImpactMedium Impact = "MEDIUM"
	ImpactHigh   Impact = "HIGH"
)

// Event is one scheduled release
type Event struct {
	ID       string    `json:"id"`
	Currency string    `json:"currency"`
	Title    string    `json:"title"`
	Impact   Impact    `json:"impact"`
	Time     time.Time `json:"time"`
}

// Source returns high-impact events for a currency scheduled in [from, to]
type Source interface {
	UpcomingHighImpactEvents(ctx context.Context, currency string, from, to time.Time) ([]Event, error)
}

// Window is the blackout around an event
type Window struct {
	Before time.Duration
	After  time.Duration
}

// Bounds returns the [from, to] range of event times whose blackout covers now
func (w Window) Bounds(now time.Time) (time.Time, time.Time) {
	return now.Add(-w.After), now.Add(w.Before)
}

// Static is an in-memory event list, loaded from config or a repository
type Static struct {
	mu     sync.RWMutex
	events []Event
}

// NewStatic creates a source from a fixed event list
func NewStatic(events ...Event) *Static {
	s := &Static{}
	s.Replace(events)
	return s
}

// Replace swaps the event list
func (s *Static) Replace(events []Event) {
	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	s.mu.Lock()
	s.events = sorted
	s.mu.Unlock()
}

func (s *Static) UpcomingHighImpactEvents(ctx context.Context, currency string, from, to time.Time) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	currency = strings.ToUpper(currency)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, e := range s.events {
		if e.Time.After(to) {
			break
		}
		if e.Time.Before(from) || e.Impact != ImpactHigh || strings.ToUpper(e.Currency) != currency {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// LoadFile reads a JSON array of events. Events without an ID get one
// derived from currency, title and time so reloads stay idempotent.
func LoadFile(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calendar file: %w", err)
	}
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("parse calendar file: %w", err)
	}
	for i := range events {
		e := &events[i]
		if e.Currency == "" || e.Time.IsZero() {
			return nil, fmt.Errorf("calendar event %d: currency and time are required", i)
		}
		e.Currency = strings.ToUpper(e.Currency)
		e.Impact = Impact(strings.ToUpper(string(e.Impact)))
		if e.ID == "" {
			e.ID = fmt.Sprintf("%s-%s-%d", e.Currency, e.Title, e.Time.Unix())
		}
	}
	return events, nil
}
