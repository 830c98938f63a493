package domain

import (
	"encoding/json"
	"time"
)

// ModelStats is the per-entity-type statistics row. The JSON payload keys
// counters by formatted timestamp and is trimmed to fixed windows by the
// runner (2 h queued / 50 h hourly / 62 d daily / 10 y monthly).
type ModelStats struct {
	Model   string
	Payload StatsPayload
	Updated time.Time
}

type StatsPayload struct {
	Queued  map[string]int64 `json:"queued"`  // RFC3339 minute → eligible rows
	Hourly  map[string]int64 `json:"hourly"`  // "2006-01-02T15" → handled
	Daily   map[string]int64 `json:"daily"`   // "2006-01-02" → handled
	Monthly map[string]int64 `json:"monthly"` // "2006-01" → handled
}

func NewStatsPayload() StatsPayload {
	return StatsPayload{
		Queued:  map[string]int64{},
		Hourly:  map[string]int64{},
		Daily:   map[string]int64{},
		Monthly: map[string]int64{},
	}
}

func (p *StatsPayload) Encode() string {
	b, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func DecodeStatsPayload(raw string) StatsPayload {
	p := NewStatsPayload()
	if raw == "" {
		return p
	}
	_ = json.Unmarshal([]byte(raw), &p)
	if p.Queued == nil {
		p.Queued = map[string]int64{}
	}
	if p.Hourly == nil {
		p.Hourly = map[string]int64{}
	}
	if p.Daily == nil {
		p.Daily = map[string]int64{}
	}
	if p.Monthly == nil {
		p.Monthly = map[string]int64{}
	}
	return p
}

// RecordHandled bumps the hour/day/month counters for time t.
func (p *StatsPayload) RecordHandled(t time.Time, n int64) {
	t = t.UTC()
	p.Hourly[t.Format("2006-01-02T15")] += n
	p.Daily[t.Format("2006-01-02")] += n
	p.Monthly[t.Format("2006-01")] += n
}

// RecordQueued notes the current queue depth at time t.
func (p *StatsPayload) RecordQueued(t time.Time, n int64) {
	p.Queued[t.UTC().Format(time.RFC3339)] = n
}

// Trim drops samples older than the retention windows, measured from now.
func (p *StatsPayload) Trim(now time.Time) {
	now = now.UTC()
	trim(p.Queued, func(k string) bool {
		t, err := time.Parse(time.RFC3339, k)
		return err != nil || now.Sub(t) > 2*time.Hour
	})
	trim(p.Hourly, func(k string) bool {
		t, err := time.Parse("2006-01-02T15", k)
		return err != nil || now.Sub(t) > 50*time.Hour
	})
	trim(p.Daily, func(k string) bool {
		t, err := time.Parse("2006-01-02", k)
		return err != nil || now.Sub(t) > 62*24*time.Hour
	})
	trim(p.Monthly, func(k string) bool {
		t, err := time.Parse("2006-01", k)
		return err != nil || now.Sub(t) > 10*365*24*time.Hour
	})
}

func trim(m map[string]int64, stale func(string) bool) {
	for k := range m {
		if stale(k) {
			delete(m, k)
		}
	}
}
