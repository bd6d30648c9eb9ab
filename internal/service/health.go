package service

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/slice-gateway/internal/upstream"
	"github.com/MimeLyc/slice-gateway/pkg/errors"
	"github.com/MimeLyc/slice-gateway/pkg/icron"
	"github.com/MimeLyc/slice-gateway/pkg/log"
)

// UpstreamHealth is the last known reachability of the slicing engine.
type UpstreamHealth struct {
	Reachable bool       `json:"reachable"`
	CheckedAt *time.Time `json:"checked_at,omitempty"`
	Error     string     `json:"error,omitempty"`
	NextProbe *time.Time `json:"next_probe,omitempty"`
}

// HealthMonitor probes upstream on a cron schedule and remembers the outcome
// of the latest probe or health request.
type HealthMonitor struct {
	api      upstream.API
	cronExpr string
	cron     *cron.Cron
	now      func() time.Time

	group singleflight.Group

	mu      sync.RWMutex
	checked bool
	state   UpstreamHealth
}

func NewHealthMonitor(api upstream.API, cronExpr string, c *cron.Cron) *HealthMonitor {
	return &HealthMonitor{
		api:      api,
		cronExpr: cronExpr,
		cron:     c,
		now:      time.Now,
	}
}

// Schedule registers the periodic probe. An empty expression disables it.
func (m *HealthMonitor) Schedule(ctx context.Context) error {
	if m.cronExpr == "" || m.cron == nil {
		log.Info("Upstream health probe disabled")
		return nil
	}

	_, err := m.cron.AddFunc(m.cronExpr, func() {
		m.Probe(ctx)
	})
	if err != nil {
		return err
	}
	log.Info("Upstream health probe scheduled: %s", m.cronExpr)
	return nil
}

// Probe calls upstream health once. Concurrent callers share one request.
func (m *HealthMonitor) Probe(ctx context.Context) UpstreamHealth {
	_, _, _ = m.group.Do("probe", func() (any, error) {
		_, err := m.api.Health(ctx)
		m.Observe(err)
		return nil, nil
	})
	return m.Snapshot()
}

// Observe records the outcome of any upstream health call.
func (m *HealthMonitor) Observe(err error) {
	now := m.now()

	m.mu.Lock()
	prev, wasChecked := m.state, m.checked
	m.checked = true
	reachable := !errors.Is(err, errors.Unreachable)
	m.state = UpstreamHealth{Reachable: reachable, CheckedAt: &now}
	if err != nil {
		m.state.Error = err.Error()
	}
	m.mu.Unlock()

	switch {
	case reachable && (!wasChecked || !prev.Reachable):
		log.Info("orcaslicer-web is reachable")
	case !reachable && (!wasChecked || prev.Reachable):
		log.Warn("orcaslicer-web became unreachable: %v", err)
	}
}

func (m *HealthMonitor) Snapshot() UpstreamHealth {
	m.mu.RLock()
	state := m.state
	m.mu.RUnlock()

	if m.cronExpr != "" && m.cron != nil {
		if info, err := icron.GetTriggerInfo(m.cronExpr, m.now()); err == nil {
			state.NextProbe = &info.Next
		}
	}
	return state
}
