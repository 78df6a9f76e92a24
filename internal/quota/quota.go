// Package quota enforces per-tenant request budgets over hourly,
// daily, and monthly windows, plus a short-term rate limiter. Quota is
// counted only after a successful upstream exchange; denied or failed
// requests never consume budget.
package quota

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Period names a quota window.
type Period string

const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

var periods = []Period{PeriodHourly, PeriodDaily, PeriodMonthly}

// Limits holds a tenant's budgets. Zero means unlimited for that
// window.
type Limits struct {
	Hourly  int64 `yaml:"hourly"`
	Daily   int64 `yaml:"daily"`
	Monthly int64 `yaml:"monthly"`
}

func (l Limits) forPeriod(p Period) int64 {
	switch p {
	case PeriodHourly:
		return l.Hourly
	case PeriodDaily:
		return l.Daily
	}
	return l.Monthly
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed bool
	// Period, Limit and Used describe the exhausted window when
	// Allowed is false, or the tightest window otherwise.
	Period Period
	Limit  int64
	Used   int64
	// SoftWarning is set when any window has passed the soft-limit
	// fraction but none is exhausted.
	SoftWarning bool
}

// softLimitFraction is the budget share after which a warning decision
// is surfaced.
const softLimitFraction = 0.8

type window struct {
	count     int64
	expiresAt time.Time
}

// Manager tracks usage counters per (tenant, period). Tenants without
// configured limits are always allowed and never counted.
type Manager struct {
	mu       sync.Mutex
	limits   map[string]Limits
	windows  map[string]*window
	limiters map[string]*rate.Limiter

	ratePerMinute int
	rateEnabled   bool

	now func() time.Time
	log *zap.Logger
}

// NewManager builds a manager. ratePerMinute gates request bursts
// independently of quota windows when rateEnabled is set.
func NewManager(limits map[string]Limits, ratePerMinute int, rateEnabled bool, log *zap.Logger) *Manager {
	return &Manager{
		limits:        limits,
		windows:       make(map[string]*window),
		limiters:      make(map[string]*rate.Limiter),
		ratePerMinute: ratePerMinute,
		rateEnabled:   rateEnabled,
		now:           time.Now,
		log:           log,
	}
}

// Allow applies the per-tenant token bucket. Always true when rate
// limiting is disabled.
func (m *Manager) Allow(tenant string) bool {
	if !m.rateEnabled || m.ratePerMinute <= 0 {
		return true
	}
	m.mu.Lock()
	lim, ok := m.limiters[tenant]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(m.ratePerMinute)/60.0), m.ratePerMinute)
		m.limiters[tenant] = lim
	}
	m.mu.Unlock()
	return lim.Allow()
}

// Check reports whether the tenant has budget left in every window.
// It never consumes budget; call Record after the request succeeds.
func (m *Manager) Check(tenant string) Decision {
	limits, ok := m.limits[tenant]
	if !ok {
		return Decision{Allowed: true}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	decision := Decision{Allowed: true}
	for _, p := range periods {
		limit := limits.forPeriod(p)
		if limit <= 0 {
			continue
		}
		used := m.usedLocked(tenant, p, now)
		if used >= limit {
			m.log.Warn("quota exhausted",
				zap.String("tenant", tenant),
				zap.String("period", string(p)),
				zap.Int64("limit", limit))
			return Decision{Allowed: false, Period: p, Limit: limit, Used: used}
		}
		if float64(used) >= softLimitFraction*float64(limit) {
			decision.SoftWarning = true
			decision.Period = p
			decision.Limit = limit
			decision.Used = used
		}
	}
	return decision
}

// Record counts one successful request against every configured
// window.
func (m *Manager) Record(tenant string) {
	limits, ok := m.limits[tenant]
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, p := range periods {
		if limits.forPeriod(p) <= 0 {
			continue
		}
		key := tenant + "|" + string(p)
		w, ok := m.windows[key]
		if !ok || now.After(w.expiresAt) {
			w = &window{expiresAt: windowEnd(p, now)}
			m.windows[key] = w
		}
		w.count++
	}
}

// usedLocked returns the live count for a window, resetting it when
// expired.
func (m *Manager) usedLocked(tenant string, p Period, now time.Time) int64 {
	key := tenant + "|" + string(p)
	w, ok := m.windows[key]
	if !ok {
		return 0
	}
	if now.After(w.expiresAt) {
		delete(m.windows, key)
		return 0
	}
	return w.count
}

// windowEnd computes when a window closes: hourly windows roll from
// first use, daily and monthly windows follow the UTC calendar.
func windowEnd(p Period, now time.Time) time.Time {
	utc := now.UTC()
	switch p {
	case PeriodHourly:
		return now.Add(time.Hour)
	case PeriodDaily:
		midnight := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
		return midnight.AddDate(0, 0, 1)
	}
	firstOfMonth := time.Date(utc.Year(), utc.Month(), 1, 0, 0, 0, 0, time.UTC)
	return firstOfMonth.AddDate(0, 1, 0)
}

// Usage returns the current counts per period for the status endpoint.
func (m *Manager) Usage(tenant string) map[Period]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make(map[Period]int64, len(periods))
	for _, p := range periods {
		out[p] = m.usedLocked(tenant, p, now)
	}
	return out
}

// String implements fmt.Stringer for log fields.
func (d Decision) String() string {
	if d.Allowed {
		return "allowed"
	}
	return fmt.Sprintf("denied: %s limit %d reached (%d used)", d.Period, d.Limit, d.Used)
}
