// ABOUTME: Usage-derived cost accounting with session and daily budget limits.
// ABOUTME: Fires one-shot warnings at a configurable threshold and gates dispatch admission.

package cost

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultWarningThreshold is the fraction of a limit at which a warning fires.
const DefaultWarningThreshold = 0.8

const dayFormat = "2006-01-02"

// BudgetError reports a session or daily budget that has been exhausted.
type BudgetError struct {
	Scope string // "session" or "daily"
	Spent float64
	Limit float64
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("%s cost limit reached: spent $%.4f of $%.4f", e.Scope, e.Spent, e.Limit)
}

// Config holds the tracker's budget parameters. Limits at or below zero
// disable enforcement for that dimension.
type Config struct {
	PricePer1KTokens float64
	SessionLimitUSD  float64
	DailyLimitUSD    float64
	WarningThreshold float64 // fraction of limit; defaults to DefaultWarningThreshold
}

// Tracker maintains per-session and per-UTC-day running cost totals.
type Tracker struct {
	mu  sync.Mutex
	cfg Config

	sessions      map[string]float64
	sessionWarned map[string]bool

	dayTotal  float64
	dayDate   string // UTC calendar date the daily total belongs to
	dayWarned bool

	logger *slog.Logger
	now    func() time.Time // injectable for tests
}

// NewTracker creates a tracker. Pass nil logger for the default.
func NewTracker(cfg Config, logger *slog.Logger) *Tracker {
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = DefaultWarningThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		cfg:           cfg,
		sessions:      make(map[string]float64),
		sessionWarned: make(map[string]bool),
		logger:        logger.With("component", "cost-tracker"),
		now:           time.Now,
	}
	t.dayDate = t.now().UTC().Format(dayFormat)
	return t
}

// CostFromUsage derives the incremental USD cost of a usage payload.
// An explicit "cost" field wins; otherwise prompt plus completion tokens are
// priced at the configured per-1000-token rate. No configured price means zero.
func (t *Tracker) CostFromUsage(usage map[string]float64) float64 {
	if c, ok := usage["cost"]; ok {
		return c
	}
	tokens := usage["prompt_tokens"] + usage["completion_tokens"]
	if t.cfg.PricePer1KTokens <= 0 {
		return 0
	}
	return tokens / 1000 * t.cfg.PricePer1KTokens
}

// Record adds the cost of a usage payload to the session and daily totals and
// returns the incremental cost. Warnings fire at most once per session and
// once per day.
func (t *Tracker) Record(sessionID string, usage map[string]float64) float64 {
	cost := t.CostFromUsage(usage)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollover()
	t.sessions[sessionID] += cost
	t.dayTotal += cost

	if t.cfg.SessionLimitUSD > 0 && !t.sessionWarned[sessionID] &&
		t.sessions[sessionID] >= t.cfg.SessionLimitUSD*t.cfg.WarningThreshold {
		t.sessionWarned[sessionID] = true
		t.logger.Warn("session cost approaching limit",
			"session_id", sessionID,
			"spent_usd", t.sessions[sessionID],
			"limit_usd", t.cfg.SessionLimitUSD,
		)
	}
	if t.cfg.DailyLimitUSD > 0 && !t.dayWarned &&
		t.dayTotal >= t.cfg.DailyLimitUSD*t.cfg.WarningThreshold {
		t.dayWarned = true
		t.logger.Warn("daily cost approaching limit",
			"date", t.dayDate,
			"spent_usd", t.dayTotal,
			"limit_usd", t.cfg.DailyLimitUSD,
		)
	}

	return cost
}

// CheckBudget returns a BudgetError when the session or daily total has
// reached its enforced limit. Limits at or below zero are not enforced.
func (t *Tracker) CheckBudget(sessionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollover()
	if t.cfg.SessionLimitUSD > 0 && t.sessions[sessionID] >= t.cfg.SessionLimitUSD {
		return &BudgetError{Scope: "session", Spent: t.sessions[sessionID], Limit: t.cfg.SessionLimitUSD}
	}
	if t.cfg.DailyLimitUSD > 0 && t.dayTotal >= t.cfg.DailyLimitUSD {
		return &BudgetError{Scope: "daily", Spent: t.dayTotal, Limit: t.cfg.DailyLimitUSD}
	}
	return nil
}

// Span is one budget dimension of a snapshot.
type Span struct {
	SpentUSD     float64 `json:"spent_usd"`
	LimitUSD     float64 `json:"limit_usd"`
	RemainingUSD float64 `json:"remaining_usd"`
	Warned       bool    `json:"warned"`
}

// Snapshot is a point-in-time view of a session's budget state.
type Snapshot struct {
	SessionID string `json:"session_id"`
	Session   Span   `json:"session"`
	Day       Span   `json:"day"`
	DayDate   string `json:"day_date"`
}

// Snapshot reports spent/limit/remaining and warning state for a session and
// for the current UTC day.
func (t *Tracker) Snapshot(sessionID string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollover()
	return Snapshot{
		SessionID: sessionID,
		Session:   span(t.sessions[sessionID], t.cfg.SessionLimitUSD, t.sessionWarned[sessionID]),
		Day:       span(t.dayTotal, t.cfg.DailyLimitUSD, t.dayWarned),
		DayDate:   t.dayDate,
	}
}

// rollover resets the daily total the first time a new UTC date is observed.
// Caller holds the lock.
func (t *Tracker) rollover() {
	today := t.now().UTC().Format(dayFormat)
	if today == t.dayDate {
		return
	}
	t.logger.Info("daily cost ledger rolled over",
		"previous_date", t.dayDate,
		"previous_total_usd", t.dayTotal,
	)
	t.dayDate = today
	t.dayTotal = 0
	t.dayWarned = false
}

func span(spent, limit float64, warned bool) Span {
	s := Span{SpentUSD: spent, LimitUSD: limit, Warned: warned}
	if limit > 0 {
		s.RemainingUSD = limit - spent
		if s.RemainingUSD < 0 {
			s.RemainingUSD = 0
		}
	}
	return s
}
