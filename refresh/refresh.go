// Package refresh keeps browser-discovered credentials fresh: it schedules
// periodic rediscovery ahead of session expiry, records per-target status in
// Redis and broadcasts token-refreshed notifications to live connectors.
package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"goa.design/pulse/pool"
	"golang.org/x/time/rate"
)

// DefaultRefreshAheadPercent places each refresh at 75% of the session
// max-age so new credentials land before the old ones expire.
const DefaultRefreshAheadPercent = 0.75

// Trigger provenance recorded in notifications.
const (
	TriggeredScheduled = "scheduled"
	TriggeredManual    = "manual"
)

// Refresh outcome recorded in the status hash.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

type (
	// Notification is the payload published on the token-refreshed channel
	// after a successful refresh.
	Notification struct {
		TargetID    string    `json:"targetId"`
		TriggeredBy string    `json:"triggeredBy"`
		Timestamp   time.Time `json:"timestamp"`
	}

	// Status is the operational state of one target's refresh loop.
	Status struct {
		LastRefreshAt       time.Time `json:"lastRefreshAt"`
		LastRefreshStatus   string    `json:"lastRefreshStatus"`
		ConsecutiveFailures int       `json:"consecutiveFailures"`
		IsActive            bool      `json:"isActive"`
		RefreshIntervalMS   int64     `json:"refreshIntervalMs"`
		NextRefreshAt       time.Time `json:"nextRefreshAt"`
	}

	// ScheduleMap is the subset of rmap.Map used for the cross-node
	// schedule registry.
	ScheduleMap interface {
		Set(ctx context.Context, key, value string) (string, error)
		Get(key string) (string, bool)
		Delete(ctx context.Context, key string) (string, error)
		Keys() []string
	}

	// RunFunc re-runs discovery for a target with fresh credentials and
	// updates the discovery cache. The scheduler stays decoupled from the
	// browser stack through it.
	RunFunc func(ctx context.Context, targetID string) error

	// Ticker delivers periodic firings. The production implementation is a
	// pulse distributed ticker so only one node in the pool refreshes each
	// target.
	Ticker interface {
		C() <-chan time.Time
		Stop()
	}

	// TickerFactory creates named tickers.
	TickerFactory interface {
		NewTicker(ctx context.Context, name string, d time.Duration) (Ticker, error)
	}

	// Options configures a Scheduler.
	Options struct {
		Tickers   TickerFactory
		Schedules ScheduleMap
		Redis     redis.UniversalClient
		Namespace string
		Run       RunFunc
		// RefreshAheadPercent overrides the 0.75 default.
		RefreshAheadPercent float64
		// RateLimit caps refresh runs per second across all targets.
		// Zero means no limit.
		RateLimit rate.Limit
	}

	// Scheduler owns the per-target refresh loops.
	Scheduler struct {
		tickers   TickerFactory
		schedules ScheduleMap
		rdb       redis.UniversalClient
		namespace string
		run       RunFunc
		ahead     float64
		limiter   *rate.Limiter

		mu      sync.Mutex
		active  map[string]Ticker
		cancels map[string]context.CancelFunc
	}

	// PulseTickers adapts a pulse pool node to the TickerFactory interface.
	PulseTickers struct {
		Node *pool.Node
	}

	pulseTicker struct {
		t *pool.Ticker
	}
)

// NewTicker implements TickerFactory.
func (p PulseTickers) NewTicker(ctx context.Context, name string, d time.Duration) (Ticker, error) {
	t, err := p.Node.NewTicker(ctx, name, d)
	if err != nil {
		return nil, fmt.Errorf("create distributed ticker %s: %w", name, err)
	}
	return pulseTicker{t: t}, nil
}

func (t pulseTicker) C() <-chan time.Time { return t.t.C }
func (t pulseTicker) Stop()               { t.t.Stop() }

// NewScheduler builds a Scheduler.
func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Tickers == nil {
		return nil, fmt.Errorf("refresh: ticker factory is required")
	}
	if opts.Run == nil {
		return nil, fmt.Errorf("refresh: run func is required")
	}
	ahead := opts.RefreshAheadPercent
	if ahead <= 0 || ahead >= 1 {
		ahead = DefaultRefreshAheadPercent
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(opts.RateLimit, 1)
	}
	return &Scheduler{
		tickers:   opts.Tickers,
		schedules: opts.Schedules,
		rdb:       opts.Redis,
		namespace: opts.Namespace,
		run:       opts.Run,
		ahead:     ahead,
		limiter:   limiter,
		active:    make(map[string]Ticker),
		cancels:   make(map[string]context.CancelFunc),
	}, nil
}

// Channel returns the token-refreshed pub/sub channel for the namespace.
func Channel(namespace string) string {
	if namespace == "" {
		namespace = "krawall"
	}
	return namespace + ":token-refreshed"
}

// Schedule starts the periodic refresh loop for the target. The interval is
// maxAge scaled by the refresh-ahead percentage. Scheduling an already
// scheduled target replaces its loop.
func (s *Scheduler) Schedule(ctx context.Context, targetID string, maxAge time.Duration) error {
	if maxAge <= 0 {
		return fmt.Errorf("refresh: session max-age must be positive, got %s", maxAge)
	}
	interval := time.Duration(float64(maxAge) * s.ahead)

	s.mu.Lock()
	if _, ok := s.active[targetID]; ok {
		s.stopLocked(targetID)
	}
	ticker, err := s.tickers.NewTicker(ctx, jobID(targetID), interval)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.active[targetID] = ticker
	s.cancels[targetID] = cancel
	s.mu.Unlock()

	if s.schedules != nil {
		if _, err := s.schedules.Set(ctx, targetID, strconv.FormatInt(interval.Milliseconds(), 10)); err != nil {
			log.Warnf(ctx, "record refresh schedule failed: target=%s err=%v", targetID, err)
		}
	}
	s.writeStatus(ctx, targetID, Status{
		IsActive:          true,
		RefreshIntervalMS: interval.Milliseconds(),
		NextRefreshAt:     time.Now().Add(interval).UTC(),
	})

	go s.loop(loopCtx, targetID, ticker, interval)
	log.Printf(ctx, "refresh scheduled: target=%s interval=%s", targetID, interval)
	return nil
}

// Cancel stops the target's refresh loop and clears its schedule and status.
func (s *Scheduler) Cancel(ctx context.Context, targetID string) {
	s.mu.Lock()
	s.stopLocked(targetID)
	s.mu.Unlock()

	if s.schedules != nil {
		if _, err := s.schedules.Delete(ctx, targetID); err != nil {
			log.Warnf(ctx, "clear refresh schedule failed: target=%s err=%v", targetID, err)
		}
	}
	if s.rdb != nil {
		if err := s.rdb.Del(ctx, s.statusKey(targetID)).Err(); err != nil {
			log.Warnf(ctx, "clear refresh status failed: target=%s err=%v", targetID, err)
		}
	}
	log.Printf(ctx, "refresh cancelled: target=%s", targetID)
}

// ForceRefresh runs one off-schedule refresh. The run is identified in logs
// by a unique job id so manual and scheduled firings are distinguishable.
func (s *Scheduler) ForceRefresh(ctx context.Context, targetID string) {
	id := fmt.Sprintf("%s:manual:%d", jobID(targetID), time.Now().UnixMilli())
	log.Printf(ctx, "manual refresh enqueued: job=%s", id)
	go s.fire(context.Background(), targetID, TriggeredManual)
}

// IsScheduled reports whether the target has an entry in the schedule
// registry (any node's loop counts, not just this one's).
func (s *Scheduler) IsScheduled(targetID string) bool {
	if s.schedules != nil {
		_, ok := s.schedules.Get(targetID)
		return ok
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[targetID]
	return ok
}

// ListScheduled returns the IDs of every target with a schedule registry
// entry, across all nodes. Without a registry it lists this node's loops.
func (s *Scheduler) ListScheduled() []string {
	if s.schedules != nil {
		return s.schedules.Keys()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for targetID := range s.active {
		ids = append(ids, targetID)
	}
	return ids
}

// Interval returns the stored refresh interval for a scheduled target.
func (s *Scheduler) Interval(targetID string) (time.Duration, bool) {
	if s.schedules == nil {
		return 0, false
	}
	raw, ok := s.schedules.Get(targetID)
	if !ok {
		return 0, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// Status reads the target's refresh status hash.
func (s *Scheduler) Status(ctx context.Context, targetID string) (Status, error) {
	if s.rdb == nil {
		return Status{}, fmt.Errorf("refresh: no status store configured")
	}
	fields, err := s.rdb.HGetAll(ctx, s.statusKey(targetID)).Result()
	if err != nil {
		return Status{}, fmt.Errorf("read refresh status for %s: %w", targetID, err)
	}
	var st Status
	st.LastRefreshStatus = fields["lastRefreshStatus"]
	st.IsActive = fields["isActive"] == "true"
	st.ConsecutiveFailures, _ = strconv.Atoi(fields["consecutiveFailures"])
	st.RefreshIntervalMS, _ = strconv.ParseInt(fields["refreshIntervalMs"], 10, 64)
	if v := fields["lastRefreshAt"]; v != "" {
		st.LastRefreshAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v := fields["nextRefreshAt"]; v != "" {
		st.NextRefreshAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return st, nil
}

// Close stops every local loop. Schedule registry entries are left intact so
// another node can pick the targets up.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for targetID := range s.active {
		s.stopLocked(targetID)
	}
}

func (s *Scheduler) loop(ctx context.Context, targetID string, ticker Ticker, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.fire(ctx, targetID, TriggeredScheduled)
			s.touchNextRefresh(ctx, targetID, interval)
		}
	}
}

// fire runs one refresh and records the outcome. Successful runs publish a
// notification so live connectors can stage the new credentials.
func (s *Scheduler) fire(ctx context.Context, targetID, triggeredBy string) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
	}

	now := time.Now().UTC()
	err := s.run(ctx, targetID)
	if err != nil {
		log.Errorf(ctx, err, "refresh failed: target=%s triggeredBy=%s", targetID, triggeredBy)
		s.recordOutcome(ctx, targetID, now, false)
		return
	}
	s.recordOutcome(ctx, targetID, now, true)

	if s.rdb == nil {
		return
	}
	payload, err := json.Marshal(Notification{TargetID: targetID, TriggeredBy: triggeredBy, Timestamp: now})
	if err != nil {
		log.Errorf(ctx, err, "marshal refresh notification: target=%s", targetID)
		return
	}
	if err := s.rdb.Publish(ctx, Channel(s.namespace), payload).Err(); err != nil {
		log.Errorf(ctx, err, "publish refresh notification: target=%s", targetID)
		return
	}
	log.Printf(ctx, "token refreshed: target=%s triggeredBy=%s", targetID, triggeredBy)
}

func (s *Scheduler) recordOutcome(ctx context.Context, targetID string, at time.Time, ok bool) {
	if s.rdb == nil {
		return
	}
	key := s.statusKey(targetID)
	fields := map[string]any{
		"lastRefreshAt": at.Format(time.RFC3339Nano),
	}
	if ok {
		fields["lastRefreshStatus"] = StatusSuccess
		fields["consecutiveFailures"] = 0
	} else {
		fields["lastRefreshStatus"] = StatusFailure
		if err := s.rdb.HIncrBy(ctx, key, "consecutiveFailures", 1).Err(); err != nil {
			log.Warnf(ctx, "bump consecutiveFailures failed: target=%s err=%v", targetID, err)
		}
	}
	if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
		log.Warnf(ctx, "record refresh outcome failed: target=%s err=%v", targetID, err)
	}
}

func (s *Scheduler) touchNextRefresh(ctx context.Context, targetID string, interval time.Duration) {
	if s.rdb == nil {
		return
	}
	next := time.Now().Add(interval).UTC().Format(time.RFC3339Nano)
	if err := s.rdb.HSet(ctx, s.statusKey(targetID), "nextRefreshAt", next).Err(); err != nil {
		log.Warnf(ctx, "record nextRefreshAt failed: target=%s err=%v", targetID, err)
	}
}

func (s *Scheduler) writeStatus(ctx context.Context, targetID string, st Status) {
	if s.rdb == nil {
		return
	}
	fields := map[string]any{
		"isActive":          strconv.FormatBool(st.IsActive),
		"refreshIntervalMs": st.RefreshIntervalMS,
		"nextRefreshAt":     st.NextRefreshAt.Format(time.RFC3339Nano),
	}
	if err := s.rdb.HSet(ctx, s.statusKey(targetID), fields).Err(); err != nil {
		log.Warnf(ctx, "write refresh status failed: target=%s err=%v", targetID, err)
	}
}

func (s *Scheduler) stopLocked(targetID string) {
	if cancel, ok := s.cancels[targetID]; ok {
		cancel()
		delete(s.cancels, targetID)
	}
	if ticker, ok := s.active[targetID]; ok {
		ticker.Stop()
		delete(s.active, targetID)
	}
}

func (s *Scheduler) statusKey(targetID string) string {
	ns := s.namespace
	if ns == "" {
		ns = "krawall"
	}
	return ns + ":refresh-status:" + targetID
}

func jobID(targetID string) string {
	return "refresh:" + targetID
}
