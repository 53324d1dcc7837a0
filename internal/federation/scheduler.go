package federation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/peervid/backend/internal/identity"
)

// Enqueuer accepts events bound for a remote pod. It is the capability
// handed to components that originate propagation.
type Enqueuer interface {
	Enqueue(ctx context.Context, host string, events ...Event) error
}

// ValidityFunc reports whether deliveries to the host are still wanted.
// The scheduler consults it immediately before each attempt so units for
// a torn-down relationship are dropped instead of delivered.
type ValidityFunc func(ctx context.Context, host string) bool

// SchedulerConfig controls retry, pacing, and concurrency behaviour.
type SchedulerConfig struct {
	RequestTimeout time.Duration
	MaxRetries     int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	MaxConcurrent  int
	QueueSize      int
	RequestsPerSec int
}

// A destination is evicted from rotation after this many consecutive
// delivery units terminate in failure.
const evictionStrikes = 3

type deliveryUnit struct {
	route     string
	events    []Event
	createdAt time.Time
}

type destination struct {
	host    string
	units   chan *deliveryUnit
	limiter *rate.Limiter
	strikes int
	evicted bool
}

// Scheduler delivers events to remote pods with at-least-once semantics.
// Each destination has one FIFO queue drained by a dedicated worker, so
// events to the same pod arrive in enqueue order while slow pods never
// block the others. A global semaphore caps concurrent network attempts.
type Scheduler struct {
	localHost string
	sender    Sender
	signer    identity.Signer
	valid     ValidityFunc
	logger    *slog.Logger
	cfg       SchedulerConfig

	sem chan struct{}

	mu    sync.Mutex
	dests map[string]*destination

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewScheduler constructs the outbound delivery engine.
func NewScheduler(localHost string, sender Sender, signer identity.Signer, valid ValidityFunc, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		localHost: localHost,
		sender:    sender,
		signer:    signer,
		valid:     valid,
		logger:    logger,
		cfg:       cfg,
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		dests:     make(map[string]*destination),
		ctx:       ctx,
		cancel:    cancel,
	}
}

var errSchedulerClosed = errors.New("request scheduler closed")

// Enqueue schedules the events for delivery to host. Consecutive events
// sharing a wire route are coalesced into a single request. Enqueue never
// performs network I/O; it returns once the events are queued.
func (s *Scheduler) Enqueue(ctx context.Context, host string, events ...Event) error {
	if len(events) == 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errSchedulerClosed
	default:
	}

	dest := s.destination(host)

	for _, unit := range coalesce(events) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return errSchedulerClosed
		case dest.units <- unit:
		}
	}
	return nil
}

// Shutdown waits for the per-destination workers to stop.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.once.Do(s.cancel)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func coalesce(events []Event) []*deliveryUnit {
	var units []*deliveryUnit
	for _, event := range events {
		route := event.Route()
		// Only the video-events route carries batched payloads; handshake
		// messages stay one per request.
		if route == RouteVideoEvents && len(units) > 0 {
			last := units[len(units)-1]
			if last.route == route {
				last.events = append(last.events, event)
				continue
			}
		}
		units = append(units, &deliveryUnit{
			route:     route,
			events:    []Event{event},
			createdAt: time.Now().UTC(),
		})
	}
	return units
}

func (s *Scheduler) destination(host string) *destination {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dest, ok := s.dests[host]; ok {
		return dest
	}

	limit := rate.Inf
	burst := 1
	if s.cfg.RequestsPerSec > 0 {
		limit = rate.Limit(s.cfg.RequestsPerSec)
		burst = s.cfg.RequestsPerSec
	}

	dest := &destination{
		host:    host,
		units:   make(chan *deliveryUnit, s.cfg.QueueSize),
		limiter: rate.NewLimiter(limit, burst),
	}
	s.dests[host] = dest

	s.wg.Add(1)
	go s.worker(dest)

	return dest
}

// worker drains one destination's queue. After eviction it does not
// exit: an Enqueue racing the strike may still hold the old destination
// and push into its channel, so the worker stays behind until shutdown
// and drops such stragglers on the logged discard path.
func (s *Scheduler) worker(dest *destination) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case unit := <-dest.units:
			if s.isEvicted(dest) {
				s.dropQueued(dest, unit)
				continue
			}
			s.deliver(dest, unit)
			if s.isEvicted(dest) {
				s.dropQueued(dest, nil)
			}
		}
	}
}

// deliver attempts one unit until success, a permanent failure, or the
// retry ceiling. Retrying in place, rather than requeueing at the tail,
// preserves per-destination FIFO ordering across failures.
func (s *Scheduler) deliver(dest *destination, unit *deliveryUnit) {
	body, err := encodeUnit(s.localHost, unit)
	if err != nil {
		s.logger.Error("encode delivery unit", "host", dest.host, "route", unit.route, "error", err)
		return
	}

	signature, err := s.signer.Sign(body)
	if err != nil {
		s.logger.Error("sign delivery unit", "host", dest.host, "route", unit.route, "error", err)
		return
	}

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if !s.sleep(s.backoff(attempt)) {
				return
			}
		}

		if s.valid != nil && !s.valid(s.ctx, dest.host) {
			s.logger.Info("dropping delivery unit, relationship no longer exists",
				"host", dest.host, "route", unit.route, "events", len(unit.events))
			return
		}

		if err := dest.limiter.Wait(s.ctx); err != nil {
			return
		}

		err := s.attempt(dest.host, unit.route, body, signature)
		if err == nil {
			s.clearStrikes(dest)
			return
		}
		if s.ctx.Err() != nil {
			return
		}

		if !IsTransientDelivery(err) {
			s.logger.Warn("dropping delivery unit after permanent failure",
				"host", dest.host, "route", unit.route, "error", err)
			s.strike(dest)
			return
		}

		if attempt >= s.cfg.MaxRetries {
			s.logger.Warn("dropping delivery unit after retries exhausted",
				"host", dest.host, "route", unit.route, "attempts", attempt+1, "error", err)
			s.strike(dest)
			return
		}

		s.logger.Info("delivery attempt failed, will retry",
			"host", dest.host, "route", unit.route, "attempt", attempt+1, "error", err)
	}
}

// attempt performs one network send under the global concurrency cap.
// The semaphore is held only for the request itself, never across
// backoff sleeps.
func (s *Scheduler) attempt(host, route string, body, signature []byte) error {
	select {
	case s.sem <- struct{}{}:
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
	defer func() { <-s.sem }()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	defer cancel()

	return s.sender.Send(ctx, host, route, body, signature)
}

func (s *Scheduler) backoff(attempt int) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempt-1))) * s.cfg.BaseBackoff
	if backoff > s.cfg.MaxBackoff {
		backoff = s.cfg.MaxBackoff
	}
	return backoff
}

func (s *Scheduler) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Scheduler) strike(dest *destination) {
	s.mu.Lock()
	dest.strikes++
	evict := dest.strikes >= evictionStrikes && !dest.evicted
	if evict {
		dest.evicted = true
		delete(s.dests, dest.host)
	}
	s.mu.Unlock()

	if evict {
		s.logger.Warn("removing unreachable pod from rotation", "host", dest.host, "strikes", dest.strikes)
	}
}

func (s *Scheduler) clearStrikes(dest *destination) {
	s.mu.Lock()
	dest.strikes = 0
	s.mu.Unlock()
}

func (s *Scheduler) isEvicted(dest *destination) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return dest.evicted
}

func (s *Scheduler) dropQueued(dest *destination, pending *deliveryUnit) {
	dropped := 0
	if pending != nil {
		dropped++
	}
	for {
		select {
		case <-dest.units:
			dropped++
		default:
			if dropped > 0 {
				s.logger.Warn("discarded queued units for evicted pod", "host", dest.host, "units", dropped)
			}
			return
		}
	}
}

func encodeUnit(localHost string, unit *deliveryUnit) ([]byte, error) {
	switch unit.route {
	case RouteFollow:
		return json.Marshal(FollowRequestBody{FromHost: localHost})
	case RouteFollowResponse:
		return json.Marshal(FollowResponseBody{FromHost: localHost, Accepted: unit.events[0].Accepted})
	default:
		return json.Marshal(VideoEventsBody{FromHost: localHost, Events: unit.events})
	}
}

var _ Enqueuer = (*Scheduler)(nil)
