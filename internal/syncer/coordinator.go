package syncer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mailsync/internal/config"
)

const (
	// LockName is the distributed lock held for a whole sync cycle.
	LockName = "sync"

	defaultInterval = 5 * time.Minute
	triggerBuffer   = 8
)

// Locker grants named cross-process locks; *lock.Locker implements it.
type Locker interface {
	Acquire(ctx context.Context, name string, timeout, poll time.Duration) (release func(), ok bool, err error)
}

// Runner runs one sync cycle; *Engine implements it.
type Runner interface {
	Run(ctx context.Context, only string, progress func(FolderResult)) (Report, error)
}

type request struct {
	principal string
	folder    string
}

// Coordinator schedules sync cycles: periodically once started, and on
// demand through Trigger or SyncNow. Every cycle runs under the sync lock.
type Coordinator struct {
	interval    time.Duration
	lockTimeout time.Duration
	lockPoll    time.Duration
	principal   string

	engine Runner
	locker Locker
	hub    *Hub
	log    zerolog.Logger

	trigger chan request

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewCoordinator(cfg config.Config, engine Runner, locker Locker, hub *Hub, logger zerolog.Logger) *Coordinator {
	interval := cfg.Sync.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	if hub == nil {
		hub = NewHub()
	}
	return &Coordinator{
		interval:    interval,
		lockTimeout: cfg.Lock.Timeout,
		lockPoll:    cfg.Lock.PollInterval,
		principal:   cfg.Auth.Principal,
		engine:      engine,
		locker:      locker,
		hub:         hub,
		log:         logger.With().Str("component", "coordinator").Logger(),
		trigger:     make(chan request, triggerBuffer),
	}
}

// Hub returns the hub progress events are published on.
func (c *Coordinator) Hub() *Hub { return c.hub }

// Start launches the periodic loop. The first cycle runs immediately.
// Calling Start on a running coordinator does nothing.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	go c.loop(ctx, c.done)
}

// Stop halts the loop and waits for an in-flight cycle to return.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done
}

// Trigger asks the running loop for a cycle and returns immediately. It
// reports false when the loop is not running or already has enough
// pending requests.
func (c *Coordinator) Trigger(principal, folder string) bool {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		return false
	}

	select {
	case c.trigger <- request{principal: principal, folder: folder}:
		return true
	default:
		return false
	}
}

// SyncNow runs one cycle synchronously. When another process holds the
// sync lock past the timeout the returned report has Skipped set and the
// error is nil.
func (c *Coordinator) SyncNow(ctx context.Context, principal, folder string) (Report, error) {
	principal = c.principalOf(principal)
	log := c.log.With().Str("principal", principal).Logger()

	release, ok, err := c.locker.Acquire(ctx, LockName, c.lockTimeout, c.lockPoll)
	if err != nil {
		c.hub.Publish(Event{Kind: EventFailed, Principal: principal, Folder: folder, Err: err})
		return Report{}, err
	}
	if !ok {
		log.Info().Msg("Sync already running elsewhere, skipping cycle")
		c.hub.Publish(Event{Kind: EventSkipped, Principal: principal, Folder: folder})
		return Report{Skipped: true}, nil
	}
	defer release()

	c.hub.Publish(Event{Kind: EventStarted, Principal: principal, Folder: folder})
	report, err := c.engine.Run(ctx, folder, func(res FolderResult) {
		c.hub.Publish(Event{Kind: EventFolderDone, Principal: principal, Folder: res.Folder, Result: &res})
	})
	if err != nil {
		log.Error().Err(err).Msg("Sync cycle failed")
		c.hub.Publish(Event{Kind: EventFailed, Principal: principal, Folder: folder, Err: err})
		return report, err
	}
	c.hub.Publish(Event{Kind: EventCompleted, Principal: principal, Folder: folder, Report: &report})
	return report, nil
}

func (c *Coordinator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.cycle(ctx, request{})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cycle(ctx, request{})
		case req := <-c.trigger:
			c.cycle(ctx, req)
		}
	}
}

func (c *Coordinator) cycle(ctx context.Context, req request) {
	if ctx.Err() != nil {
		return
	}
	// Errors are already logged and published.
	_, _ = c.SyncNow(ctx, req.principal, req.folder)
}

func (c *Coordinator) principalOf(principal string) string {
	principal = strings.ToLower(strings.TrimSpace(principal))
	if principal == "" {
		return c.principal
	}
	return principal
}
