// Package sync runs at most one merge job per conversation, keeping the local
// cache consistent with the remote store.
package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/matheus3301/synapse/internal/bus"
	"github.com/matheus3301/synapse/internal/cache"
	"github.com/matheus3301/synapse/internal/chat"
	"github.com/matheus3301/synapse/internal/metrics"
	"github.com/matheus3301/synapse/internal/remote"
	"github.com/matheus3301/synapse/internal/status"
	"github.com/matheus3301/synapse/internal/store"
	"github.com/matheus3301/synapse/internal/watermark"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Config tunes the coordinator.
type Config struct {
	UserID              string
	MergeTimeout        time.Duration
	MaxConcurrentMerges int
	StallAfter          time.Duration
	RetryInterval       time.Duration
}

func (c *Config) defaults() {
	if c.MergeTimeout <= 0 {
		c.MergeTimeout = 10 * time.Second
	}
	if c.MaxConcurrentMerges <= 0 {
		c.MaxConcurrentMerges = 4
	}
	if c.StallAfter <= 0 {
		c.StallAfter = 30 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 2 * time.Second
	}
}

// Coordinator owns the registry of merge jobs.
type Coordinator struct {
	cfg         Config
	cache       *cache.Cache
	listener    *remote.Listener
	guard       *watermark.Guard
	checkpoints *Checkpoints
	bus         *bus.Bus
	metrics     *metrics.Metrics
	logger      *zap.Logger
	pool        *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu   gosync.Mutex
	jobs map[string]*job
	wg   gosync.WaitGroup
}

type job struct {
	conversationID string
	refs           int
	viewers        int
	machine        *status.Machine
	cancel         context.CancelFunc
	done           chan struct{}
	poke           chan struct{}
}

// New creates a coordinator. Jobs run until released or until Shutdown.
func New(cfg Config, c *cache.Cache, l *remote.Listener, g *watermark.Guard, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	cfg.defaults()
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:         cfg,
		cache:       c,
		listener:    l,
		guard:       g,
		checkpoints: NewCheckpoints(c.DB()),
		bus:         b,
		metrics:     m,
		logger:      logger,
		pool:        semaphore.NewWeighted(int64(cfg.MaxConcurrentMerges)),
		ctx:         ctx,
		cancel:      cancel,
		jobs:        make(map[string]*job),
	}
}

// Acquire registers a viewer of a conversation, starting its merge job if
// none is running. While a conversation has viewers the current user's
// lastSeenAt follows the newest message. The returned release is idempotent;
// the job stops when the last reference is released.
func (c *Coordinator) Acquire(conversationID string) (release func()) {
	return c.acquire(conversationID, true)
}

// AcquireBackground keeps a conversation synced without marking it seen.
func (c *Coordinator) AcquireBackground(conversationID string) (release func()) {
	return c.acquire(conversationID, false)
}

func (c *Coordinator) acquire(conversationID string, viewing bool) func() {
	c.mu.Lock()
	j, ok := c.jobs[conversationID]
	if !ok {
		j = c.startLocked(conversationID)
	}
	j.refs++
	if viewing {
		j.viewers++
		// A new viewer may need lastSeenAt moved without a new snapshot.
		select {
		case j.poke <- struct{}{}:
		default:
		}
	}
	c.mu.Unlock()

	var once gosync.Once
	return func() {
		once.Do(func() { c.release(j, viewing) })
	}
}

func (c *Coordinator) startLocked(conversationID string) *job {
	ctx, cancel := context.WithCancel(c.ctx)
	j := &job{
		conversationID: conversationID,
		machine:        status.NewMachine(conversationID, c.bus),
		cancel:         cancel,
		done:           make(chan struct{}),
		poke:           make(chan struct{}, 1),
	}
	c.jobs[conversationID] = j
	c.metrics.ActiveJobs.Inc()
	c.wg.Add(1)
	go c.run(ctx, j)
	c.logger.Info("merge job started", zap.String("conversation_id", conversationID))
	return j
}

func (c *Coordinator) release(j *job, viewing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// The job may already have been stopped by Leave.
	if c.jobs[j.conversationID] != j {
		return
	}
	j.refs--
	if viewing {
		j.viewers--
	}
	if j.refs == 0 {
		delete(c.jobs, j.conversationID)
		j.cancel()
	}
}

// Running reports whether a merge job is active for the conversation.
func (c *Coordinator) Running(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.jobs[conversationID]
	return ok
}

// Refs returns the number of references held on a conversation's job.
func (c *Coordinator) Refs(conversationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if j, ok := c.jobs[conversationID]; ok {
		return j.refs
	}
	return 0
}

// State returns the sync state of a conversation's job, or Stopped if none
// is running.
func (c *Coordinator) State(conversationID string) status.State {
	c.mu.Lock()
	j, ok := c.jobs[conversationID]
	c.mu.Unlock()
	if !ok {
		return status.Stopped
	}
	return j.machine.Current()
}

// States returns the sync state of every running job.
func (c *Coordinator) States() map[string]status.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	states := make(map[string]status.State, len(c.jobs))
	for id, j := range c.jobs {
		states[id] = j.machine.Current()
	}
	return states
}

// Stalled reports whether the conversation's job has been failing for longer
// than the stall threshold.
func (c *Coordinator) Stalled(conversationID string) bool {
	return c.State(conversationID) == status.Stalled
}

// Offline reports whether every running job is stalled. With no running
// jobs there is nothing to judge by and the daemon is not offline.
func (c *Coordinator) Offline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.jobs) == 0 {
		return false
	}
	for _, j := range c.jobs {
		if j.machine.Current() != status.Stalled {
			return false
		}
	}
	return true
}

// LastMerge returns when the conversation last merged successfully.
func (c *Coordinator) LastMerge(ctx context.Context, conversationID string) (time.Time, error) {
	return c.checkpoints.LastMerge(ctx, conversationID)
}

// Leave stops the conversation's job regardless of its references and
// removes the conversation from the cache.
func (c *Coordinator) Leave(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	j, ok := c.jobs[conversationID]
	if ok {
		delete(c.jobs, conversationID)
		j.cancel()
	}
	c.mu.Unlock()
	if ok {
		<-j.done
	}
	c.guard.Forget(conversationID)
	return c.cache.Teardown(ctx, conversationID)
}

// TeardownAll stops every job and clears the cache, as on logout.
func (c *Coordinator) TeardownAll(ctx context.Context) error {
	c.mu.Lock()
	jobs := c.jobs
	c.jobs = make(map[string]*job)
	c.mu.Unlock()
	for id, j := range jobs {
		j.cancel()
		<-j.done
		c.guard.Forget(id)
	}
	return c.cache.TeardownAll(ctx)
}

// Shutdown stops every job and waits for them to exit.
func (c *Coordinator) Shutdown() {
	c.cancel()
	c.wg.Wait()
	c.mu.Lock()
	c.jobs = make(map[string]*job)
	c.mu.Unlock()
}

// Merge applies one batch of remote records to the cache and returns the
// number of rows written. Records are written when they are newer than the
// newest cached one, when they are missing from the cache, or when the
// cached copy is still pending and the record has been acknowledged.
// Soft-deleted records hide their cached copy and are otherwise ignored.
func (c *Coordinator) Merge(ctx context.Context, conversationID string, msgs []chat.Message) (int, error) {
	last, err := c.cache.LastKnownTimestamp(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("last known timestamp: %w", err)
	}

	var lookup []string
	for _, m := range msgs {
		if m.IsDeleted || m.LocalTimestamp <= last {
			lookup = append(lookup, m.ID)
		}
	}
	var states map[string]store.MessageState
	if len(lookup) > 0 {
		if states, err = c.cache.States(ctx, lookup); err != nil {
			return 0, fmt.Errorf("cached states: %w", err)
		}
	}

	var delta []store.CachedMessage
	for _, m := range msgs {
		m.ConversationID = conversationID
		st, cached := states[m.ID]
		switch {
		case m.IsDeleted:
			if !cached || st.IsDeleted {
				continue
			}
		case m.LocalTimestamp > last:
		case !cached:
			// Arrived late, e.g. from a sender whose clock is behind.
		case st.ServerTS == 0 && !m.Pending():
			// Acknowledged since it was cached.
		default:
			continue
		}
		delta = append(delta, store.CachedMessage{Message: m})
	}
	if len(delta) == 0 {
		return 0, nil
	}

	n, err := c.cache.Upsert(ctx, delta)
	if err != nil {
		return 0, err
	}
	c.metrics.RowsWritten.Add(float64(n))
	return n, nil
}

// MarkSeen advances the current user's lastSeenAt to the newest cached
// message from someone else. It reports whether a write was issued.
func (c *Coordinator) MarkSeen(ctx context.Context, conversationID string) (bool, error) {
	newest, err := c.cache.DB().NewestFromOthers(ctx, conversationID, c.cfg.UserID)
	if err != nil {
		return false, fmt.Errorf("newest message: %w", err)
	}
	conv, err := c.cache.Conversation(ctx, conversationID)
	if err != nil {
		return false, fmt.Errorf("load conversation: %w", err)
	}
	if conv != nil && conv.Member(c.cfg.UserID).LastSeenAt >= newest {
		return false, nil
	}
	return c.guard.Advance(ctx, conversationID, chat.LastSeen, newest), nil
}
