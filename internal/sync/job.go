package sync

import (
	"context"
	"time"

	"github.com/matheus3301/synapse/internal/bus"
	"github.com/matheus3301/synapse/internal/chat"
	"github.com/matheus3301/synapse/internal/remote"
	"github.com/matheus3301/synapse/internal/status"
	"go.uber.org/zap"
)

// jobLoop is the state owned by one job goroutine.
type jobLoop struct {
	c      *Coordinator
	j      *job
	logger *zap.Logger

	pending      *remote.MessageSnapshot // snapshot still to be merged
	conv         *chat.Conversation      // latest remote metadata
	failingSince time.Time
	retry        *time.Timer
	stall        *time.Timer
}

func (c *Coordinator) run(ctx context.Context, j *job) {
	defer c.wg.Done()
	defer close(j.done)

	l := &jobLoop{c: c, j: j, logger: c.logger.With(zap.String("conversation_id", j.conversationID))}
	defer l.stop()

	l.transition(status.Subscribing)
	msgs := c.listener.Messages(ctx, j.conversationID)
	defer msgs.Close()
	meta := c.listener.Conversation(ctx, j.conversationID)
	defer meta.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-msgs.C():
			if !ok {
				return
			}
			if snap.Err != nil {
				// Keep the last good state; the listener re-subscribes.
				l.failing()
				continue
			}
			l.pending = &snap
			l.mergePending(ctx)
		case snap, ok := <-meta.C():
			if !ok {
				return
			}
			if snap.Err != nil {
				l.failing()
				continue
			}
			l.applyConversation(ctx, snap.Conversation)
		case <-l.j.poke:
			l.advanceWatermarks(ctx)
		case <-timerC(l.retry):
			l.retry = nil
			l.mergePending(ctx)
		case <-timerC(l.stall):
			l.stall = nil
			if l.j.machine.Current() == status.Retrying {
				l.transition(status.Stalled)
				c.metrics.StalledJobs.Inc()
				l.logger.Warn("sync stalled", zap.Duration("failing_for", time.Since(l.failingSince)))
			}
		}
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// mergePending merges the pending snapshot through the worker pool under the
// soft merge timeout. On failure the snapshot is kept and a retry scheduled;
// a newer snapshot arriving first replaces it.
func (l *jobLoop) mergePending(ctx context.Context) {
	if l.pending == nil {
		return
	}
	c := l.c
	if err := c.pool.Acquire(ctx, 1); err != nil {
		return
	}
	start := time.Now()
	mctx, cancel := context.WithTimeout(ctx, c.cfg.MergeTimeout)
	records := append(append([]chat.Message(nil), l.pending.Messages...), l.pending.Deleted...)
	n, err := c.Merge(mctx, l.j.conversationID, records)
	cancel()
	c.pool.Release(1)
	c.metrics.MergeDuration.Observe(time.Since(start).Seconds())

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		c.metrics.MergeFailures.Inc()
		l.logger.Error("merge failed, retrying", zap.Error(err), zap.Uint64("revision", l.pending.Revision))
		l.failing()
		if l.retry == nil {
			l.retry = time.NewTimer(c.cfg.RetryInterval)
		}
		return
	}

	rev := l.pending.Revision
	l.pending = nil
	c.metrics.SnapshotsMerged.Inc()
	l.live()
	if err := c.checkpoints.MarkMerged(ctx, l.j.conversationID, time.Now()); err != nil {
		l.logger.Warn("failed to record checkpoint", zap.Error(err))
	}
	c.bus.Publish(bus.Event{Kind: bus.SyncMerged, ConversationID: l.j.conversationID, Payload: n})
	l.logger.Debug("snapshot merged", zap.Uint64("revision", rev), zap.Int("rows", n))
	l.advanceWatermarks(ctx)
}

func (l *jobLoop) applyConversation(ctx context.Context, conv *chat.Conversation) {
	if conv == nil {
		return
	}
	l.conv = conv
	if err := l.c.cache.PutConversation(ctx, conv); err != nil {
		l.logger.Error("failed to store conversation", zap.Error(err))
		return
	}
	l.advanceWatermarks(ctx)
}

// advanceWatermarks moves the current user's lastReceivedAt, and lastSeenAt
// while the conversation is viewed, up to the newest cached message from
// another member. The guard suppresses repeats while a write echoes back.
func (l *jobLoop) advanceWatermarks(ctx context.Context) {
	c := l.c
	if l.conv == nil {
		return
	}
	newest, err := c.cache.DB().NewestFromOthers(ctx, l.j.conversationID, c.cfg.UserID)
	if err != nil {
		l.logger.Warn("failed to read newest message", zap.Error(err))
		return
	}
	if newest == 0 {
		return
	}
	me := l.conv.Member(c.cfg.UserID)
	if me.LastReceivedAt < newest {
		c.guard.Advance(ctx, l.j.conversationID, chat.LastReceived, newest)
	}
	if l.viewed() && me.LastSeenAt < newest {
		c.guard.Advance(ctx, l.j.conversationID, chat.LastSeen, newest)
	}
}

func (l *jobLoop) viewed() bool {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	return l.j.viewers > 0
}

func (l *jobLoop) failing() {
	switch l.j.machine.Current() {
	case status.Subscribing, status.Live:
		l.transition(status.Retrying)
	}
	if l.failingSince.IsZero() {
		l.failingSince = time.Now()
		l.stall = time.NewTimer(l.c.cfg.StallAfter)
	}
}

func (l *jobLoop) live() {
	switch l.j.machine.Current() {
	case status.Stalled:
		l.c.metrics.StalledJobs.Dec()
		l.logger.Info("sync recovered", zap.Duration("failed_for", time.Since(l.failingSince)))
		l.transition(status.Live)
	case status.Subscribing, status.Retrying:
		l.transition(status.Live)
	}
	l.failingSince = time.Time{}
	if l.stall != nil {
		l.stall.Stop()
		l.stall = nil
	}
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
}

func (l *jobLoop) transition(to status.State) {
	if err := l.j.machine.Transition(to); err != nil {
		l.logger.Warn("unexpected sync state transition", zap.Error(err))
	}
}

func (l *jobLoop) stop() {
	if l.j.machine.Current() == status.Stalled {
		l.c.metrics.StalledJobs.Dec()
	}
	if l.stall != nil {
		l.stall.Stop()
	}
	if l.retry != nil {
		l.retry.Stop()
	}
	l.transition(status.Stopped)
	l.c.metrics.ActiveJobs.Dec()
	l.logger.Info("merge job stopped")
}
