package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"StoryToComic-server/models"
)

// Clock is the time source of the autosave scheduler.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time                            { return time.Now() }
func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// DefaultQuietPeriod is how long the state must stay unchanged before it is written.
const DefaultQuietPeriod = time.Second

// Autosaver 防抖写入：每次变更重置计时器，静默期结束后把最后一次快照写入一次。
// 写入按序号串行，较早的快照不会覆盖较晚的快照。
type Autosaver struct {
	mu              sync.Mutex
	clock           Clock
	quiet           time.Duration
	write           func(ctx context.Context, snap *models.Project) error
	enabled         bool
	pending         *models.Project
	pendingSeq      uint64
	lastScheduledAt time.Time
	timer           Timer
	seq             uint64

	writeMu sync.Mutex
	written uint64
	log     *slog.Logger
}

func NewAutosaver(clock Clock, quiet time.Duration, write func(context.Context, *models.Project) error, log *slog.Logger) *Autosaver {
	if clock == nil {
		clock = realClock{}
	}
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	return &Autosaver{clock: clock, quiet: quiet, write: write, log: log}
}

// Enable turns scheduling on; snapshots scheduled before that are dropped.
func (a *Autosaver) Enable() {
	a.mu.Lock()
	a.enabled = true
	a.mu.Unlock()
}

// Disable stops scheduling and drops any pending snapshot without writing it.
func (a *Autosaver) Disable() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = false
	a.pending = nil
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// Schedule records snap as the latest state and restarts the quiet period.
func (a *Autosaver) Schedule(snap *models.Project) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled {
		return
	}
	a.seq++
	a.pending = snap
	a.pendingSeq = a.seq
	a.lastScheduledAt = a.clock.Now()
	if a.timer != nil {
		a.timer.Stop()
	}
	seq := a.seq
	a.timer = a.clock.AfterFunc(a.quiet, func() { a.fire(seq) })
}

func (a *Autosaver) fire(seq uint64) {
	a.mu.Lock()
	if seq != a.seq || a.pending == nil {
		// 已被更新的快照取代
		a.mu.Unlock()
		return
	}
	snap, snapSeq := a.pending, a.pendingSeq
	a.pending = nil
	a.timer = nil
	a.mu.Unlock()

	a.writeSnapshot(context.Background(), snap, snapSeq)
}

// Flush writes the pending snapshot now, if any.
func (a *Autosaver) Flush(ctx context.Context) {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	snap, snapSeq := a.pending, a.pendingSeq
	a.pending = nil
	a.mu.Unlock()

	if snap != nil {
		a.writeSnapshot(ctx, snap, snapSeq)
	}
}

// Pending reports whether a write is waiting for the quiet period to end.
func (a *Autosaver) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending != nil
}

// LastScheduledAt is when the most recent mutation was scheduled.
func (a *Autosaver) LastScheduledAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastScheduledAt
}

func (a *Autosaver) writeSnapshot(ctx context.Context, snap *models.Project, seq uint64) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if seq <= a.written {
		return
	}
	if err := a.write(ctx, snap); err != nil {
		// 自动保存失败只记录日志，不影响工作流
		a.log.Error("autosave failed", slog.String("project", snap.ID), slog.Any("err", err))
		return
	}
	a.written = seq
}
