package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/feeledger/core"
	"github.com/trezcool/feeledger/core/connectivity"
	"github.com/trezcool/feeledger/core/retryq"
	"github.com/trezcool/feeledger/core/syncq"
)

var ErrNotIdle = errors.New("sync worker already started")

type Lifecycle string

const (
	Idle    Lifecycle = "idle"
	Active  Lifecycle = "active"
	Stopped Lifecycle = "stopped"
)

type (
	Queue interface {
		Drain(ctx context.Context) (syncq.DrainResult, error)
		Status(ctx context.Context) (syncq.QueueStatus, error)
	}

	RetryQueue interface {
		Replay(ctx context.Context) (retryq.ReplayResult, error)
		Expire(ctx context.Context) ([]retryq.LostWrite, error)
		Size(ctx context.Context) (int, error)
		CountLostWrites(ctx context.Context) (int, error)
	}

	Connectivity interface {
		Subscribe() (<-chan connectivity.Transition, func())
		Online() bool
		Report(online bool)
	}

	// Alerter tells operators about writes that will never reach the remote.
	Alerter interface {
		LostWrites(ctx context.Context, lost []retryq.LostWrite)
	}
)

type Status struct {
	Lifecycle   Lifecycle         `json:"lifecycle" yaml:"lifecycle"`
	Online      bool              `json:"online" yaml:"online"`
	Queue       syncq.QueueStatus `json:"queue" yaml:"queue"`
	RetryQueued int               `json:"retry_queued" yaml:"retry_queued"`
	LostWrites  int               `json:"lost_writes" yaml:"lost_writes"`
	LastPassAt  *time.Time        `json:"last_pass_at,omitempty" yaml:"last_pass_at,omitempty"`
	// State aggregates both queues: error when anything failed or was lost, else pending when anything waits.
	State syncq.State `json:"state" yaml:"state"`
}

type PassResult struct {
	Trigger string              `json:"trigger"`
	Drain   syncq.DrainResult   `json:"drain"`
	Replay  retryq.ReplayResult `json:"replay"`
	Expired []retryq.LostWrite  `json:"expired,omitempty"`
}

// Worker is the single consumer of the sync queue and the retry queue. Passes never overlap:
// the sync queue is drained first, then the retry queue is replayed.
type Worker struct {
	queue    Queue
	retries  RetryQueue
	conn     Connectivity
	alerter  Alerter
	interval time.Duration
	logger   core.Logger
	clock    core.Clock

	nudge    chan struct{}
	activate chan struct{}
	passMu   sync.Mutex

	mu         sync.RWMutex
	lifecycle  Lifecycle
	lastPassAt *time.Time
	lostSeen   int
	cancel     context.CancelFunc
	done       chan struct{}
	subs       map[int]chan Status
	subID      int
}

func NewWorker(queue Queue, retries RetryQueue, conn Connectivity, alerter Alerter, interval time.Duration, logger core.Logger, clock ...core.Clock) *Worker {
	w := &Worker{
		queue:     queue,
		retries:   retries,
		conn:      conn,
		alerter:   alerter,
		interval:  interval,
		logger:    logger,
		nudge:     make(chan struct{}, 1),
		activate:  make(chan struct{}, 1),
		lifecycle: Idle,
		subs:      make(map[int]chan Status),
	}
	if len(clock) > 0 {
		w.clock = clock[0]
	}
	return w
}

// Start launches the worker goroutine. A worker runs once: idle → active → stopped.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lifecycle != Idle {
		return ErrNotIdle
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.lifecycle = Active
	transitions, unsubscribe := w.conn.Subscribe()

	go func() {
		defer close(w.done)
		defer unsubscribe()
		w.loop(ctx, transitions)
	}()
	return nil
}

// Stop cancels the worker and waits for the running pass to return.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.lifecycle != Active {
		w.lifecycle = Stopped
		w.mu.Unlock()
		return
	}
	w.lifecycle = Stopped
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done

	w.mu.Lock()
	for id, ch := range w.subs {
		close(ch)
		delete(w.subs, id)
	}
	w.mu.Unlock()
}

func (w *Worker) Lifecycle() Lifecycle {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lifecycle
}

// Nudge asks for a pass after a local write; ignored while offline.
func (w *Worker) Nudge() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

// Activate asks for an immediate pass regardless of the known connectivity state.
func (w *Worker) Activate() {
	select {
	case w.activate <- struct{}{}:
	default:
	}
}

func (w *Worker) loop(ctx context.Context, transitions <-chan connectivity.Transition) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	if w.conn.Online() {
		w.runPass(ctx, "startup")
	}
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			if tr.From == connectivity.Offline && tr.To == connectivity.Online {
				w.runPass(ctx, "online")
			} else {
				w.publish(ctx)
			}
		case <-w.nudge:
			if w.conn.Online() {
				w.runPass(ctx, "write")
			}
		case <-w.activate:
			w.runPass(ctx, "activate")
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) runPass(ctx context.Context, trigger string) {
	res, err := w.Pass(ctx, trigger)
	if err != nil && ctx.Err() == nil {
		w.logger.Error(fmt.Sprintf("syncer: %s pass failed", trigger), err)
	} else if res.Drain.Synced+res.Replay.Replayed > 0 {
		w.logger.Info(fmt.Sprintf("syncer: %s pass synced %d entries, replayed %d requests", trigger, res.Drain.Synced, res.Replay.Replayed))
	}
}

// tick expires stale captured requests and, while online, retries whatever is still waiting.
func (w *Worker) tick(ctx context.Context) {
	if !w.conn.Online() {
		w.passMu.Lock()
		lost, err := w.retries.Expire(ctx)
		w.passMu.Unlock()
		if err != nil {
			w.logger.Error("syncer: expiring captured requests", err)
		}
		w.alert(ctx, lost)
		w.publish(ctx)
		return
	}

	st, err := w.Status(ctx)
	if err != nil {
		w.logger.Error("syncer: reading status", err)
		return
	}
	if st.Queue.Pending > 0 || st.RetryQueued > 0 {
		w.runPass(ctx, "poll")
	}
}

// Pass runs one full pass synchronously: drain the sync queue, then replay the retry queue.
// Network failures flip the connectivity state to offline.
func (w *Worker) Pass(ctx context.Context, trigger string) (PassResult, error) {
	w.passMu.Lock()
	defer w.passMu.Unlock()
	defer w.publish(ctx)

	res := PassResult{Trigger: trigger}
	now := w.clock.Now()
	w.mu.Lock()
	w.lastPassAt = &now
	w.mu.Unlock()

	drained, err := w.queue.Drain(ctx)
	res.Drain = drained
	if err != nil {
		if core.IsUnreachable(err) {
			w.conn.Report(false)
		}
		// captured requests may still expire while the remote is down
		lost, expErr := w.retries.Expire(ctx)
		res.Expired = lost
		w.alert(ctx, lost)
		if expErr != nil {
			w.logger.Error("syncer: expiring captured requests", expErr)
		}
		return res, errors.Wrap(err, "draining sync queue")
	}

	replayed, err := w.retries.Replay(ctx)
	res.Replay = replayed
	w.alert(ctx, replayed.Lost)
	if err != nil {
		if core.IsUnreachable(err) {
			w.conn.Report(false)
		}
		return res, errors.Wrap(err, "replaying captured requests")
	}
	return res, nil
}

func (w *Worker) alert(ctx context.Context, lost []retryq.LostWrite) {
	if len(lost) == 0 || w.alerter == nil {
		return
	}
	w.alerter.LostWrites(ctx, lost)
}

func (w *Worker) Status(ctx context.Context) (Status, error) {
	qst, err := w.queue.Status(ctx)
	if err != nil {
		return Status{}, err
	}
	retried, err := w.retries.Size(ctx)
	if err != nil {
		return Status{}, errors.Wrap(err, "counting captured requests")
	}
	lost, err := w.retries.CountLostWrites(ctx)
	if err != nil {
		return Status{}, errors.Wrap(err, "counting lost writes")
	}

	w.mu.RLock()
	st := Status{
		Lifecycle:   w.lifecycle,
		Online:      w.conn.Online(),
		Queue:       qst,
		RetryQueued: retried,
		LostWrites:  lost,
		LastPassAt:  w.lastPassAt,
		State:       qst.State,
	}
	newLosses := lost > w.lostSeen
	w.mu.RUnlock()

	switch {
	case qst.State == syncq.StateError || newLosses:
		st.State = syncq.StateError
	case retried > 0:
		st.State = syncq.StatePending
	}
	return st, nil
}

// AcknowledgeLostWrites clears the error state raised by lost writes seen so far.
func (w *Worker) AcknowledgeLostWrites(ctx context.Context) error {
	lost, err := w.retries.CountLostWrites(ctx)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.lostSeen = lost
	w.mu.Unlock()
	w.publish(ctx)
	return nil
}

// Subscribe returns a channel receiving the status after every pass and transition.
// Captured is called by the interception layer after it queued a failed write. The remote is
// unreachable, so connectivity goes offline and subscribers see the grown retry queue; the next
// successful probe brings it back online and replays the write.
func (w *Worker) Captured(req retryq.Request) {
	w.logger.Info(fmt.Sprintf("syncer: %s %s queued for replay", req.Method, req.URL))
	w.conn.Report(false)
	w.publish(context.Background())
}

func (w *Worker) Subscribe() (<-chan Status, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := w.subID
	w.subID++
	ch := make(chan Status, 4)
	w.subs[id] = ch

	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if sub, ok := w.subs[id]; ok {
			delete(w.subs, id)
			close(sub)
		}
	}
}

func (w *Worker) publish(ctx context.Context) {
	st, err := w.Status(context.WithoutCancel(ctx))
	if err != nil {
		w.logger.Error("syncer: reading status", err)
		return
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, ch := range w.subs {
		select {
		case ch <- st:
		default:
			// slow subscriber: drop the stale status, keep the latest
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}
