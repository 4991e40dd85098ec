package savequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type StorageMode string

const (
	ModeServer StorageMode = "server"
	ModeLocal  StorageMode = "local"
)

const DefaultMaxRetries = 3

var (
	ErrFullSaveInProgress = errors.New("full save already in progress")
	ErrNoFullSaver        = errors.New("no full saver configured")
)

type Status struct {
	Saving             bool       `json:"isSaving"`
	QueueLength        int        `json:"queueLength"`
	CurrentOperation   *Operation `json:"currentOperation,omitempty"`
	FullSaveInProgress bool       `json:"isFullSaveInProgress"`
	PendingDebounced   int        `json:"pendingDebounced"`
}

type Option func(*Service)

func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.observer = o
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMaxRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithRetryBackoff delays each re-attempt by d times the retry count.
func WithRetryBackoff(d time.Duration) Option {
	return func(s *Service) { s.retryBackoff = d }
}

func WithFullSaver(f FullSaver) Option {
	return func(s *Service) { s.fullSaver = f }
}

// WithFullSaveTrigger sets the hook invoked instead of queueing while the
// service is in local storage mode.
func WithFullSaveTrigger(fn func()) Option {
	return func(s *Service) { s.triggerFullSave = fn }
}

// WithIndependentFullSaver marks the full saver as keeping its own revision
// clock, separate from the entity store. Stamps returned by entity writes are
// then not tracked, and Versions follows full saves only.
func WithIndependentFullSaver() Option {
	return func(s *Service) { s.entityStamps = false }
}

func WithStorageMode(mode StorageMode) Option {
	return func(s *Service) { s.mode = mode }
}

// Service is the save queue for one open story. The zero value is not
// usable; construct with New.
type Service struct {
	adapter      Adapter
	fullSaver    FullSaver
	observer     Observer
	logger       *slog.Logger
	maxRetries   int
	retryBackoff time.Duration
	delays       DebounceDelays
	versions     VersionTracker
	entityStamps bool
	debounce     *debouncer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	queue           queue
	mode            StorageMode
	triggerFullSave func()
	processing      bool
	done            chan struct{}
	current         *Operation
	fullSave        bool
	closed          bool
	events          []func(Observer)

	flushMu sync.Mutex
}

func New(adapter Adapter, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		adapter:      adapter,
		observer:     ObserverFuncs{},
		logger:       slog.New(slog.DiscardHandler),
		maxRetries:   DefaultMaxRetries,
		delays:       DefaultDebounceDelays,
		mode:         ModeServer,
		entityStamps: true,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.debounce = newDebouncer(func(op Operation) {
		if _, err := s.QueueSave(op); err != nil {
			s.logger.Warn("debounced save not queued", "type", op.Type(), "entity", op.EntityID, "error", err)
		}
	})
	return s
}

// QueueSave coalesces op into the queue and starts the worker if it is idle.
// The returned channel closes when the processing run op joined has finished,
// which may include operations queued by other callers.
func (s *Service) QueueSave(op Operation) (<-chan struct{}, error) {
	if err := op.Validate(); err != nil {
		return nil, fmt.Errorf("queueing save: %w", err)
	}
	if !op.Is(KindUpdate) && s.debounce.cancel(op.Key()) {
		s.logger.Debug("dropped debounced update", "type", op.Type(), "entity", op.EntityID)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.mode == ModeLocal {
		trigger := s.triggerFullSave
		s.mu.Unlock()
		if trigger != nil {
			trigger()
		}
		return closedChan(), nil
	}
	if s.fullSave {
		s.mu.Unlock()
		s.logger.Debug("full save in progress, skipping save", "type", op.Type(), "entity", op.EntityID)
		return closedChan(), nil
	}

	queued := op.clone()
	stamp(&queued, time.Now())
	outcome := s.queue.submit(&queued)
	if outcome != Merged && outcome != Discarded {
		s.enqueueLengthLocked()
	}
	done := s.startLocked()
	s.mu.Unlock()
	s.flush()

	s.logger.Debug("queued save", "type", queued.Type(), "entity", queued.EntityID, "outcome", outcome.String())
	return done, nil
}

// QueueSaveDebounced queues op once no newer operation for the same entity
// has arrived for delay. Only updates are debounced.
func (s *Service) QueueSaveDebounced(op Operation, delay time.Duration) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("queueing debounced save: %w", err)
	}
	s.mu.Lock()
	closed, mode, trigger := s.closed, s.mode, s.triggerFullSave
	s.mu.Unlock()

	switch {
	case closed:
		return ErrClosed
	case mode == ModeLocal:
		if trigger != nil {
			trigger()
		}
		return nil
	case !op.Is(KindUpdate) || delay <= 0:
		_, err := s.QueueSave(op)
		return err
	}
	s.debounce.schedule(op.clone(), delay)
	return nil
}

// CancelAllPendingSaves drops every debounce timer and queued operation. An
// operation already in flight is not interrupted.
func (s *Service) CancelAllPendingSaves() {
	timers := s.debounce.cancelAll()
	s.mu.Lock()
	dropped := s.queue.clear()
	s.enqueueLengthLocked()
	s.mu.Unlock()
	s.flush()
	if timers > 0 || dropped > 0 {
		s.logger.Info("cancelled pending saves", "queued", dropped, "debounced", timers)
	}
}

// SaveFullStory cancels pending saves, waits for the in-flight operation and
// writes the whole document with the last known version stamp.
func (s *Service) SaveFullStory(ctx context.Context, storyID string, payload json.RawMessage) error {
	return s.saveFull(ctx, storyID, payload, false)
}

// ForceSave writes the whole document without the version check. It is the
// explicit overwrite a user chooses after reviewing a conflict.
func (s *Service) ForceSave(ctx context.Context, storyID string, payload json.RawMessage) error {
	return s.saveFull(ctx, storyID, payload, true)
}

func (s *Service) saveFull(ctx context.Context, storyID string, payload json.RawMessage, force bool) error {
	if s.fullSaver == nil {
		return ErrNoFullSaver
	}
	s.CancelAllPendingSaves()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.fullSave {
		s.mu.Unlock()
		return ErrFullSaveInProgress
	}
	s.fullSave = true
	var running chan struct{}
	if s.processing {
		running = s.done
	}
	s.events = append(s.events, func(o Observer) { o.SaveStatusChanged(true) })
	s.mu.Unlock()
	s.flush()

	if running != nil {
		select {
		case <-running:
		case <-ctx.Done():
			s.endFullSave(nil)
			return ctx.Err()
		}
	}

	expected := s.versions.Stamp()
	updatedAt, err := s.fullSaver.SaveStory(ctx, storyID, payload, expected, force)
	if err == nil {
		s.versions.Observe(updatedAt)
		s.logger.Info("full save completed", "story", storyID, "force", force, "updated_at", updatedAt)
	}
	s.endFullSave(err)
	if err != nil {
		return fmt.Errorf("saving story %s: %w", storyID, err)
	}
	return nil
}

func (s *Service) endFullSave(err error) {
	s.mu.Lock()
	s.fullSave = false
	saving := s.processing
	s.events = append(s.events, func(o Observer) { o.SaveStatusChanged(saving) })
	if err != nil && !errors.Is(err, context.Canceled) {
		if Classify(err) == ClassConflict {
			server, client := conflictStamps(err)
			if client.IsZero() {
				client = s.versions.Stamp()
			}
			s.logger.Warn("full save conflict", "server_updated_at", server, "client_updated_at", client)
			s.events = append(s.events, func(o Observer) { o.Conflict(server, client) })
		} else {
			s.logger.Error("full save failed", "error", err)
			s.events = append(s.events, func(o Observer) { o.Error(err) })
		}
	}
	s.mu.Unlock()
	s.flush()
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Saving:             s.processing || s.fullSave,
		QueueLength:        s.queue.len(),
		FullSaveInProgress: s.fullSave,
		PendingDebounced:   s.debounce.len(),
	}
	if s.current != nil {
		current := s.current.clone()
		st.CurrentOperation = &current
	}
	return st
}

// Pending returns copies of the queued operations in execution order.
func (s *Service) Pending() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.snapshot()
}

func (s *Service) Versions() *VersionTracker {
	return &s.versions
}

func (s *Service) SetStorageMode(mode StorageMode) {
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
}

func (s *Service) StorageMode() StorageMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Close stops debounce timers and the worker. Operations still queued stay
// queued and can be read with Pending.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.debounce.cancelAll()
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Service) startLocked() <-chan struct{} {
	if s.processing {
		return s.done
	}
	if s.queue.len() == 0 || s.fullSave {
		return closedChan()
	}
	s.processing = true
	s.done = make(chan struct{})
	s.events = append(s.events, func(o Observer) { o.SaveStatusChanged(true) })
	s.wg.Add(1)
	go s.drain(s.done)
	return s.done
}

func (s *Service) drain(done chan struct{}) {
	defer s.wg.Done()
	defer close(done)

	s.logger.Debug("save queue drain started")
	for {
		op := s.next()
		s.flush()
		if op == nil {
			break
		}
		if !s.execute(op) {
			break
		}
	}
	s.logger.Debug("save queue drain finished")
}

// next pops the head operation, or marks the worker idle in the same
// critical section so a concurrent QueueSave either joins this run or
// starts a new one.
func (s *Service) next() *Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.len() == 0 || s.fullSave || s.ctx.Err() != nil {
		s.finishLocked()
		return nil
	}
	op := s.queue.pop()
	s.current = op
	s.enqueueLengthLocked()
	return op
}

func (s *Service) finishLocked() {
	if !s.processing {
		return
	}
	s.current = nil
	s.processing = false
	s.events = append(s.events, func(o Observer) { o.SaveStatusChanged(false) })
}

// execute runs one operation and reports whether the drain should continue.
func (s *Service) execute(op *Operation) bool {
	if op.RetryCount > 0 && s.retryBackoff > 0 {
		timer := time.NewTimer(time.Duration(op.RetryCount) * s.retryBackoff)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			s.putBack(op)
			return false
		}
	}

	start := time.Now()
	result, err := s.adapter.Save(s.ctx, op.clone())
	took := time.Since(start)
	attempted := op.clone()
	s.emit(func(o Observer) { o.OperationAttempted(attempted, err, took) })

	if err == nil {
		if s.entityStamps {
			s.versions.Observe(result.UpdatedAt)
		}
		s.logger.Debug("saved", "type", op.Type(), "entity", op.EntityID, "took", took)
		return true
	}
	if s.ctx.Err() != nil {
		s.putBack(op)
		return false
	}
	return s.handleFailure(op, err)
}

func (s *Service) handleFailure(op *Operation, err error) bool {
	failed := op.clone()
	class := Classify(err)
	log := s.logger.With("type", op.Type(), "entity", op.EntityID, "story", op.StoryID, "class", class.String(), "error", err)

	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.flush()
	}()

	switch class {
	case ClassAuth:
		log.Error("authentication failed, clearing save queue")
		s.queue.clear()
		s.enqueueLengthLocked()
		fatal := fmt.Errorf("%w: %w", ErrAuthExpired, err)
		s.events = append(s.events, func(o Observer) { o.Error(fatal) })
		s.finishLocked()
		return false

	case ClassConflict:
		server, client := conflictStamps(err)
		if client.IsZero() {
			client = s.versions.Stamp()
		}
		log.Warn("version conflict, clearing save queue")
		s.queue.clear()
		s.enqueueLengthLocked()
		s.events = append(s.events, func(o Observer) { o.Conflict(server, client) })
		s.finishLocked()
		return false

	case ClassClient:
		log.Warn("client error, dropping operation")
		s.events = append(s.events, func(o Observer) { o.OperationFailed(failed, err) })
		return true

	default:
		if op.RetryCount < s.maxRetries {
			op.RetryCount++
			log.Warn("retrying operation", "attempt", op.RetryCount, "max", s.maxRetries)
			if s.queue.requeue(op) == Replaced {
				log.Debug("retried operation superseded by a newer save")
			}
			s.enqueueLengthLocked()
			return true
		}
		log.Error("operation failed after retries, dropping")
		s.events = append(s.events,
			func(o Observer) { o.OperationFailed(failed, err) },
			func(o Observer) { o.Error(err) },
		)
		return true
	}
}

// putBack returns an interrupted operation to the head without consuming a
// retry and ends the run.
func (s *Service) putBack(op *Operation) {
	s.mu.Lock()
	if s.queue.requeue(op) == Replaced {
		s.logger.Debug("interrupted operation superseded by a newer save", "type", op.Type(), "entity", op.EntityID)
	}
	s.enqueueLengthLocked()
	s.finishLocked()
	s.mu.Unlock()
	s.flush()
}

func (s *Service) enqueueLengthLocked() {
	n := s.queue.len()
	s.events = append(s.events, func(o Observer) { o.QueueLengthChanged(n) })
}

func (s *Service) emit(ev func(Observer)) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.flush()
}

// flush delivers queued notifications in the order they were recorded. Only
// one goroutine delivers at a time; a caller that finds delivery busy leaves
// its events to the active deliverer, which also covers observers that call
// back into the service.
func (s *Service) flush() {
	for {
		if !s.flushMu.TryLock() {
			return
		}
		for {
			s.mu.Lock()
			events := s.events
			s.events = nil
			s.mu.Unlock()
			if len(events) == 0 {
				break
			}
			for _, ev := range events {
				ev(s.observer)
			}
		}
		s.flushMu.Unlock()

		s.mu.Lock()
		remaining := len(s.events)
		s.mu.Unlock()
		if remaining == 0 {
			return
		}
	}
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
