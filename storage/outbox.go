package storage

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/randyvpcode/task-manager/domain"
)

// OutboxConfig tunes the background push of local changes.
type OutboxConfig struct {
	BufferSize     int
	Workers        int
	BatchSize      int
	FlushInterval  time.Duration
	PushTimeout    time.Duration
	HandoffTimeout time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
	SweepInterval  time.Duration
	SegmentBytes   int64
	SyncEvery      int
}

// DefaultOutboxConfig returns the settings used when none are configured.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BufferSize:     256,
		Workers:        2,
		BatchSize:      16,
		FlushInterval:  20 * time.Millisecond,
		PushTimeout:    30 * time.Second,
		HandoffTimeout: 10 * time.Millisecond,
		RetryInitial:   500 * time.Millisecond,
		RetryMax:       time.Minute,
		SweepInterval:  time.Second,
		SegmentBytes:   16 * 1024 * 1024,
		SyncEvery:      1,
	}
}

func (c OutboxConfig) withDefaults() OutboxConfig {
	def := DefaultOutboxConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.BufferSize <= 0 {
		c.BufferSize = c.Workers * c.BatchSize * 2
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = def.PushTimeout
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = def.RetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = def.RetryMax
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.SegmentBytes <= 0 {
		c.SegmentBytes = def.SegmentBytes
	}
	if c.SyncEvery <= 0 {
		c.SyncEvery = 1
	}
	return c
}

// outbox pushes journaled changes to the remote with batching workers and
// retries. Undelivered changes survive restarts through the journal.
type outbox struct {
	cfg         OutboxConfig
	remote      Remote
	logger      *log.Logger
	journal     *journal
	onDelivered func([]Document)

	workCh   chan *pendingChange
	stopCh   chan struct{}
	workerWG sync.WaitGroup
	retryWG  sync.WaitGroup

	mu        sync.Mutex
	inflight  map[uint64]*pendingChange
	backlog   []*pendingChange
	acked     map[uint64]struct{}
	nextAck   uint64
	closing   bool
	delivered atomic.Uint64
}

func newOutbox(cfg OutboxConfig, remote Remote, logger *log.Logger, j *journal, recovered []*pendingChange) *outbox {
	o := &outbox{
		cfg:      cfg,
		remote:   remote,
		logger:   logger,
		journal:  j,
		workCh:   make(chan *pendingChange, cfg.BufferSize),
		stopCh:   make(chan struct{}),
		inflight: make(map[uint64]*pendingChange),
		acked:    make(map[uint64]struct{}),
		nextAck:  j.committed,
	}
	sort.Slice(recovered, func(i, k int) bool { return recovered[i].Offset < recovered[k].Offset })
	for _, rec := range recovered {
		o.inflight[rec.Offset] = rec
		o.backlog = append(o.backlog, rec)
	}
	if len(recovered) > 0 {
		logger.WithField("pending", len(recovered)).Info("recovered undelivered changes from journal")
	}
	return o
}

func (o *outbox) start() {
	if o.remote == nil {
		return
	}
	for i := 0; i < o.cfg.Workers; i++ {
		o.workerWG.Add(1)
		go o.worker(i)
	}
	o.workerWG.Add(1)
	go o.sweepLoop()
}

// sweepLoop hands backlogged changes to the workers once buffer space frees up.
func (o *outbox) sweepLoop() {
	defer o.workerWG.Done()
	o.sweep()
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.sweep()
		case <-o.stopCh:
			return
		}
	}
}

func (o *outbox) sweep() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.backlog) > 0 {
		rec := o.backlog[0]
		if _, ok := o.inflight[rec.Offset]; !ok {
			o.backlog = o.backlog[1:]
			continue
		}
		select {
		case o.workCh <- rec:
			o.backlog = o.backlog[1:]
		default:
			return
		}
	}
}

func (o *outbox) shutdown() {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return
	}
	o.closing = true
	close(o.stopCh)
	o.mu.Unlock()

	o.workerWG.Wait()
	o.retryWG.Wait()
	if err := o.journal.close(); err != nil {
		o.logger.WithError(err).Error("close change journal")
	}
}

// enqueue journals doc and hands it to a worker. A full buffer leaves the
// change in the backlog instead of failing the local write.
func (o *outbox) enqueue(doc Document) error {
	rec := &pendingChange{Doc: doc.clone(), QueuedAt: time.Now().UTC()}

	o.journal.mu.Lock()
	err := o.journal.appendLocked(rec)
	o.journal.mu.Unlock()
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return nil
	}
	o.inflight[rec.Offset] = rec
	if o.remote == nil {
		o.backlog = append(o.backlog, rec)
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	if !o.handoff(rec) {
		o.mu.Lock()
		o.backlog = append(o.backlog, rec)
		o.mu.Unlock()
	}
	return nil
}

func (o *outbox) handoff(rec *pendingChange) bool {
	select {
	case o.workCh <- rec:
		return true
	default:
	}
	if o.cfg.HandoffTimeout <= 0 {
		return false
	}
	timer := time.NewTimer(o.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case o.workCh <- rec:
		return true
	case <-timer.C:
		return false
	case <-o.stopCh:
		return false
	}
}

func (o *outbox) worker(id int) {
	defer o.workerWG.Done()

	batch := make([]*pendingChange, 0, o.cfg.BatchSize)
	timer := time.NewTimer(o.cfg.FlushInterval)
	defer timer.Stop()
	for {
		if len(batch) == 0 {
			select {
			case rec := <-o.workCh:
				batch = append(batch, rec)
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(o.cfg.FlushInterval)
			case <-o.stopCh:
				return
			}
		}

	gather:
		for len(batch) < o.cfg.BatchSize {
			select {
			case rec := <-o.workCh:
				batch = append(batch, rec)
			case <-timer.C:
				break gather
			case <-o.stopCh:
				return
			}
		}

		o.flushBatch(batch, id)
		batch = batch[:0]
	}
}

func (o *outbox) flushBatch(batch []*pendingChange, workerID int) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PushTimeout)
	defer cancel()

	delivered := make([]*pendingChange, 0, len(batch))
	for _, rec := range batch {
		if err := o.push(ctx, rec); err != nil {
			o.logger.WithError(err).WithFields(log.Fields{
				"worker":  workerID,
				"doc":     rec.Doc.ID,
				"offset":  rec.Offset,
				"attempt": rec.Attempt,
			}).Warn("push failed, will retry")
			o.scheduleRetry(rec)
			continue
		}
		delivered = append(delivered, rec)
	}
	if len(delivered) > 0 {
		o.markDelivered(delivered)
	}
}

// push sends one change. A remote that already holds a newer revision wins
// and the change counts as delivered.
func (o *outbox) push(ctx context.Context, rec *pendingChange) error {
	err := o.remote.Put(ctx, rec.Doc)
	if err == nil || errors.Is(err, domain.ErrConflict) {
		if err != nil {
			o.logger.WithFields(log.Fields{"doc": rec.Doc.ID, "rev": rec.Doc.Rev}).Debug("remote holds newer revision, local change superseded")
		}
		rec.Attempt = 0
		rec.LastErr = ""
		return nil
	}
	rec.Attempt++
	rec.LastErr = err.Error()
	return err
}

func (o *outbox) markDelivered(records []*pendingChange) {
	var commit uint64
	docs := make([]Document, 0, len(records))

	o.mu.Lock()
	for _, rec := range records {
		if _, ok := o.inflight[rec.Offset]; !ok {
			continue
		}
		delete(o.inflight, rec.Offset)
		o.acked[rec.Offset] = struct{}{}
		docs = append(docs, rec.Doc)
	}
	o.delivered.Add(uint64(len(docs)))
	for {
		next := o.nextAck + 1
		if _, ok := o.acked[next]; !ok {
			break
		}
		delete(o.acked, next)
		o.nextAck = next
		commit = next
	}
	o.mu.Unlock()

	if commit > 0 {
		o.journal.mu.Lock()
		if err := o.journal.commitLocked(commit); err != nil && !errors.Is(err, errJournalClosed) {
			o.logger.WithError(err).Error("commit change journal")
		}
		o.journal.mu.Unlock()
	}
	if len(docs) > 0 && o.onDelivered != nil {
		o.onDelivered(docs)
	}
}

func (o *outbox) scheduleRetry(rec *pendingChange) {
	delay := backoff(rec.Attempt, o.cfg.RetryInitial, o.cfg.RetryMax)
	o.retryWG.Add(1)
	go func() {
		defer o.retryWG.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case o.workCh <- rec:
			case <-o.stopCh:
			}
		case <-o.stopCh:
		}
	}()
}

// drain pushes every undelivered change synchronously, oldest first.
func (o *outbox) drain(ctx context.Context) error {
	if o.remote == nil {
		return ErrNoRemote
	}
	o.mu.Lock()
	pending := make([]*pendingChange, 0, len(o.inflight))
	for _, rec := range o.inflight {
		pending = append(pending, rec)
	}
	o.mu.Unlock()
	sort.Slice(pending, func(i, k int) bool { return pending[i].Offset < pending[k].Offset })

	var errs []error
	delivered := make([]*pendingChange, 0, len(pending))
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := o.remote.Put(ctx, rec.Doc); err != nil && !errors.Is(err, domain.ErrConflict) {
			errs = append(errs, err)
			continue
		}
		delivered = append(delivered, rec)
	}
	if len(delivered) > 0 {
		o.markDelivered(delivered)
	}
	return errors.Join(errs...)
}

func (o *outbox) pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

func backoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = time.Minute
	}
	if attempt <= 1 {
		return initial
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if d > float64(max) {
		d = float64(max)
	}
	jitter := 0.2 * d
	return time.Duration(d + (rand.Float64()-0.5)*2*jitter)
}
