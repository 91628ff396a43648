package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/randyvpcode/task-manager/domain"
)

const (
	defaultPullInterval = 30 * time.Second
	defaultPullOverlap  = 5 * time.Minute
	subscriberBuffer    = 64
)

// Options configures a Store. Zero values select defaults.
type Options struct {
	DataDir string
	// PullInterval is the period of the background pull. Negative disables it.
	PullInterval time.Duration
	// PullOverlap rewinds the pull checkpoint to pick up writes from replicas
	// whose clocks run behind.
	PullOverlap   time.Duration
	Outbox        OutboxConfig
	Redis         *redis.Client
	ChannelPrefix string
	Logger        *log.Logger
	RemoteFactory RemoteFactory
	// Validate checks remote bodies before they are applied locally.
	Validate func(body map[string]any) error
}

// Store keeps a local replica of one database and synchronizes it with the
// remote configured by its Model.
type Store struct {
	model  Model
	opts   Options
	log    *log.Logger
	tracer trace.Tracer
	origin string

	mu          sync.RWMutex
	initialized bool
	local       *localDB
	remote      Remote
	outbox      *outbox
	data        []Document
	cancel      context.CancelFunc
	wake        chan struct{}
	loops       sync.WaitGroup

	// lifeMu serializes Initialize and Deinitialize.
	lifeMu sync.Mutex
	pullMu sync.Mutex

	subMu  sync.Mutex
	subs   map[int]chan Change
	nextID int
}

// New returns an uninitialized store for model.
func New(model Model, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	if opts.PullInterval == 0 {
		opts.PullInterval = defaultPullInterval
	}
	if opts.PullOverlap == 0 {
		opts.PullOverlap = defaultPullOverlap
	}
	if opts.RemoteFactory == nil {
		opts.RemoteFactory = NewTableRemote
	}
	opts.Outbox = opts.Outbox.withDefaults()
	return &Store{
		model:  model,
		opts:   opts,
		log:    opts.Logger,
		tracer: otel.Tracer("task-manager/storage"),
		origin: uuid.NewString(),
		subs:   make(map[int]chan Change),
	}
}

func (s *Store) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.name", s.model.Name()))
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Initialize opens the local database and the push journal, connects the
// remote and starts background synchronization. It is a no-op when the
// store is already initialized.
func (s *Store) Initialize(ctx context.Context) (err error) {
	ctx, span := s.startSpan(ctx, "storage.Initialize")
	defer func() { endSpan(span, err) }()

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	name := s.model.Name()
	if name == "" {
		s.mu.Unlock()
		return domain.Invalid("Database name is required")
	}
	if err := os.MkdirAll(s.opts.DataDir, 0o755); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("create data dir: %w", err)
	}

	local, err := openLocal(filepath.Join(s.opts.DataDir, name+".db"))
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("open local database: %w", err)
	}

	var remote Remote
	if url := s.model.URLRemote(); url != "" {
		remote, err = s.opts.RemoteFactory(url, s.model.OptionsRemote(), name)
		if err != nil {
			local.close()
			s.mu.Unlock()
			return fmt.Errorf("connect remote: %w", err)
		}
		if err := remote.EnsureTable(ctx); err != nil {
			s.log.WithError(err).WithField("db", name).Warn("remote unavailable, starting offline")
		}
	}

	j, recovered, err := openJournal(journalConfig{
		dir:          filepath.Join(s.opts.DataDir, name+"-outbox"),
		segmentBytes: s.opts.Outbox.SegmentBytes,
		syncEvery:    s.opts.Outbox.SyncEvery,
		logger:       s.log,
	})
	if err != nil {
		local.close()
		s.mu.Unlock()
		return fmt.Errorf("open change journal: %w", err)
	}

	docs, err := local.list(ctx)
	if err != nil {
		j.close()
		local.close()
		s.mu.Unlock()
		return fmt.Errorf("load local documents: %w", err)
	}
	for _, doc := range docs {
		observeRev(doc.Rev)
	}
	s.model.SortData(docs)

	loopCtx, cancel := context.WithCancel(context.Background())
	ob := newOutbox(s.opts.Outbox, remote, s.log, j, recovered)
	if s.opts.Redis != nil && remote != nil {
		n := newNotifier(s.opts.Redis, s.opts.ChannelPrefix, name, s.origin, s.log)
		ob.onDelivered = func(delivered []Document) { n.publish(loopCtx, delivered) }
		s.loops.Add(1)
		go func() {
			defer s.loops.Done()
			n.run(loopCtx, s.triggerPull)
		}()
	}
	ob.start()

	s.local = local
	s.remote = remote
	s.outbox = ob
	s.data = docs
	s.cancel = cancel
	wake := make(chan struct{}, 1)
	s.wake = wake
	s.initialized = true
	// The pull loop is counted before the store is visible as initialized.
	if remote != nil {
		s.loops.Add(1)
	}
	s.mu.Unlock()

	s.log.WithFields(log.Fields{"db": name, "documents": len(docs), "remote": remote != nil}).Info("store initialized")

	if remote != nil {
		if err := s.Pull(ctx); err != nil {
			s.log.WithError(err).WithField("db", name).Warn("initial pull failed")
		}
		go s.pullLoop(loopCtx, wake)
	}
	return nil
}

// Deinitialize stops background work and closes the local replica. It is a
// no-op when the store is not initialized.
func (s *Store) Deinitialize(ctx context.Context) (err error) {
	_, span := s.startSpan(ctx, "storage.Deinitialize")
	defer func() { endSpan(span, err) }()

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.initialized = false
	cancel, ob, local := s.cancel, s.outbox, s.local
	s.cancel, s.outbox, s.local, s.remote, s.data = nil, nil, nil, nil, nil
	s.mu.Unlock()

	cancel()
	s.loops.Wait()
	ob.shutdown()

	// A pull that was already running holds pullMu until it is done with the
	// database.
	s.pullMu.Lock()
	err = local.close()
	s.pullMu.Unlock()
	if err != nil {
		return fmt.Errorf("close local database: %w", err)
	}
	s.log.WithField("db", s.model.Name()).Info("store deinitialized")
	return nil
}

// IsInitialized reports whether Initialize has completed.
func (s *Store) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// Data returns a sorted copy of the live documents.
func (s *Store) Data() []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Document, len(s.data))
	for i, doc := range s.data {
		out[i] = doc.clone()
	}
	return out
}

// Pending returns the number of local changes not yet pushed.
func (s *Store) Pending() int {
	s.mu.RLock()
	ob := s.outbox
	s.mu.RUnlock()
	if ob == nil {
		return 0
	}
	return ob.pending()
}

// AddItem stores a new document with the given body.
func (s *Store) AddItem(ctx context.Context, body map[string]any) (doc Document, err error) {
	ctx, span := s.startSpan(ctx, "storage.AddItem")
	defer func() { endSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return Document{}, domain.ErrNotInitialized
	}

	rev := nextRev()
	doc = Document{
		ID:        uuid.NewString(),
		Rev:       rev,
		CreatedAt: rev,
		Body:      cloneBody(body),
	}
	if doc.Body == nil {
		doc.Body = map[string]any{}
	}
	span.SetAttributes(attribute.String("doc.id", doc.ID))
	if err := s.writeLocked(ctx, doc); err != nil {
		return Document{}, err
	}
	s.data = append(s.data, doc.clone())
	s.model.SortData(s.data)
	s.emit(Change{Kind: ChangeAdded, Doc: doc.clone()})
	return doc, nil
}

// EditItem merges partial into the body of document id.
func (s *Store) EditItem(ctx context.Context, id string, partial map[string]any) (doc Document, err error) {
	ctx, span := s.startSpan(ctx, "storage.EditItem", attribute.String("doc.id", id))
	defer func() { endSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return Document{}, domain.ErrNotInitialized
	}
	current, err := s.liveLocked(ctx, id)
	if err != nil {
		return Document{}, err
	}

	doc = current.clone()
	if doc.Body == nil {
		doc.Body = map[string]any{}
	}
	for k, v := range partial {
		doc.Body[k] = v
	}
	doc.Rev = s.revAfter(current.Rev)
	if err := s.writeLocked(ctx, doc); err != nil {
		return Document{}, err
	}
	s.replaceLocked(doc)
	s.emit(Change{Kind: ChangeUpdated, Doc: doc.clone()})
	return doc, nil
}

// DeleteItem replaces document id with a tombstone.
func (s *Store) DeleteItem(ctx context.Context, id string) (err error) {
	ctx, span := s.startSpan(ctx, "storage.DeleteItem", attribute.String("doc.id", id))
	defer func() { endSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return domain.ErrNotInitialized
	}
	current, err := s.liveLocked(ctx, id)
	if err != nil {
		return err
	}

	tomb := Document{ID: id, Rev: s.revAfter(current.Rev), CreatedAt: current.CreatedAt, Deleted: true}
	if err := s.writeLocked(ctx, tomb); err != nil {
		return err
	}
	s.removeLocked(id)
	s.emit(Change{Kind: ChangeRemoved, Doc: current})
	return nil
}

func (s *Store) revAfter(prev int64) int64 {
	rev := nextRev()
	if rev <= prev {
		observeRev(prev + 1)
		rev = nextRev()
	}
	return rev
}

func (s *Store) liveLocked(ctx context.Context, id string) (Document, error) {
	current, err := s.local.get(ctx, id)
	if err != nil {
		return Document{}, fmt.Errorf("load %s: %w", id, err)
	}
	if current == nil || current.Deleted {
		return Document{}, fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
	}
	return *current, nil
}

// writeLocked persists doc and queues it for the remote. A journal failure
// leaves the local write in place; the next edit pushes a newer revision.
func (s *Store) writeLocked(ctx context.Context, doc Document) error {
	if _, err := s.local.put(ctx, doc); err != nil {
		return fmt.Errorf("write %s: %w", doc.ID, err)
	}
	if err := s.outbox.enqueue(doc); err != nil {
		s.log.WithError(err).WithField("doc", doc.ID).Error("unable to journal change for push")
	}
	return nil
}

func (s *Store) replaceLocked(doc Document) {
	for i := range s.data {
		if s.data[i].ID == doc.ID {
			s.data[i] = doc.clone()
			s.model.SortData(s.data)
			return
		}
	}
	s.data = append(s.data, doc.clone())
	s.model.SortData(s.data)
}

func (s *Store) removeLocked(id string) {
	for i := range s.data {
		if s.data[i].ID == id {
			s.data = append(s.data[:i], s.data[i+1:]...)
			return
		}
	}
}

// Upload pushes every pending local change now.
func (s *Store) Upload(ctx context.Context) (err error) {
	ctx, span := s.startSpan(ctx, "storage.Upload")
	defer func() { endSpan(span, err) }()

	s.mu.RLock()
	initialized, ob := s.initialized, s.outbox
	s.mu.RUnlock()
	if !initialized {
		return domain.ErrNotInitialized
	}
	if err := ob.drain(ctx); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	return nil
}

// Pull applies remote documents newer than the pull checkpoint.
func (s *Store) Pull(ctx context.Context) (err error) {
	ctx, span := s.startSpan(ctx, "storage.Pull")
	defer func() { endSpan(span, err) }()

	s.pullMu.Lock()
	defer s.pullMu.Unlock()

	s.mu.RLock()
	initialized, local, remote := s.initialized, s.local, s.remote
	s.mu.RUnlock()
	if !initialized {
		return domain.ErrNotInitialized
	}
	if remote == nil {
		return ErrNoRemote
	}

	checkpoint, err := local.checkpoint(ctx)
	if err != nil {
		return fmt.Errorf("read pull checkpoint: %w", err)
	}
	since := checkpoint - int64(s.opts.PullOverlap)
	if since < 0 {
		since = 0
	}
	docs, err := remote.ListSince(ctx, since)
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	sort.Slice(docs, func(i, k int) bool { return docs[i].Rev < docs[k].Rev })

	applied := 0
	maxRev := checkpoint
	for _, doc := range docs {
		if doc.Rev > maxRev {
			maxRev = doc.Rev
		}
		if !doc.Deleted && s.opts.Validate != nil {
			if err := s.opts.Validate(doc.Body); err != nil {
				s.log.WithError(err).WithField("doc", doc.ID).Warn("skipping invalid remote document")
				continue
			}
		}
		ok, err := s.applyRemote(ctx, doc)
		if err != nil {
			if errors.Is(err, domain.ErrNotInitialized) {
				return err
			}
			return fmt.Errorf("apply %s: %w", doc.ID, err)
		}
		if ok {
			applied++
		}
	}
	if maxRev > checkpoint {
		if err := local.setCheckpoint(ctx, maxRev); err != nil {
			return fmt.Errorf("store pull checkpoint: %w", err)
		}
	}
	span.SetAttributes(attribute.Int("pull.fetched", len(docs)), attribute.Int("pull.applied", applied))
	if applied > 0 {
		s.log.WithFields(log.Fields{"db": s.model.Name(), "applied": applied}).Info("pulled remote changes")
	}
	return nil
}

func (s *Store) applyRemote(ctx context.Context, doc Document) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return false, domain.ErrNotInitialized
	}
	previous, err := s.local.get(ctx, doc.ID)
	if err != nil {
		return false, err
	}
	changed, err := s.local.put(ctx, doc)
	if err != nil || !changed {
		return false, err
	}
	observeRev(doc.Rev)

	wasLive := previous != nil && !previous.Deleted
	switch {
	case doc.Deleted && wasLive:
		s.removeLocked(doc.ID)
		s.emit(Change{Kind: ChangeRemoved, Doc: *previous, Remote: true})
	case doc.Deleted:
	case wasLive:
		s.replaceLocked(doc)
		s.emit(Change{Kind: ChangeUpdated, Doc: doc.clone(), Remote: true})
	default:
		s.replaceLocked(doc)
		s.emit(Change{Kind: ChangeAdded, Doc: doc.clone(), Remote: true})
	}
	return true, nil
}

func (s *Store) triggerPull() {
	s.mu.RLock()
	wake := s.wake
	s.mu.RUnlock()
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

func (s *Store) pullLoop(ctx context.Context, wake <-chan struct{}) {
	defer s.loops.Done()

	var tick <-chan time.Time
	if s.opts.PullInterval > 0 {
		ticker := time.NewTicker(s.opts.PullInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-wake:
		}
		if err := s.Pull(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, domain.ErrNotInitialized) {
			s.log.WithError(err).WithField("db", s.model.Name()).Warn("background pull failed")
		}
	}
}

// Subscribe returns a feed of document changes and a function that ends the
// subscription. Changes are dropped for subscribers that fall behind.
func (s *Store) Subscribe() (<-chan Change, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan Change, subscriberBuffer)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) emit(change Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- change:
		default:
			s.log.WithField("doc", change.Doc.ID).Debug("dropping change for slow subscriber")
		}
	}
}
