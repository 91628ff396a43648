package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/randyvpcode/task-manager/domain"
)

type fakeRemote struct {
	mu      sync.Mutex
	docs    map[string]Document
	puts    int
	failPut error
	failGet error
	block   chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{docs: make(map[string]Document)}
}

func (r *fakeRemote) EnsureTable(context.Context) error { return nil }

func (r *fakeRemote) Put(ctx context.Context, doc Document) error {
	if r.block != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.block:
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failPut != nil {
		return r.failPut
	}
	r.puts++
	if current, ok := r.docs[doc.ID]; ok && current.Rev >= doc.Rev {
		return fmt.Errorf("put %s: %w", doc.ID, domain.ErrConflict)
	}
	r.docs[doc.ID] = doc.clone()
	return nil
}

func (r *fakeRemote) ListSince(_ context.Context, rev int64) ([]Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failGet != nil {
		return nil, r.failGet
	}
	var out []Document
	for _, doc := range r.docs {
		if doc.Rev > rev {
			out = append(out, doc.clone())
		}
	}
	return out, nil
}

func (r *fakeRemote) get(id string) (Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	return doc, ok
}

func (r *fakeRemote) setFailPut(err error) {
	r.mu.Lock()
	r.failPut = err
	r.mu.Unlock()
}

func (r *fakeRemote) seed(doc Document) {
	r.mu.Lock()
	r.docs[doc.ID] = doc
	r.mu.Unlock()
}

func (r *fakeRemote) putCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.puts
}

type testModel struct {
	name string
	url  string
}

func (m testModel) Name() string                 { return m.name }
func (m testModel) URLRemote() string            { return m.url }
func (m testModel) OptionsRemote() RemoteOptions { return RemoteOptions{} }

func (m testModel) SortData(docs []Document) {
	sortNewestFirst(docs)
}

func sortNewestFirst(docs []Document) {
	for i := 1; i < len(docs); i++ {
		for k := i; k > 0 && docs[k].CreatedAt > docs[k-1].CreatedAt; k-- {
			docs[k], docs[k-1] = docs[k-1], docs[k]
		}
	}
}
