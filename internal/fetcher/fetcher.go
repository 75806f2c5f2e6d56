// Package fetcher implements the recursive metadata crawl: given an
// upstream cache URL and a set of root StorePaths, it fetches narinfo
// documents breadth-first, builds the dependency graph as it goes, and
// commits every newly-discovered artifact to the catalog in reverse
// topological order. It is grounded on the BFS-with-bounded-worker-pool
// shape of github.com/simonfxr/nix-download's discoverDependencies and
// fetchAndManifestStorePaths, replacing that program's unbounded channel
// and os.Stat-based dedup with the catalog-backed dedup and semaphore the
// specification calls for.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ncmirror/ncmirror/internal/asyncsem"
	"github.com/ncmirror/ncmirror/internal/catalog"
	"github.com/ncmirror/ncmirror/internal/depgraph"
	"github.com/ncmirror/ncmirror/internal/httpclient"
	"github.com/ncmirror/ncmirror/internal/mirrormetrics"
	"github.com/ncmirror/ncmirror/internal/narinfo"
	"github.com/ncmirror/ncmirror/internal/storepath"
)

// MaxConcurrentFetch bounds the number of in-flight upstream narinfo GETs.
const MaxConcurrentFetch = 128

// ErrIncompleteFetch is returned if the finished and total counts differ
// after the drain loop. The loop only exits once they are equal and every
// task reports back, failed or not, so this is a defensive invariant check;
// task failures are reported as FetchFailedError.
var ErrIncompleteFetch = errors.New("fetcher: incomplete fetch")

// FetchFailedError wraps the hash and cause of a failed narinfo fetch or
// parse. Any single failure aborts the whole batch.
type FetchFailedError struct {
	Hash  storepath.Hash
	Cause error
}

func (e *FetchFailedError) Error() string {
	return fmt.Sprintf("fetcher: fetch %s failed: %v", e.Hash, e.Cause)
}

func (e *FetchFailedError) Unwrap() error { return e.Cause }

type visitState int

const (
	stateFetching visitState = iota
	stateFetched
	stateInserted
)

type nodeState struct {
	state     visitState
	nar       narinfo.Nar
	catalogID int64
}

type arrival struct {
	hash storepath.Hash
	nar  narinfo.Nar
	err  error
}

// Fetcher crawls one upstream cache's narinfo graph and commits it to a
// catalog. A Fetcher is single-use: construct one per FetchRoots call.
type Fetcher struct {
	cat      *catalog.Catalog
	cacheURL string
	sem      *asyncsem.Semaphore
	metrics  mirrormetrics.Metrics

	mu       sync.Mutex
	known    map[storepath.Hash]*nodeState
	graph    *depgraph.Graph
	total    int
	finished int
}

// New constructs a Fetcher against cat, fetching narinfo from cacheURL
// (no trailing slash required). metrics may be the zero value, in which
// case every increment is a no-op.
func New(cat *catalog.Catalog, cacheURL string, metrics mirrormetrics.Metrics) *Fetcher {
	return &Fetcher{
		cat:      cat,
		cacheURL: trimTrailingSlash(cacheURL),
		sem:      asyncsem.New(MaxConcurrentFetch),
		metrics:  metrics,
		known:    make(map[storepath.Hash]*nodeState),
		graph:    depgraph.New(),
	}
}

func trimTrailingSlash(s string) string {
	if len(s) > 0 && s[len(s)-1] == '/' {
		return s[:len(s)-1]
	}
	return s
}

// FetchRoots crawls the closure of roots and returns their catalog ids
// after commit. Any failed fetch or parse aborts the whole operation;
// nothing is committed before the topological phase runs.
func (f *Fetcher) FetchRoots(ctx context.Context, roots []storepath.Hash) ([]int64, error) {
	arrivals := make(chan arrival, len(roots)+64)

	stopProgress := f.startProgressLogger()
	defer stopProgress()

	for _, h := range roots {
		if err := f.checkAddTodo(ctx, h, arrivals); err != nil {
			return nil, err
		}
	}

	var failed error
	for {
		f.mu.Lock()
		done := f.finished == f.total
		f.mu.Unlock()
		if done {
			break
		}

		a := <-arrivals

		f.mu.Lock()
		f.finished++
		f.mu.Unlock()

		if a.err != nil {
			if failed == nil {
				failed = &FetchFailedError{Hash: a.hash, Cause: a.err}
			}
			continue
		}

		f.recordFetched(a.hash, a.nar)
		if err := f.linkReferences(ctx, a.hash, a.nar, arrivals); err != nil && failed == nil {
			failed = err
		}
	}

	stopProgress()

	if failed != nil {
		return nil, failed
	}

	f.mu.Lock()
	finished, total := f.finished, f.total
	f.mu.Unlock()
	if finished != total {
		return nil, ErrIncompleteFetch
	}

	return f.commit(roots)
}

// checkAddTodo is the idempotent entry point for discovering a hash: if
// already known, it is a no-op; otherwise it is added as a graph node and
// either resolved immediately from the catalog or scheduled for fetch.
func (f *Fetcher) checkAddTodo(ctx context.Context, h storepath.Hash, arrivals chan<- arrival) error {
	if _, known := f.known[h]; known {
		return nil
	}
	f.graph.AddNode(h)

	id, ok, err := f.cat.SelectNarIDByHash(h)
	if err != nil {
		return fmt.Errorf("fetcher: lookup %s: %w", h, err)
	}
	if ok {
		f.known[h] = &nodeState{state: stateInserted, catalogID: id}
		return nil
	}

	f.known[h] = &nodeState{state: stateFetching}
	f.mu.Lock()
	f.total++
	f.mu.Unlock()

	go f.fetchTask(ctx, h, arrivals)
	return nil
}

func (f *Fetcher) fetchTask(ctx context.Context, h storepath.Hash, arrivals chan<- arrival) {
	permit, err := f.sem.Acquire(ctx)
	if err != nil {
		arrivals <- arrival{hash: h, err: err}
		return
	}
	defer permit.Release()

	reqURL := fmt.Sprintf("%s/%s.narinfo", f.cacheURL, h.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		arrivals <- arrival{hash: h, err: err}
		return
	}

	resp, err := httpclient.Client().Do(req)
	if err != nil {
		arrivals <- arrival{hash: h, err: err}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		arrivals <- arrival{hash: h, err: fmt.Errorf("unexpected status %s", resp.Status)}
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		arrivals <- arrival{hash: h, err: err}
		return
	}

	n, err := narinfo.Parse(string(body))
	if err != nil {
		arrivals <- arrival{hash: h, err: err}
		return
	}

	arrivals <- arrival{hash: h, nar: n}
}

func (f *Fetcher) recordFetched(h storepath.Hash, n narinfo.Nar) {
	st := f.known[h]
	st.state = stateFetched
	st.nar = n
}

// linkReferences enqueues every non-self reference of n for discovery and
// records the dependency edge. Self-references stay in n's References
// string but are excluded from the graph: an edge from a node to itself
// would prevent TopoSort from ever draining it.
func (f *Fetcher) linkReferences(ctx context.Context, h storepath.Hash, n narinfo.Nar, arrivals chan<- arrival) error {
	refs, err := n.RefHashes()
	if err != nil {
		return &FetchFailedError{Hash: h, Cause: err}
	}
	for _, ref := range refs {
		if ref == h {
			continue
		}
		if err := f.checkAddTodo(ctx, ref, arrivals); err != nil {
			return err
		}
		f.graph.AddDep(h, ref)
	}
	return nil
}

// commit walks the topological order in reverse (dependencies before
// dependents) and persists every Fetched node, resolving root ids from
// the final state map.
func (f *Fetcher) commit(roots []storepath.Hash) ([]int64, error) {
	order := f.graph.TopoSort()

	var committed int64
	for i := len(order) - 1; i >= 0; i-- {
		h := order[i]
		st := f.known[h]
		switch st.state {
		case stateInserted:
			continue
		case stateFetched:
			if err := f.cat.InsertOrIgnoreNars(catalog.Pending, []narinfo.Nar{st.nar}); err != nil {
				return nil, fmt.Errorf("fetcher: commit %s: %w", h, err)
			}
			id, ok, err := f.cat.SelectNarIDByHash(h)
			if err != nil {
				return nil, fmt.Errorf("fetcher: resolve committed id for %s: %w", h, err)
			}
			if !ok {
				return nil, fmt.Errorf("fetcher: committed nar %s not found after insert", h)
			}
			st.state = stateInserted
			st.catalogID = id
			committed++
		case stateFetching:
			panic("fetcher: commit reached with node still Fetching: " + h.String())
		}
	}
	f.metrics.IncrementIngestArtifacts(context.Background(), committed)

	ids := make([]int64, 0, len(roots))
	for _, h := range roots {
		st, ok := f.known[h]
		if !ok || st.state != stateInserted {
			return nil, fmt.Errorf("fetcher: root %s not resolved", h)
		}
		ids = append(ids, st.catalogID)
	}
	return ids, nil
}

func (f *Fetcher) startProgressLogger() func() {
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				f.mu.Lock()
				finished, total := f.finished, f.total
				f.mu.Unlock()
				slog.Info("fetch progress", "finished", finished, "total", total)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(stop) })
		<-done
	}
}
