// Package server is the HTTP surface of the mirror: the three Nix binary
// cache endpoints (nix-cache-info, narinfo, nar) plus a trivial liveness
// route. Handler construction and the method-switch-per-route style are
// grounded on the teacher repo's nix/handlers/* package (one handler per
// route, dispatched from a top-level mux in routes/mux.go); the narinfo
// and nar handlers are generalized from depot's single-store-path lookups
// to this mirror's precomputed narindex.Index.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/ncmirror/ncmirror/internal/mirrormetrics"
	"github.com/ncmirror/ncmirror/internal/narindex"
	"github.com/ncmirror/ncmirror/internal/payload"
)

// streamChunkSize bounds how much payload data is buffered per read/write
// cycle while serving /nar/<hash>.
const streamChunkSize = 64 * 1024 * 1024

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, streamChunkSize)
		return &b
	},
}

// CacheInfoConfig controls the static /nix-cache-info body, rendered once
// at startup.
type CacheInfoConfig struct {
	StoreDir      string
	WantMassQuery bool
	HasPriority   bool
	Priority      int
}

func (c CacheInfoConfig) render() string {
	storeDir := c.StoreDir
	if storeDir == "" {
		storeDir = "/nix/store"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "StoreDir: %s\n", storeDir)
	if c.WantMassQuery {
		b.WriteString("WantMassQuery: 1\n")
	}
	if c.HasPriority {
		fmt.Fprintf(&b, "Priority: %d\n", c.Priority)
	}
	return b.String()
}

// Server is the top-level http.Handler for the mirror. The Index and
// Storage handed to New are kept for the Server's whole lifetime; callers
// must not mutate them after constructing the Server.
type Server struct {
	log       *slog.Logger
	index     *narindex.Index
	storage   payload.Storage
	cacheInfo string
	metrics   mirrormetrics.Metrics
}

// New constructs a Server. metrics may be the zero value, in which case
// every increment is a no-op.
func New(log *slog.Logger, index *narindex.Index, storage payload.Storage, cfg CacheInfoConfig, metrics mirrormetrics.Metrics) *Server {
	return &Server{
		log:       log,
		index:     index,
		storage:   storage,
		cacheInfo: cfg.render(),
		metrics:   metrics,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/":
		s.handleRoot(w, r)
	case path == "/nix-cache-info":
		s.handleNixCacheInfo(w, r)
	case strings.HasPrefix(path, "/nar/"):
		s.handleNar(w, r)
	case isNarinfoPath(path):
		s.handleNarInfo(w, r)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func isNarinfoPath(path string) bool {
	rest := strings.TrimPrefix(path, "/")
	if !strings.HasSuffix(rest, ".narinfo") {
		return false
	}
	return !strings.Contains(rest, "/")
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, "It works")
}

func (s *Server) handleNixCacheInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, s.cacheInfo)
}

func (s *Server) handleNarInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hash := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".narinfo")
	text, _, ok := s.index.Lookup(hash)
	s.metrics.IncrementNarInfoRequests(r.Context(), ok)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/x-nix-narinfo")
	fmt.Fprint(w, text)
}

func (s *Server) handleNar(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hash := strings.TrimPrefix(r.URL.Path, "/nar/")
	_, fileSize, ok := s.index.Lookup(hash)
	s.metrics.IncrementNarRequests(r.Context(), ok)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	start, end, partial := parseRange(r.Header.Get("Range"), fileSize)

	w.Header().Set("Content-Type", "application/x-nix-nar")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatUint(end-start, 10))
	status := http.StatusOK
	if partial {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start+1, end, fileSize))
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return
	}

	s.streamPayload(r.Context(), w, hash, start, end)
}

// parseRange applies the mirror's Range semantics, which deliberately
// differ from RFC 7233: the left-hand side of the range is 1-based rather
// than 0-based, so it is decremented before use. "bytes=100-199" against a
// 1000 byte file therefore serves [99,199), not [100,199]. Anything the
// mirror can't make sense of -- a missing header, a malformed spec, a
// right-hand side at or beyond the file size -- is treated as "no range",
// serving the whole file at 200 rather than answering 416.
func parseRange(header string, fileSize uint64) (start, end uint64, partial bool) {
	if header == "" {
		return 0, fileSize, false
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, fileSize, false
	}
	lhsStr, rhsStr, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, fileSize, false
	}
	lhs, err := strconv.ParseUint(lhsStr, 10, 64)
	if err != nil || lhs == 0 {
		return 0, fileSize, false
	}
	if rhsStr == "" {
		if lhs-1 >= fileSize {
			return 0, fileSize, false
		}
		return lhs - 1, fileSize, true
	}
	rhs, err := strconv.ParseUint(rhsStr, 10, 64)
	if err != nil {
		return 0, fileSize, false
	}
	if lhs > rhs || rhs >= fileSize {
		return 0, fileSize, false
	}
	return lhs - 1, rhs, true
}

func (s *Server) streamPayload(ctx context.Context, w http.ResponseWriter, hash string, start, end uint64) {
	length := end - start
	if length == 0 {
		return
	}

	rc, err := s.storage.OpenRange(ctx, hash, int64(start))
	if err != nil {
		s.log.Error("open nar payload", "hash", hash, "error", err)
		return
	}
	defer rc.Close()

	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)
	buf := *bufp

	var written uint64
	for written < length {
		chunk := buf
		if remaining := length - written; remaining < uint64(len(chunk)) {
			chunk = chunk[:remaining]
		}
		n, readErr := rc.Read(chunk)
		if n > 0 {
			if _, writeErr := w.Write(chunk[:n]); writeErr != nil {
				s.log.Error("write nar payload", "hash", hash, "error", writeErr)
				return
			}
			written += uint64(n)
		}
		if readErr != nil {
			if readErr == io.EOF {
				if written < length {
					s.log.Error("nar payload shorter than expected", "hash", hash, "written", written, "want", length)
				}
				break
			}
			s.log.Error("read nar payload", "hash", hash, "error", readErr)
			return
		}
	}

	s.metrics.AddServedBytes(ctx, int64(written))
}
