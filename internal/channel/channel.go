// Package channel implements the channel ingester: it fetches a channel's
// git revision, binary cache URL, and store-paths.xz manifest over HTTP,
// hands the resulting root paths to the fetcher, and persists a Root. The
// XZ decompression step is grounded on github.com/ulikunitz/xz, already a
// direct dependency of the teacher repo's integration tests
// (nix/integration/integration_test.go), here put to production use
// instead of test-only use.
package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ulikunitz/xz"

	"github.com/ncmirror/ncmirror/internal/catalog"
	"github.com/ncmirror/ncmirror/internal/fetcher"
	"github.com/ncmirror/ncmirror/internal/httpclient"
	"github.com/ncmirror/ncmirror/internal/mirrormetrics"
	"github.com/ncmirror/ncmirror/internal/storepath"
)

// ErrInvalidRevision is returned when git-revision is not 40 lowercase hex
// characters.
var ErrInvalidRevision = errors.New("channel: invalid git revision")

// ErrRevisionMismatch is returned when git-revision, read again after
// store-paths.xz has been fetched and before the closure is crawled,
// differs from the value read at the start.
var ErrRevisionMismatch = errors.New("channel: git revision changed during fetch")

var revisionPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Result summarizes one successful channel ingest.
type Result struct {
	RootID   int64
	Revision string
	CacheURL string
}

// Ingest fetches the channel at channelURL, crawls its closure via the
// fetcher, and records a Root. If cacheURLOverride is non-empty it is used
// in place of the channel's published binary-cache-url (which is then not
// fetched at all). metrics may be the zero value, in which case every
// increment is a no-op.
func Ingest(ctx context.Context, cat *catalog.Catalog, channelURL, cacheURLOverride string, metrics mirrormetrics.Metrics) (Result, error) {
	channelURL = strings.TrimSuffix(channelURL, "/")

	revBefore, err := fetchRevision(ctx, channelURL)
	if err != nil {
		return Result{}, err
	}

	cacheURL := cacheURLOverride
	if cacheURL == "" {
		cacheURL, err = fetchText(ctx, channelURL+"/binary-cache-url")
		if err != nil {
			return Result{}, fmt.Errorf("channel: fetch binary-cache-url: %w", err)
		}
	}

	storePaths, err := fetchStorePaths(ctx, channelURL+"/store-paths.xz")
	if err != nil {
		return Result{}, err
	}

	fetchTime := time.Now().UTC().Format(time.RFC3339)

	revAfter, err := fetchRevision(ctx, channelURL)
	if err != nil {
		return Result{}, err
	}
	if revAfter != revBefore {
		return Result{}, fmt.Errorf("%w: %s != %s", ErrRevisionMismatch, revBefore, revAfter)
	}

	rootHashes := make([]storepath.Hash, len(storePaths))
	for i, sp := range storePaths {
		rootHashes[i] = sp.Hash()
	}

	fet := fetcher.New(cat, cacheURL, metrics)
	if _, err := fet.FetchRoots(ctx, rootHashes); err != nil {
		return Result{}, fmt.Errorf("channel: fetch roots: %w", err)
	}

	root := catalog.Root{
		ChannelURL:  channelURL,
		CacheURL:    cacheURL,
		GitRevision: revBefore,
		FetchTime:   fetchTime,
		Status:      catalog.RootPending,
	}
	rootID, err := cat.InsertRoot(root, rootHashes)
	if err != nil {
		return Result{}, fmt.Errorf("channel: insert root: %w", err)
	}

	return Result{RootID: rootID, Revision: revBefore, CacheURL: cacheURL}, nil
}

func fetchRevision(ctx context.Context, channelURL string) (string, error) {
	text, err := fetchText(ctx, channelURL+"/git-revision")
	if err != nil {
		return "", fmt.Errorf("channel: fetch git-revision: %w", err)
	}
	if !revisionPattern.MatchString(text) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRevision, text)
	}
	return text, nil
}

func fetchText(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := httpclient.Client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func fetchStorePaths(ctx context.Context, url string) ([]storepath.StorePath, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpclient.Client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("channel: fetch store-paths.xz: unexpected status %s", resp.Status)
	}

	xr, err := xz.NewReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("channel: decompress store-paths.xz: %w", err)
	}

	var paths []storepath.StorePath
	scanner := bufio.NewScanner(xr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		sp, err := storepath.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("channel: parse store path %q: %w", line, err)
		}
		paths = append(paths, sp)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("channel: read store-paths.xz: %w", err)
	}
	return paths, nil
}
