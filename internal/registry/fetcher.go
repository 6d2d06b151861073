// Package registry fetches manifest bytes from file or HTTP registries and
// refreshes matcha's known_packages index.
package registry

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sulami/matcha/internal/logging"
	"github.com/sulami/matcha/internal/manifest"
	"github.com/sulami/matcha/internal/merr"
	"github.com/sulami/matcha/internal/store"
)

const (
	// DefaultTTL is how long a registry's known_packages stay fresh
	// before the next refresh_all considers it stale.
	DefaultTTL = time.Hour
	// DefaultHTTPTimeout bounds a single registry HTTP GET.
	DefaultHTTPTimeout = 30 * time.Second
	// DefaultMaxBytes caps a fetched manifest body.
	DefaultMaxBytes = 32 << 20 // 32 MiB
)

// Fetcher retrieves manifest bytes from file:// or http(s):// registry URIs.
type Fetcher struct {
	Client   *http.Client
	TTL      time.Duration
	Timeout  time.Duration
	MaxBytes int64
	Log      *logging.Logger
}

// New builds a Fetcher with the default TTL, timeout, and size cap.
func New(log *logging.Logger) *Fetcher {
	return &Fetcher{
		Client:   &http.Client{Timeout: DefaultHTTPTimeout},
		TTL:      DefaultTTL,
		Timeout:  DefaultHTTPTimeout,
		MaxBytes: DefaultMaxBytes,
		Log:      log,
	}
}

// Stale reports whether a registry last fetched at lastFetched (nil meaning
// never) needs refreshing under f.TTL.
func (f *Fetcher) Stale(lastFetched *time.Time) bool {
	if lastFetched == nil {
		return true
	}
	return time.Since(*lastFetched) > f.TTL
}

// Fetch retrieves the raw manifest bytes at uri, dispatching on scheme.
func (f *Fetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	switch {
	case strings.HasPrefix(uri, "file://"):
		return f.fetchFile(strings.TrimPrefix(uri, "file://"))
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return f.fetchHTTP(ctx, uri)
	default:
		return nil, merr.New(merr.RegistryUnreachable, uri)
	}
}

func (f *Fetcher) fetchFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, merr.Wrap(merr.RegistryUnreachable, path, err)
	}
	return b, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, uri string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, merr.Wrap(merr.RegistryUnreachable, uri, err)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, merr.Wrap(merr.RegistryUnreachable, uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, merr.New(merr.RegistryUnreachable, uri+": "+resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.MaxBytes+1))
	if err != nil {
		return nil, merr.Wrap(merr.RegistryUnreachable, uri, err)
	}
	if int64(len(body)) > f.MaxBytes {
		return nil, merr.New(merr.RegistryUnreachable, uri+": manifest exceeds size cap")
	}
	return body, nil
}

// RefreshResult is the outcome of refreshing a single registry.
type RefreshResult struct {
	Registry string
	Err      error
}

// RefreshAll fans out one fetch per stale registry known to st, joins them,
// and tolerates partial failure: a registry whose fetch fails keeps its
// last-known known_packages and is reported in the returned results, but
// does not prevent other registries from refreshing.
func (f *Fetcher) RefreshAll(ctx context.Context, st *store.Store) ([]RefreshResult, error) {
	regs, err := st.ListRegistries()
	if err != nil {
		return nil, err
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []RefreshResult
	)

	for _, r := range regs {
		if !f.Stale(r.LastFetched) {
			continue
		}
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.refreshOne(ctx, st, r)
			mu.Lock()
			results = append(results, RefreshResult{Registry: r.Name, Err: err})
			mu.Unlock()
			if err != nil {
				f.Log.Infof("registry %s: refresh failed: %v", r.Name, err)
			} else {
				f.Log.Debugf("registry %s: refreshed", r.Name)
			}
		}()
	}
	wg.Wait()

	return results, nil
}

func (f *Fetcher) refreshOne(ctx context.Context, st *store.Store, r store.Registry) error {
	data, err := f.Fetch(ctx, r.URI)
	if err != nil {
		return err
	}
	m, err := manifest.Decode(data)
	if err != nil {
		return err
	}
	return st.ReplaceKnownPackages(r.Name, m.Packages, time.Now())
}
