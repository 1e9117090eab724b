package cachefront

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cachefront/cachefront/cache"
	"github.com/cachefront/cachefront/pkg/generation"
	"github.com/cachefront/cachefront/pkg/responseutil"
	"github.com/cachefront/cachefront/pkg/rules"

	"github.com/rs/zerolog"
)

var testLogger = zerolog.Nop()

// countingProvider wraps a provider and counts store operations, so tests
// can assert that pass-through requests never touch the store.
type countingProvider struct {
	inner cache.Provider
	gets  atomic.Int64
	puts  atomic.Int64
}

func (p *countingProvider) Open(gen string) (cache.Store, error) {
	store, err := p.inner.Open(gen)
	if err != nil {
		return nil, err
	}
	return &countingStore{inner: store, provider: p}, nil
}

func (p *countingProvider) ListGenerations() ([]string, error) {
	return p.inner.ListGenerations()
}

func (p *countingProvider) Delete(gen string) error {
	return p.inner.Delete(gen)
}

type countingStore struct {
	inner    cache.Store
	provider *countingProvider
}

func (s *countingStore) Get(ctx context.Context, identity string) ([]byte, bool, error) {
	s.provider.gets.Add(1)
	return s.inner.Get(ctx, identity)
}

func (s *countingStore) Put(ctx context.Context, identity string, bytes []byte) error {
	s.provider.puts.Add(1)
	return s.inner.Put(ctx, identity, bytes)
}

// newTestFront builds an installed engine whose CDN allow-list contains the
// given server's host and whose versioned marker is "/assets/v".
func newTestFront(t *testing.T, provider cache.Provider, cdnServerURL string, precacheURLs []string) *CacheFront {
	t.Helper()
	var cdnHosts []string
	if cdnServerURL != "" {
		u, err := url.Parse(cdnServerURL)
		if err != nil {
			t.Fatal(err)
		}
		cdnHosts = []string{u.Hostname()}
	}
	front := New(Config{
		Provider: provider,
		Scheme:   generation.Scheme{Prefix: "cachefront", Version: "v2"},
		Rules: rules.New(rules.Config{
			CDNHosts:            cdnHosts,
			VersionedPathMarker: "/assets/v",
			APISuffixes:         []string{"/api/data"},
		}),
		PrecacheURLs: precacheURLs,
		Logger:       &testLogger,
	})
	if err := front.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	return front
}

// waitForRecord polls the store until the identity appears.
func waitForRecord(t *testing.T, provider cache.Provider, identity string) {
	t.Helper()
	store, err := provider.Open("cachefront-v2")
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok, _ := store.Get(context.Background(), identity); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Record %s never stored", identity)
}

func doRequest(t *testing.T, handler http.Handler, url string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func declineHandler(t *testing.T, declined *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if declined != nil {
			*declined++
		}
		w.WriteHeader(http.StatusTeapot)
	})
}

func TestCacheFirstSecondRequestServedWithoutNetwork(t *testing.T) {
	var fetchCount atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetchCount.Add(1)
		w.Write([]byte("Hello world"))
	}))
	defer srv.Close()

	provider := cache.NewMemProvider()
	front := newTestFront(t, provider, srv.URL, nil)
	mw := front.Middleware(declineHandler(t, nil))
	assetURL := srv.URL + "/lib.js"

	first := doRequest(t, mw, assetURL)
	if first.Code != http.StatusOK {
		t.Fatalf("First response is %d", first.Code)
	}
	// the store write is detached from the response path
	waitForRecord(t, provider, "GET:"+assetURL)

	second := doRequest(t, mw, assetURL)
	if body, _ := io.ReadAll(second.Result().Body); string(body) != "Hello world" {
		t.Fatalf("Body is %s", body)
	}
	if fetchCount.Load() != 1 {
		t.Fatalf("Network called %d times", fetchCount.Load())
	}
}

func TestCacheFirstDoesNotStoreFailedResponses(t *testing.T) {
	var fetchCount atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetchCount.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	provider := cache.NewMemProvider()
	front := newTestFront(t, provider, srv.URL, nil)
	mw := front.Middleware(declineHandler(t, nil))
	assetURL := srv.URL + "/lib.js"

	if rr := doRequest(t, mw, assetURL); rr.Code != http.StatusInternalServerError {
		t.Fatalf("First response is %d", rr.Code)
	}
	if rr := doRequest(t, mw, assetURL); rr.Code != http.StatusInternalServerError {
		t.Fatalf("Second response is %d", rr.Code)
	}
	if fetchCount.Load() != 2 {
		t.Fatalf("Network called %d times", fetchCount.Load())
	}
}

func TestPrecachedAssetServedWithoutNetwork(t *testing.T) {
	var fetchCount atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetchCount.Add(1)
		w.Write([]byte("precached asset"))
	}))
	defer srv.Close()

	assetURL := srv.URL + "/lib.js"
	provider := cache.NewMemProvider()
	front := newTestFront(t, provider, srv.URL, []string{assetURL})
	mw := front.Middleware(declineHandler(t, nil))

	rr := doRequest(t, mw, assetURL)
	if body, _ := io.ReadAll(rr.Result().Body); string(body) != "precached asset" {
		t.Fatalf("Body is %s", body)
	}
	// the only network call is the precache fetch itself
	if fetchCount.Load() != 1 {
		t.Fatalf("Network called %d times", fetchCount.Load())
	}
}

func TestPrecachePartialFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("asset " + r.URL.Path))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	urls := []string{
		srv.URL + "/a", srv.URL + "/b", srv.URL + "/broken", srv.URL + "/c", srv.URL + "/d",
	}
	provider := cache.NewMemProvider()
	newTestFront(t, provider, srv.URL, urls)

	store, _ := provider.Open("cachefront-v2")
	for _, u := range urls {
		_, ok, _ := store.Get(context.Background(), "GET:"+u)
		if u == srv.URL+"/broken" {
			if ok {
				t.Fatal("Failed URL present in store")
			}
		} else if !ok {
			t.Fatalf("URL %s absent from store", u)
		}
	}
}

func TestWarmUpIdempotence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("asset"))
	}))
	defer srv.Close()

	assetURL := srv.URL + "/lib.js"
	provider := cache.NewMemProvider()
	front := newTestFront(t, provider, srv.URL, []string{assetURL})
	if err := front.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	store, _ := provider.Open("cachefront-v2")
	bts, ok, err := store.Get(context.Background(), "GET:"+assetURL)
	if err != nil || !ok {
		t.Fatalf("Get returned ok=%v err=%v", ok, err)
	}
	if len(bts) == 0 {
		t.Fatal("Stored record is empty")
	}
}

func TestStaleWhileRevalidateServesCachedAndStillFetches(t *testing.T) {
	var fetchCount atomic.Int64
	var body atomic.Value
	body.Store("version one")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetchCount.Add(1)
		w.Write([]byte(body.Load().(string)))
	}))
	defer srv.Close()

	provider := cache.NewMemProvider()
	front := newTestFront(t, provider, "", nil)
	mw := front.Middleware(declineHandler(t, nil))
	assetURL := srv.URL + "/assets/v3/app.js"

	// first request misses and populates the store
	doRequest(t, mw, assetURL)
	waitForRecord(t, provider, "GET:"+assetURL)
	body.Store("version two")

	// second request must serve the stored record, not the new body
	rr := doRequest(t, mw, assetURL)
	if got, _ := io.ReadAll(rr.Result().Body); string(got) != "version one" {
		t.Fatalf("Body is %s", got)
	}

	// ...and must still have issued a network call in the background
	deadline := time.Now().Add(2 * time.Second)
	for fetchCount.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fetchCount.Load() < 2 {
		t.Fatalf("Network called %d times", fetchCount.Load())
	}
}

func TestStaleWhileRevalidateRefreshBenefitsFutureRequests(t *testing.T) {
	var body atomic.Value
	body.Store("version one")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body.Load().(string)))
	}))
	defer srv.Close()

	provider := cache.NewMemProvider()
	front := newTestFront(t, provider, "", nil)
	mw := front.Middleware(declineHandler(t, nil))
	assetURL := srv.URL + "/assets/v3/app.js"
	identity := "GET:" + assetURL

	doRequest(t, mw, assetURL)
	waitForRecord(t, provider, identity)
	body.Store("version two")

	// stale response triggers the background refresh
	doRequest(t, mw, assetURL)

	store, _ := provider.Open("cachefront-v2")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bts, ok, _ := store.Get(context.Background(), identity); ok {
			res, err := responseutil.BytesToResponse(bts)
			if err != nil {
				t.Fatal(err)
			}
			if got, _ := io.ReadAll(res.Body); string(got) == "version two" {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Store never refreshed with the new record")
}

func TestStaleWhileRevalidateMissWithNetworkFailure(t *testing.T) {
	// a server that is already gone stands in for a failing network
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := srv.URL
	srv.Close()

	provider := cache.NewMemProvider()
	front := newTestFront(t, provider, "", nil)
	mw := front.Middleware(declineHandler(t, nil))

	rr := doRequest(t, mw, deadURL+"/assets/v3/app.js")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("Response is %d, expected a failure", rr.Code)
	}
}

func TestStaleWhileRevalidateHitSurvivesNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("cached copy"))
	}))

	provider := cache.NewMemProvider()
	front := newTestFront(t, provider, "", nil)
	mw := front.Middleware(declineHandler(t, nil))
	assetURL := srv.URL + "/assets/v3/app.js"

	doRequest(t, mw, assetURL)
	waitForRecord(t, provider, "GET:"+assetURL)
	srv.Close()

	rr := doRequest(t, mw, assetURL)
	if body, _ := io.ReadAll(rr.Result().Body); string(body) != "cached copy" {
		t.Fatalf("Body is %s", body)
	}
}

func TestDynamicAPINotIntercepted(t *testing.T) {
	provider := &countingProvider{inner: cache.NewMemProvider()}
	front := newTestFront(t, provider, "", nil)
	var declined int
	mw := front.Middleware(declineHandler(t, &declined))

	rr := doRequest(t, mw, "https://app.example.com/api/data")
	if rr.Code != http.StatusTeapot {
		t.Fatalf("Response is %d, request was intercepted", rr.Code)
	}
	if declined != 1 {
		t.Fatalf("Next handler called %d times", declined)
	}
	if provider.gets.Load() != 0 || provider.puts.Load() != 0 {
		t.Fatalf("Store touched: %d gets, %d puts", provider.gets.Load(), provider.puts.Load())
	}
}

func TestNoServingBeforeInstall(t *testing.T) {
	front := New(Config{
		Provider: cache.NewMemProvider(),
		Scheme:   generation.Scheme{Prefix: "cachefront", Version: "v2"},
		Rules:    rules.New(rules.Config{CDNHosts: []string{"cdn.example.com"}}),
		Logger:   &testLogger,
	})
	var declined int
	mw := front.Middleware(declineHandler(t, &declined))

	rr := doRequest(t, mw, "https://cdn.example.com/lib.js")
	if rr.Code != http.StatusTeapot || declined != 1 {
		t.Fatalf("Request intercepted before install (status %d)", rr.Code)
	}
}

func TestActivateSweepsObsoleteGenerations(t *testing.T) {
	provider := cache.NewMemProvider()
	ctx := context.Background()

	// seed an obsolete generation and a foreign one
	old, _ := provider.Open("cachefront-v1")
	old.Put(ctx, "GET:/a", []byte("stale"))
	foreign, _ := provider.Open("other-v1")
	foreign.Put(ctx, "GET:/a", []byte("not ours"))

	front := newTestFront(t, provider, "", nil)
	if err := front.Activate(ctx); err != nil {
		t.Fatal(err)
	}

	generations, err := provider.ListGenerations()
	if err != nil {
		t.Fatal(err)
	}
	var hasOld, hasForeign, hasCurrent bool
	for _, g := range generations {
		switch g {
		case "cachefront-v1":
			hasOld = true
		case "other-v1":
			hasForeign = true
		case "cachefront-v2":
			hasCurrent = true
		}
	}
	if hasOld {
		t.Fatal("Obsolete generation survived activation")
	}
	if !hasForeign {
		t.Fatal("Foreign generation was deleted")
	}
	if !hasCurrent {
		t.Fatal("Current generation missing after activation")
	}
}

func TestActivateToleratesDeleteFailure(t *testing.T) {
	provider := &failingDeleteProvider{
		inner:   cache.NewMemProvider(),
		failing: "cachefront-v0",
	}
	ctx := context.Background()
	for _, gen := range []string{"cachefront-v0", "cachefront-v1"} {
		store, _ := provider.Open(gen)
		store.Put(ctx, "GET:/a", []byte("stale"))
	}

	front := newTestFront(t, provider, "", nil)
	if err := front.Activate(ctx); err != nil {
		t.Fatal(err)
	}

	generations, _ := provider.ListGenerations()
	for _, g := range generations {
		if g == "cachefront-v1" {
			t.Fatal("Failing delete blocked the other deletion")
		}
	}
}

func TestConcurrentRequestsSameIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("shared"))
	}))
	defer srv.Close()

	provider := cache.NewMemProvider()
	front := newTestFront(t, provider, srv.URL, nil)
	mw := front.Middleware(declineHandler(t, nil))
	assetURL := srv.URL + "/lib.js"

	errs := make(chan error, 16)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest("GET", assetURL, nil)
			if err != nil {
				errs <- err
				return
			}
			rr := httptest.NewRecorder()
			mw.ServeHTTP(rr, req)
			if body, _ := io.ReadAll(rr.Result().Body); string(body) != "shared" {
				errs <- fmt.Errorf("body is %s", body)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

type failingDeleteProvider struct {
	inner   cache.Provider
	failing string
}

func (p *failingDeleteProvider) Open(gen string) (cache.Store, error) {
	return p.inner.Open(gen)
}

func (p *failingDeleteProvider) ListGenerations() ([]string, error) {
	return p.inner.ListGenerations()
}

func (p *failingDeleteProvider) Delete(gen string) error {
	if gen == p.failing {
		return fmt.Errorf("delete refused")
	}
	return p.inner.Delete(gen)
}
