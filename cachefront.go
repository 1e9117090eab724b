// Package cachefront is a request-interception caching layer.
//
// It sits between a client and the network and decides per request whether
// to serve from a versioned local cache, from the network, or both. Each
// request is classified once against an ordered rule set and exactly one
// caching policy is applied: cache-first for CDN assets, stale-while-
// revalidate for versioned local assets, and pass-through for everything
// else. Cache records live in a generation-scoped store whose current
// generation is derived from the deployment version; obsolete generations
// are swept on activation.
package cachefront

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cachefront/cachefront/cache"
	"github.com/cachefront/cachefront/pkg/cachekey"
	"github.com/cachefront/cachefront/pkg/generation"
	"github.com/cachefront/cachefront/pkg/metrics"
	"github.com/cachefront/cachefront/pkg/responseutil"
	"github.com/cachefront/cachefront/pkg/rules"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

type Config struct {
	// Storage for cache generations.
	Provider cache.Provider
	// Generation naming scheme for this deployment.
	Scheme generation.Scheme
	// Classification rule set.
	Rules rules.RuleSet
	// URLs warmed into the current generation on install.
	PrecacheURLs []string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// HTTP client for network fetches. A non-redirecting client is used if nil.
	Client *http.Client
}

// CacheFront is the strategy engine. Create it with New, then drive the
// lifecycle: Install (precache warm-up), Activate (sweep obsolete
// generations), and Middleware for serving. Until Install completes, every
// request is declined to the next handler.
type CacheFront struct {
	provider     cache.Provider
	scheme       generation.Scheme
	rules        rules.RuleSet
	precacheURLs []string
	keyer        cachekey.Keyer
	log          zerolog.Logger
	client       *http.Client
	store        cache.Store
	installed    atomic.Bool
}

func New(config Config) *CacheFront {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("generation", config.Scheme.Current()).
		Logger()

	client := config.Client
	if client == nil {
		client = &http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	return &CacheFront{
		provider:     config.Provider,
		scheme:       config.Scheme,
		rules:        config.Rules,
		precacheURLs: config.PrecacheURLs,
		log:          logger,
		client:       client,
	}
}

// Install opens the store for the current generation and warms it with the
// configured precache URLs. Individual precache failures are logged and
// ignored; the engine starts serving once the warm-up attempt has
// completed, successful or not. Only a failure to open the store is fatal.
func (a *CacheFront) Install(ctx context.Context) error {
	store, err := a.provider.Open(a.scheme.Current())
	if err != nil {
		return err
	}
	a.store = store

	outcomes := cache.AddAll(ctx, store, a.precacheFetch, a.precacheURLs)
	for _, o := range outcomes {
		if o.Stored {
			metrics.PrecacheOutcomes.WithLabelValues("stored").Inc()
			a.log.Trace().Str("url", o.URL).Msg("Precached")
		} else {
			metrics.PrecacheOutcomes.WithLabelValues("failed").Inc()
			a.log.Warn().Err(o.Err).Str("url", o.URL).Msg("Could not precache")
		}
	}
	a.installed.Store(true)
	return nil
}

// precacheFetch retrieves one precache URL with cross-origin-permissive
// semantics (plain GET, no credentials forwarded).
func (a *CacheFront) precacheFetch(ctx context.Context, url string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", nil, err
	}
	res, err := a.client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer res.Body.Close()
	if !isSuccess(res.StatusCode) {
		return "", nil, fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	bts, err := responseutil.ResponseToBytes(res)
	if err != nil {
		return "", nil, err
	}
	return a.keyer.IdentityForURL(url), bts, nil
}

// Activate deletes all obsolete generations carrying this deployment's
// prefix. Deletions are independent: one failure is logged and does not
// block the others, and the next activation will reconcile again.
func (a *CacheFront) Activate(ctx context.Context) error {
	all, err := a.provider.ListGenerations()
	if err != nil {
		return err
	}
	for _, gen := range a.scheme.Reconcile(all) {
		if err := a.provider.Delete(gen); err != nil {
			metrics.StoreErrors.WithLabelValues("delete").Inc()
			a.log.Warn().Err(err).Str("obsolete", gen).Msg("Could not delete obsolete generation")
			continue
		}
		metrics.GenerationsSwept.Inc()
		a.log.Trace().Str("obsolete", gen).Msg("Deleted obsolete generation")
	}
	return nil
}

// Middleware returns the interception handler. Requests the engine
// declines (pass-through category, or any request before Install has
// completed) are handed to next, the default network path.
func (a *CacheFront) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.installed.Load() {
			next.ServeHTTP(w, r)
			return
		}
		switch a.rules.Classify(r) {
		case rules.CacheFirst:
			a.serveCacheFirst(w, r)
		case rules.StaleWhileRevalidate:
			a.serveStaleWhileRevalidate(w, r)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// serveCacheFirst serves a stored record if one exists and only contacts
// the network on a miss. Successful network responses are stored for
// future requests without delaying the response.
func (a *CacheFront) serveCacheFirst(w http.ResponseWriter, r *http.Request) {
	logger := a.logger(r)
	identity := a.keyer.Identity(r)

	if res := a.lookup(r, identity); res != nil {
		metrics.CacheHits.WithLabelValues(string(rules.CacheFirst)).Inc()
		logger.Trace().Str("key", identity).Msg("Cache hit and serving")
		send(w, res)
		return
	}
	metrics.CacheMisses.WithLabelValues(string(rules.CacheFirst)).Inc()
	logger.Trace().Str("key", identity).Msg("Cache miss, fetching")

	res, err := a.fetch(r)
	if err != nil {
		logger.Warn().Err(err).Str("key", identity).Msg("Could not fetch")
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()
	if isSuccess(res.StatusCode) {
		a.storeDetached(identity, res, logger)
	}
	send(w, res)
}

// serveStaleWhileRevalidate serves a stored record immediately when one
// exists and refreshes the store from the network in the background for
// the benefit of future requests. On a miss the caller gets the network
// response, or its failure.
func (a *CacheFront) serveStaleWhileRevalidate(w http.ResponseWriter, r *http.Request) {
	logger := a.logger(r)
	identity := a.keyer.Identity(r)

	if res := a.lookup(r, identity); res != nil {
		metrics.CacheHits.WithLabelValues(string(rules.StaleWhileRevalidate)).Inc()
		logger.Trace().Str("key", identity).Msg("Cache hit, serving and revalidating")
		go a.revalidate(r.Method, r.URL.String(), identity, logger)
		send(w, res)
		return
	}
	metrics.CacheMisses.WithLabelValues(string(rules.StaleWhileRevalidate)).Inc()
	logger.Trace().Str("key", identity).Msg("Cache miss, fetching")

	res, err := a.fetch(r)
	if err != nil {
		logger.Warn().Err(err).Str("key", identity).Msg("Could not fetch")
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()
	if isSuccess(res.StatusCode) {
		a.storeDetached(identity, res, logger)
	}
	send(w, res)
}

// lookup returns the stored response for an identity, or nil on a miss.
// Store errors, including reads racing a generation sweep, degrade to a
// miss. Corrupt records also degrade to a miss so the network path can
// overwrite them.
func (a *CacheFront) lookup(r *http.Request, identity string) *http.Response {
	bts, ok, err := a.store.Get(r.Context(), identity)
	if err != nil {
		a.logger(r).Warn().Err(err).Str("key", identity).Msg("Could not read from cache")
		return nil
	}
	if !ok {
		return nil
	}
	res, err := responseutil.BytesToResponse(bts)
	if err != nil {
		a.logger(r).Error().Err(err).Str("key", identity).Msg("Corrupt cache record")
		return nil
	}
	return res
}

// revalidate fetches a fresh copy and overwrites the store on success.
// It runs detached from the request that triggered it; its result is only
// ever observed by future requests.
func (a *CacheFront) revalidate(method, url, identity string, logger *zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		logger.Warn().Err(err).Str("key", identity).Msg("Could not build revalidation request")
		return
	}
	res, err := a.client.Do(req)
	if err != nil {
		logger.Warn().Err(err).Str("key", identity).Msg("Revalidation fetch failed")
		return
	}
	defer res.Body.Close()
	if !isSuccess(res.StatusCode) {
		logger.Trace().Int("http-status", res.StatusCode).Str("key", identity).Msg("Not storing revalidated response")
		return
	}
	a.put(identity, res, logger)
}

// storeDetached serializes the response and writes it to the store in the
// background, so the response path never waits on the write. The write
// uses a detached context: it either completes or is dropped, and each put
// is atomic per identity.
func (a *CacheFront) storeDetached(identity string, res *http.Response, logger *zerolog.Logger) {
	bts, err := responseutil.ResponseToBytes(res)
	if err != nil {
		logger.Error().Err(err).Str("key", identity).Msg("Could not serialize response")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.store.Put(ctx, identity, bts); err != nil {
			metrics.StoreErrors.WithLabelValues("put").Inc()
			logger.Warn().Err(err).Str("key", identity).Msg("Could not write to cache")
			return
		}
		logger.Trace().Str("key", identity).Msg("Cache write")
	}()
}

// put serializes and stores a response synchronously.
func (a *CacheFront) put(identity string, res *http.Response, logger *zerolog.Logger) {
	bts, err := responseutil.ResponseToBytes(res)
	if err != nil {
		logger.Error().Err(err).Str("key", identity).Msg("Could not serialize response")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.store.Put(ctx, identity, bts); err != nil {
		metrics.StoreErrors.WithLabelValues("put").Inc()
		logger.Warn().Err(err).Str("key", identity).Msg("Could not write to cache")
		return
	}
	logger.Trace().Str("key", identity).Msg("Cache write")
}

// fetch issues the network request for an intercepted request.
func (a *CacheFront) fetch(r *http.Request) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), r.Body)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, r.Header)
	return a.client.Do(req)
}

// logger returns the request-scoped logger, falling back to the engine logger.
func (a *CacheFront) logger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		return &a.log
	}
	return logger
}

// NetworkHandler returns the default network path: a handler that forwards
// the request to its URL and relays the response byte for byte. It is the
// natural next handler for Middleware in proxy deployments.
func NetworkHandler(client *http.Client) http.Handler {
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), r.Body)
		if err != nil {
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}
		copyHeader(req.Header, r.Header)
		res, err := client.Do(req)
		if err != nil {
			http.Error(w, "Could not get response", http.StatusBadGateway)
			return
		}
		send(w, res)
	})
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func send(w http.ResponseWriter, res *http.Response) error {
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	_, err := io.Copy(w, res.Body)
	return err
}

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}
