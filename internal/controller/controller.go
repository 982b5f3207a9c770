package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rohmanhakim/offline-cache/internal/cache"
	"github.com/rohmanhakim/offline-cache/internal/config"
	"github.com/rohmanhakim/offline-cache/internal/fetcher"
	"github.com/rohmanhakim/offline-cache/internal/metadata"
	"github.com/rohmanhakim/offline-cache/pkg/deferred"
	"github.com/rohmanhakim/offline-cache/pkg/failure"
	"github.com/rohmanhakim/offline-cache/pkg/urlutil"
	"golang.org/x/sync/errgroup"
)

/*
 Controller is one version of the offline cache controller.

 Lifecycle guarantees:
 - The controller never moves itself between states; every transition
   is caused by an install, activate or fetch event from the host.
 - An event that arrives in a state which cannot accept it is rejected
   and leaves the state unchanged.
 - The controller owns exactly one bucket, named after its version.
   After activation every other bucket in storage has been removed.

 Failure policy:
 - Best-effort assets never fail installation; their failures are
   only recorded.
 - Required assets are stored all together or not at all; any failure
   fails installation.
 - Failures outside the required step during install are recorded and
   swallowed: installation completes with whatever the bucket holds.
 - Network failures at fetch time are answered with the offline page.

 Metadata emission is observational only and never changes an outcome.
*/
type Controller struct {
	mu    sync.RWMutex
	state State

	version     string
	cacheName   string
	bestEffort  []url.URL
	required    []url.URL
	offlineKey  string
	concurrency int

	storage      cache.Storage
	fetcher      fetcher.Fetcher
	host         Host
	metadataSink metadata.MetadataSink
}

var _ Lifecycle = (*Controller)(nil)

func NewController(
	cfg config.Config,
	storage cache.Storage,
	fetcher fetcher.Fetcher,
	host Host,
	metadataSink metadata.MetadataSink,
) *Controller {
	return &Controller{
		state:        StateParsed,
		version:      cfg.Version(),
		cacheName:    cfg.CacheName(),
		bestEffort:   cfg.BestEffortURLs(),
		required:     cfg.RequiredURLs(),
		offlineKey:   urlutil.CacheKey(cfg.OfflineURL()),
		concurrency:  cfg.Concurrency(),
		storage:      storage,
		fetcher:      fetcher,
		host:         host,
		metadataSink: metadataSink,
	}
}

func (c *Controller) Version() string {
	return c.version
}

func (c *Controller) CacheName() string {
	return c.cacheName
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) transition(from State, to State) *ControllerError {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != from {
		return &ControllerError{
			Message: fmt.Sprintf("cannot move to %s from %s", to, c.state),
			Cause:   ErrCauseInvalidTransition,
			Version: c.version,
		}
	}
	c.state = to
	return nil
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// OnInstall populates the version's bucket. The result fails only when
// a required asset could not be stored.
func (c *Controller) OnInstall(ctx context.Context, _ InstallEvent) *deferred.Result[struct{}] {
	if err := c.transition(StateParsed, StateInstalling); err != nil {
		c.recordError("Controller.OnInstall", err)
		return deferred.Rejected[struct{}](err)
	}

	return deferred.Go(func() (struct{}, error) {
		start := time.Now()
		err := c.install(ctx)
		if err != nil {
			c.setState(StateRedundant)
			c.recordError("Controller.OnInstall", err)
			c.metadataSink.RecordLifecycle(metadata.PhaseInstall, c.version, time.Since(start), err)
			return struct{}{}, err
		}
		c.setState(StateInstalled)
		c.metadataSink.RecordLifecycle(metadata.PhaseInstall, c.version, time.Since(start), nil)
		return struct{}{}, nil
	})
}

func (c *Controller) install(ctx context.Context) *ControllerError {
	c.host.SkipWaiting(c.version)

	bucket, err := c.storage.Open(ctx, c.cacheName)
	if err != nil {
		// swallowed: install still completes, the bucket stays empty
		c.metadataSink.RecordError(
			time.Now(),
			"controller",
			"Controller.install",
			metadata.CauseStorageFailure,
			err.Error(),
			[]metadata.Attribute{
				metadata.NewAttr(metadata.AttrBucket, c.cacheName),
				metadata.NewAttr(metadata.AttrVersion, c.version),
			},
		)
		return nil
	}

	bestEffortDone := make(chan struct{})
	go func() {
		defer close(bestEffortDone)
		c.storeBestEffort(ctx, bucket)
	}()

	// a required failure returns without waiting for the best-effort batch
	if err := c.storeRequired(ctx, bucket); err != nil {
		return err
	}

	<-bestEffortDone
	return nil
}

// storeBestEffort stores each best-effort asset independently.
func (c *Controller) storeBestEffort(ctx context.Context, bucket cache.Bucket) {
	var g errgroup.Group
	g.SetLimit(c.concurrency)

	for _, assetUrl := range c.bestEffort {
		g.Go(func() error {
			response, err := c.fetchAsset(ctx, assetUrl)
			if err != nil {
				c.recordAssetFailure("Controller.storeBestEffort", assetUrl, fetchFailureCause(err), err)
				return nil
			}
			if putErr := bucket.Put(ctx, urlutil.CacheKey(assetUrl), response); putErr != nil {
				c.recordAssetFailure("Controller.storeBestEffort", assetUrl, metadata.CauseStorageFailure, putErr)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// storeRequired fetches every required asset and stores them in one
// atomic write. The first failure cancels the fetches still in flight.
func (c *Controller) storeRequired(ctx context.Context, bucket cache.Bucket) *ControllerError {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	entries := make([]cache.Entry, len(c.required))
	for i, assetUrl := range c.required {
		g.Go(func() error {
			response, err := c.fetchAsset(gctx, assetUrl)
			if err != nil {
				return &ControllerError{
					Message: fmt.Sprintf("%s: %s", assetUrl.String(), err.Error()),
					Cause:   ErrCauseRequiredAssetFailed,
					Version: c.version,
					Err:     err,
				}
			}
			entries[i] = cache.Entry{Key: urlutil.CacheKey(assetUrl), Response: response}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var controllerErr *ControllerError
		if errors.As(err, &controllerErr) {
			return controllerErr
		}
		return &ControllerError{Message: err.Error(), Cause: ErrCauseRequiredAssetFailed, Version: c.version, Err: err}
	}

	if err := bucket.PutAll(ctx, entries); err != nil {
		return &ControllerError{
			Message: err.Error(),
			Cause:   ErrCauseRequiredAssetFailed,
			Version: c.version,
			Err:     err,
		}
	}
	return nil
}

// fetchAsset fetches one asset for storage. Only 2xx responses qualify.
func (c *Controller) fetchAsset(ctx context.Context, assetUrl url.URL) (fetcher.Response, error) {
	response, err := c.fetcher.Fetch(ctx, fetcher.NewGetRequest(assetUrl))
	if err != nil {
		return fetcher.Response{}, err
	}
	if !response.OK() {
		return fetcher.Response{}, fmt.Errorf("unexpected status %d", response.StatusCode())
	}
	return response, nil
}

// OnActivate removes every bucket other than this version's and then
// claims the open contexts. The controller ends activated even when
// cleanup fails; claim is skipped in that case.
func (c *Controller) OnActivate(ctx context.Context, _ ActivateEvent) *deferred.Result[struct{}] {
	if err := c.transition(StateInstalled, StateActivating); err != nil {
		c.recordError("Controller.OnActivate", err)
		return deferred.Rejected[struct{}](err)
	}

	return deferred.Go(func() (struct{}, error) {
		start := time.Now()
		err := c.activate(ctx)
		c.setState(StateActivated)
		if err != nil {
			c.recordError("Controller.OnActivate", err)
			c.metadataSink.RecordLifecycle(metadata.PhaseActivate, c.version, time.Since(start), err)
			return struct{}{}, err
		}
		c.metadataSink.RecordLifecycle(metadata.PhaseActivate, c.version, time.Since(start), nil)
		return struct{}{}, nil
	})
}

func (c *Controller) activate(ctx context.Context) *ControllerError {
	names, err := c.storage.Keys(ctx)
	if err != nil {
		return &ControllerError{Message: err.Error(), Cause: ErrCauseStaleBucketCleanup, Version: c.version, Err: err}
	}

	// every deletion settles before the outcome is decided
	var g errgroup.Group
	for _, name := range names {
		if name == c.cacheName {
			continue
		}
		g.Go(func() error {
			if _, err := c.storage.Delete(ctx, name); err != nil {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return &ControllerError{Message: err.Error(), Cause: ErrCauseStaleBucketCleanup, Version: c.version, Err: err}
	}

	if err := c.host.Claim(ctx, c.version); err != nil {
		return &ControllerError{Message: err.Error(), Cause: ErrCauseClaimFailed, Version: c.version, Err: err}
	}
	return nil
}

// OnFetch answers a request cache-first. Only an activated controller
// answers fetch events.
func (c *Controller) OnFetch(ctx context.Context, event FetchEvent) *deferred.Result[fetcher.Response] {
	if state := c.State(); state != StateActivated {
		err := &ControllerError{
			Message:   fmt.Sprintf("fetch event in state %s", state),
			Retryable: true,
			Cause:     ErrCauseNotControlling,
			Version:   c.version,
		}
		return deferred.Rejected[fetcher.Response](err)
	}

	return deferred.Go(func() (fetcher.Response, error) {
		start := time.Now()
		response, source, err := c.respond(ctx, event.Request)
		requestUrl := event.Request.URL()
		c.metadataSink.RecordServe(requestUrl.String(), source, time.Since(start))
		if err != nil {
			c.recordError("Controller.OnFetch", err)
			return fetcher.Response{}, err
		}
		return response, nil
	})
}

func (c *Controller) respond(ctx context.Context, request fetcher.Request) (fetcher.Response, metadata.ServeSource, *ControllerError) {
	if isLookupMethod(request.Method()) {
		if cached, found := c.lookup(ctx, urlutil.CacheKey(request.URL())); found {
			return cached, metadata.SourceCache, nil
		}
	}

	response, fetchErr := c.fetcher.Fetch(ctx, request)
	if fetchErr == nil {
		return response, metadata.SourceNetwork, nil
	}

	if fallback, found := c.lookup(ctx, c.offlineKey); found {
		return fallback, metadata.SourceFallback, nil
	}
	return fetcher.Response{}, metadata.SourceNone, &ControllerError{
		Message:   fetchErr.Error(),
		Retryable: fetchErr.Severity() == failure.SeverityRecoverable,
		Cause:     ErrCauseFallbackMissing,
		Version:   c.version,
		Err:       fetchErr,
	}
}

// lookup reads key from this version's bucket. Storage errors count as
// a miss.
func (c *Controller) lookup(ctx context.Context, key string) (fetcher.Response, bool) {
	exists, err := c.storage.Has(ctx, c.cacheName)
	if err != nil || !exists {
		if err != nil {
			c.recordLookupFailure(key, err)
		}
		return fetcher.Response{}, false
	}
	bucket, err := c.storage.Open(ctx, c.cacheName)
	if err != nil {
		c.recordLookupFailure(key, err)
		return fetcher.Response{}, false
	}
	response, found, err := bucket.Match(ctx, key)
	if err != nil {
		c.recordLookupFailure(key, err)
		return fetcher.Response{}, false
	}
	return response, found
}

func isLookupMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func (c *Controller) recordError(action string, err *ControllerError) {
	c.metadataSink.RecordError(
		time.Now(),
		"controller",
		action,
		mapControllerErrorToMetadataCause(err),
		err.Error(),
		[]metadata.Attribute{
			metadata.NewAttr(metadata.AttrVersion, c.version),
		},
	)
}

// fetchFailureCause tells transport failures from rejected statuses.
func fetchFailureCause(err error) metadata.ErrorCause {
	var classified failure.ClassifiedError
	if errors.As(err, &classified) {
		return metadata.CauseNetworkFailure
	}
	return metadata.CauseContentInvalid
}

func (c *Controller) recordAssetFailure(action string, assetUrl url.URL, cause metadata.ErrorCause, err error) {
	c.metadataSink.RecordError(
		time.Now(),
		"controller",
		action,
		cause,
		err.Error(),
		[]metadata.Attribute{
			metadata.NewAttr(metadata.AttrAssetURL, assetUrl.String()),
			metadata.NewAttr(metadata.AttrBucket, c.cacheName),
		},
	)
}

func (c *Controller) recordLookupFailure(key string, err error) {
	c.metadataSink.RecordError(
		time.Now(),
		"controller",
		"Controller.lookup",
		metadata.CauseStorageFailure,
		err.Error(),
		[]metadata.Attribute{
			metadata.NewAttr(metadata.AttrURL, key),
			metadata.NewAttr(metadata.AttrBucket, c.cacheName),
		},
	)
}
