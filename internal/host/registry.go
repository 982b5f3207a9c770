package host

import (
	"context"
	"sync"
	"time"

	"github.com/rohmanhakim/offline-cache/internal/controller"
	"github.com/rohmanhakim/offline-cache/internal/metadata"
)

/*
Registry runs controllers the way a browser runs service workers.

  - Register installs a controller and, when allowed, activates it.
  - A controller that fails to install is discarded; the previously
    active controller keeps serving.
  - A controller that installed while another one is active waits until
    it asked to skip waiting or until Promote is called.
  - Claim switches request routing to the claiming controller.

Registry implements controller.Host.
*/
type Registry struct {
	mu          sync.RWMutex
	controllers map[string]controller.Lifecycle
	skipWaiting map[string]bool
	active      controller.Lifecycle
	waiting     controller.Lifecycle

	metadataSink metadata.MetadataSink
}

var _ controller.Host = (*Registry)(nil)

func NewRegistry(metadataSink metadata.MetadataSink) *Registry {
	return &Registry{
		controllers:  make(map[string]controller.Lifecycle),
		skipWaiting:  make(map[string]bool),
		metadataSink: metadataSink,
	}
}

// Register dispatches install to c and waits for it. On success c is
// activated right away if it asked to skip waiting or nothing is active
// yet; otherwise it waits for Promote.
func (r *Registry) Register(ctx context.Context, c controller.Lifecycle) error {
	start := time.Now()
	version := c.Version()

	r.mu.Lock()
	if _, exists := r.controllers[version]; exists {
		r.mu.Unlock()
		err := &HostError{Message: "register a new version instead", Cause: ErrCauseDuplicateVersion, Version: version}
		r.fail("Registry.Register", err)
		return err
	}
	r.controllers[version] = c
	r.mu.Unlock()

	if _, err := c.OnInstall(ctx, controller.InstallEvent{}).Wait(ctx); err != nil {
		r.mu.Lock()
		delete(r.controllers, version)
		delete(r.skipWaiting, version)
		r.mu.Unlock()

		hostErr := &HostError{Message: err.Error(), Cause: ErrCauseInstallFailed, Version: version, Err: err}
		r.metadataSink.RecordLifecycle(metadata.PhaseRegister, version, time.Since(start), hostErr)
		return hostErr
	}
	r.metadataSink.RecordLifecycle(metadata.PhaseRegister, version, time.Since(start), nil)

	r.mu.Lock()
	activateNow := r.skipWaiting[version] || r.active == nil
	if !activateNow {
		r.waiting = c
	}
	r.mu.Unlock()

	if !activateNow {
		return nil
	}
	return r.activate(ctx, c)
}

// Promote activates the controller that is waiting, if any.
func (r *Registry) Promote(ctx context.Context) error {
	r.mu.Lock()
	c := r.waiting
	r.mu.Unlock()

	if c == nil {
		err := &HostError{Message: "nothing to promote", Cause: ErrCauseNothingWaiting}
		r.fail("Registry.Promote", err)
		return err
	}
	return r.activate(ctx, c)
}

// activate dispatches activate and waits for it. A controller whose
// activation failed is still promoted, it just did not claim.
func (r *Registry) activate(ctx context.Context, c controller.Lifecycle) error {
	_, err := c.OnActivate(ctx, controller.ActivateEvent{}).Wait(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waiting == c {
		r.waiting = nil
	}
	if err != nil {
		r.setActive(c)
		return err
	}
	return nil
}

func (r *Registry) SkipWaiting(version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipWaiting[version] = true
}

func (r *Registry) Claim(ctx context.Context, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.controllers[version]
	if !ok {
		err := &HostError{Message: "claim from unregistered controller", Cause: ErrCauseUnknownVersion, Version: version}
		return err
	}
	r.setActive(c)
	return nil
}

// setActive must be called with r.mu held.
func (r *Registry) setActive(c controller.Lifecycle) {
	if r.active != nil && r.active != c {
		delete(r.controllers, r.active.Version())
		delete(r.skipWaiting, r.active.Version())
	}
	r.active = c
}

// Active returns the controller that answers fetch events, or nil.
func (r *Registry) Active() controller.Lifecycle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting returns the installed controller waiting for promotion, or nil.
func (r *Registry) Waiting() controller.Lifecycle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

func (r *Registry) fail(action string, err *HostError) {
	r.metadataSink.RecordError(
		time.Now(),
		"host",
		action,
		mapHostErrorToMetadataCause(err),
		err.Error(),
		[]metadata.Attribute{
			metadata.NewAttr(metadata.AttrVersion, err.Version),
		},
	)
}
