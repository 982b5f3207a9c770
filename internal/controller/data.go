package controller

import (
	"context"

	"github.com/rohmanhakim/offline-cache/internal/fetcher"
	"github.com/rohmanhakim/offline-cache/pkg/deferred"
)

// State is the lifecycle position of one controller version.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

type InstallEvent struct{}

type ActivateEvent struct{}

type FetchEvent struct {
	Request fetcher.Request
}

// Lifecycle is the contract between a host and a cache controller.
// Each handler returns immediately; the host holds the phase open until
// the returned result settles.
type Lifecycle interface {
	Version() string
	OnInstall(ctx context.Context, event InstallEvent) *deferred.Result[struct{}]
	OnActivate(ctx context.Context, event ActivateEvent) *deferred.Result[struct{}]
	OnFetch(ctx context.Context, event FetchEvent) *deferred.Result[fetcher.Response]
}

// Host is what a controller may ask of the environment that runs it.
type Host interface {
	// SkipWaiting asks the host to activate this version as soon as it is
	// installed, without waiting for older versions to release control.
	SkipWaiting(version string)
	// Claim makes this version the controller of every open context.
	Claim(ctx context.Context, version string) error
}
