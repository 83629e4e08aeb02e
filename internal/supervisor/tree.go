package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/lc-server/internal/common/logger"
)

// TreeConfig holds supervisor tree configuration.
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultTreeConfig returns suture's own defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree supervises the server in three layers: the time index services, the
// per-agency real-time managers and the HTTP server. A crashing manager is
// restarted without taking the API down.
type Tree struct {
	root     *suture.Supervisor
	index    *suture.Supervisor
	realtime *suture.Supervisor
	api      *suture.Supervisor
}

// NewTree creates a supervisor tree whose events are logged through log.
func NewTree(log logger.Logger, config TreeConfig) *Tree {
	defaults := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = defaults.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = defaults.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}

	rootSpec := suture.Spec{
		EventHook:        eventHook(log),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	t := &Tree{
		root:     suture.New("lcserver", rootSpec),
		index:    suture.New("index-layer", childSpec),
		realtime: suture.New("realtime-layer", childSpec),
		api:      suture.New("api-layer", childSpec),
	}
	t.root.Add(t.index)
	t.root.Add(t.realtime)
	t.root.Add(t.api)
	return t
}

// AddIndexService adds the index refresher or registry cleaner.
func (t *Tree) AddIndexService(svc suture.Service) suture.ServiceToken {
	return t.index.Add(svc)
}

// AddRealTimeService adds a per-agency manager.
func (t *Tree) AddRealTimeService(svc suture.Service) suture.ServiceToken {
	return t.realtime.Add(svc)
}

// AddAPIService adds the HTTP server.
func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve blocks until ctx is canceled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground starts the tree and returns a channel receiving its exit error.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that missed the shutdown timeout.
func (t *Tree) UnstoppedServiceReport() (suture.UnstoppedServiceReport, error) {
	return t.root.UnstoppedServiceReport()
}

func eventHook(log logger.Logger) suture.EventHook {
	return func(e suture.Event) {
		switch e.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate, suture.EventTypeStopTimeout:
			log.Error("Supervised service failed", "event", e.String())
		case suture.EventTypeBackoff:
			log.Warn("Supervisor entering backoff", "event", e.String())
		default:
			log.Info("Supervisor event", "event", e.String())
		}
	}
}
