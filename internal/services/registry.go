// Package services provides the central registry for incidentd services.
//
// The registry is an explicit object owned by the running process and
// injected where needed; there are no package-level singletons. Use
// NewRegistry() with service instances, then accessor methods to retrieve
// individual services.
package services

import (
	"github.com/fyrsmithlabs/incidentd/internal/engine"
	"github.com/fyrsmithlabs/incidentd/internal/jobs"
	"github.com/fyrsmithlabs/incidentd/internal/session"
)

// Registry provides access to all incidentd services.
type Registry interface {
	Engine() *engine.Engine
	Jobs() *jobs.Manager
	Planner() engine.Planner
	Delegator() engine.Delegator
	Publisher() engine.Publisher
	Sessions() session.Store
}

// Options configures the registry with service instances.
type Options struct {
	Engine    *engine.Engine
	Jobs      *jobs.Manager
	Planner   engine.Planner
	Delegator engine.Delegator
	Publisher engine.Publisher
	Sessions  session.Store
}

// registry is the concrete implementation of Registry.
type registry struct {
	engine    *engine.Engine
	jobs      *jobs.Manager
	planner   engine.Planner
	delegator engine.Delegator
	publisher engine.Publisher
	sessions  session.Store
}

// NewRegistry creates a new service registry.
func NewRegistry(opts Options) Registry {
	return &registry{
		engine:    opts.Engine,
		jobs:      opts.Jobs,
		planner:   opts.Planner,
		delegator: opts.Delegator,
		publisher: opts.Publisher,
		sessions:  opts.Sessions,
	}
}

func (r *registry) Engine() *engine.Engine       { return r.engine }
func (r *registry) Jobs() *jobs.Manager          { return r.jobs }
func (r *registry) Planner() engine.Planner      { return r.planner }
func (r *registry) Delegator() engine.Delegator  { return r.delegator }
func (r *registry) Publisher() engine.Publisher  { return r.publisher }
func (r *registry) Sessions() session.Store      { return r.sessions }
