// Package storage persists scheduler state (plans, jobs, assignments,
// results, providers, workers) and provides cache-first lookups the rest
// of the scheduler builds on.
package storage

import "github.com/cuemby/beacon/pkg/types"

// Store is the durable backing store for scheduler entities. Cross-entity
// references are carried by id (spec.md §9, "arena-like stores keyed by
// id"), never as owning pointers.
type Store interface {
	// Providers
	SaveProvider(p *types.Provider) error
	GetProvider(id string) (*types.Provider, error)
	ListProviders() ([]*types.Provider, error)
	DeleteProvider(id string) error

	// Workers
	SaveWorker(w *types.Worker) error
	GetWorker(id string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	DeleteWorker(id string) error

	// Plans
	SavePlan(p *types.Plan) error
	GetPlan(id string) (*types.Plan, error)
	ListPlansByProvider(providerID string) ([]*types.Plan, error)
	ListActivePlans() ([]*types.Plan, error)
	DeletePlan(id string) error

	// Jobs
	SaveJob(j *types.Job) error
	GetJob(id string) (*types.Job, error)
	ListJobsByPlan(planID string) ([]*types.Job, error)

	// Assignments
	SaveAssignment(a *types.JobAssignment) error
	GetAssignment(id string) (*types.JobAssignment, error)
	ListAssignmentsByJob(jobID string) ([]*types.JobAssignment, error)

	// Results (append-only, spec.md §4.5 step 6)
	AppendResult(r *types.JobResult) error
	ListResultsByProviderTask(providerID string, taskType types.TaskType, taskName string) ([]*types.JobResult, error)

	Close() error
}
