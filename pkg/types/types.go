// Package types holds the shared data model for the scheduler: providers,
// workers, plans, task definitions, jobs, assignments and results
// (spec.md §3).
package types

import "time"

// ComponentType distinguishes a full node from a gateway endpoint.
type ComponentType string

const (
	ComponentNode    ComponentType = "Node"
	ComponentGateway ComponentType = "Gateway"
)

// BlockChainType enumerates the chains providers serve.
//
// Open Question (a) from spec.md §9: the original source aliased Matic to
// Bsc when parsing/rendering. That aliasing is treated as a bug here —
// Matic round-trips as its own value; only Family() groups it with the
// other EVM chains.
type BlockChainType string

const (
	BlockChainEth   BlockChainType = "eth"
	BlockChainDot   BlockChainType = "dot"
	BlockChainBsc   BlockChainType = "bsc"
	BlockChainMatic BlockChainType = "matic"
)

// BlockChainFamily groups chains that share wire-level semantics (block
// encoding, timestamp format) for extractor dispatch.
type BlockChainFamily string

const (
	FamilyEthereum BlockChainFamily = "ethereum"
	FamilyPolkadot BlockChainFamily = "polkadot"
)

// Family returns the chain family used to select a BlockExtractor.
func (b BlockChainType) Family() BlockChainFamily {
	switch b {
	case BlockChainEth, BlockChainBsc, BlockChainMatic:
		return FamilyEthereum
	case BlockChainDot:
		return FamilyPolkadot
	default:
		return FamilyEthereum
	}
}

// Provider is a monitored node or gateway endpoint (spec.md §3).
type Provider struct {
	ProviderID    string            `json:"provider_id" validate:"required"`
	ComponentType ComponentType     `json:"component_type" validate:"required,oneof=Node Gateway"`
	Blockchain    BlockChainType    `json:"blockchain" validate:"required"`
	Network       string            `json:"network" validate:"required"`
	Zone          string            `json:"zone" validate:"required"`
	CountryCode   string            `json:"country_code,omitempty"`
	IP            string            `json:"ip" validate:"required"`
	Token         string            `json:"token"`
	Status        ProviderStatus    `json:"status"`
	DiscoveredAt  time.Time         `json:"discovered_at"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// ProviderStatus tracks a provider's place in the fleet lifecycle.
type ProviderStatus string

const (
	ProviderDiscovered  ProviderStatus = "Discovered"
	ProviderVerifying   ProviderStatus = "Verifying"
	ProviderActive      ProviderStatus = "Active"
	ProviderSuspended   ProviderStatus = "Suspended"
	ProviderRemoved     ProviderStatus = "Removed"
)

// HostHeader derives the SNI/Host header this provider's endpoints expect,
// e.g. "<provider_id>.node.mbr.<domain>".
func (p *Provider) HostHeader(componentKind, domain string) string {
	return p.ProviderID + "." + componentKind + ".mbr." + domain
}

// Worker is a scheduler-controlled probe executor process (spec.md §3).
type Worker struct {
	WorkerID     string        `json:"worker_id" validate:"required"`
	Zone         string        `json:"zone" validate:"required"`
	URL          string        `json:"url" validate:"required"`
	IP           string        `json:"worker_ip"`
	Capacity     int           `json:"capacity"`
	Status       WorkerStatus  `json:"status"`
	RegisteredAt time.Time     `json:"registered_at"`
}

// WorkerStatus is the registry's view of worker health (spec.md §4.9).
type WorkerStatus string

const (
	WorkerGood WorkerStatus = "Good"
	WorkerBad  WorkerStatus = "Bad"
)

// Phase distinguishes the admission gate from ongoing monitoring.
type Phase string

const (
	PhaseVerification Phase = "Verification"
	PhaseRegular      Phase = "Regular"
)

// PlanStatus is the lifecycle state of a Plan (spec.md §4.1).
type PlanStatus string

const (
	PlanInit           PlanStatus = "init"
	PlanGenerated      PlanStatus = "generated"
	PlanFinishedPass   PlanStatus = "Finished-Pass"
	PlanFinishedFailed PlanStatus = "Finished-Failed"
	PlanTimeout        PlanStatus = "Timeout"
)

// RegularPlanNeverExpires is the expiry_time sentinel for Regular plans
// (spec.md §4.1: "expiry_time = i64::MAX"): the latest instant that
// time.Time's JSON encoding accepts, so plans carrying it can be stored.
var RegularPlanNeverExpires = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// Plan is the container for all probes against one provider in one phase
// (spec.md §3, §4.1).
type Plan struct {
	PlanID      string     `json:"plan_id" validate:"required"`
	ProviderID  string     `json:"provider_id" validate:"required"`
	Phase       Phase      `json:"phase" validate:"required"`
	Status      PlanStatus `json:"status"`
	RequestTime time.Time  `json:"request_time"`
	ExpiryTime  time.Time  `json:"expiry_time"`
	FinishTime  *time.Time `json:"finish_time,omitempty"`
	Result      *Judgment  `json:"result,omitempty"`
}

// Active reports whether p is an active plan at instant now, per the
// invariant in spec.md §3: "expiry_time > now ∧ status ∈ {init, generated}".
func (p *Plan) Active(now time.Time) bool {
	return p.ExpiryTime.After(now) && (p.Status == PlanInit || p.Status == PlanGenerated)
}

// AssignmentPolicy selects which workers a task type is routed to
// (spec.md §4.3).
type AssignmentPolicy string

const (
	PolicyBroadcast  AssignmentPolicy = "Broadcast"
	PolicyRoundRobin AssignmentPolicy = "RoundRobin"
	PolicyMeasured   AssignmentPolicy = "Measured"
)

// TaskType enumerates the probe behavioral contracts (spec.md §4.2).
type TaskType string

const (
	TaskRoundTripTime TaskType = "RoundTripTime"
	TaskLatestBlock   TaskType = "LatestBlock"
	TaskBenchmark     TaskType = "Benchmark"
	TaskWebsocket     TaskType = "Websocket"
)

// TaskDefinition is the declarative, config-loaded description of a probe
// type (spec.md §3, §4.2, §6).
type TaskDefinition struct {
	Name                  string              `json:"name" validate:"required"`
	Type                  TaskType            `json:"type" validate:"required"`
	Phases                []Phase             `json:"phases" validate:"required,min=1"`
	ProviderTypeFilter     []ComponentType    `json:"provider_type_filter,omitempty"`
	BlockchainFilter       []BlockChainType   `json:"blockchain_filter,omitempty"`
	NetworkFilter          []string           `json:"network_filter,omitempty"`
	URLTemplate            string             `json:"url_template"`
	Method                 string             `json:"method"`
	HeadersTemplate        map[string]string  `json:"headers_template,omitempty"`
	BodyTemplate           any                `json:"body_template,omitempty"`
	ResponseValuesTemplate map[string]string  `json:"response_values_template,omitempty"`
	IntervalMS             int64              `json:"interval_ms" validate:"required,min=1"`
	TimeoutMS              int64              `json:"timeout_ms" validate:"required,min=1"`
	Repeat                 int                `json:"repeat,omitempty"`
	AssignmentPolicy       AssignmentPolicy   `json:"assignment_policy"`
	Dependencies           map[TaskType][]string `json:"dependencies,omitempty"`
	Thresholds             Thresholds         `json:"thresholds,omitempty"`
}

// Thresholds bundles the per-task judgment knobs of spec.md §4.7.
type Thresholds struct {
	SuccessPercent      float64 `json:"success_percent,omitempty"`
	ResponseTimeMS      int64   `json:"response_time_ms,omitempty"`
	Percentile          float64 `json:"percentile,omitempty"`
	LateDurationSeconds int64   `json:"late_duration_seconds,omitempty"`
	BlockLagDelta       int64   `json:"block_lag_delta,omitempty"`
	RequiredKeys        []string `json:"required_keys,omitempty"`
	SampleSize          int     `json:"sample_size,omitempty"`
}

// Interval returns the task's configured interval as a time.Duration.
func (t *TaskDefinition) Interval() time.Duration {
	return time.Duration(t.IntervalMS) * time.Millisecond
}

// Timeout returns the task's configured timeout as a time.Duration.
func (t *TaskDefinition) Timeout() time.Duration {
	return time.Duration(t.TimeoutMS) * time.Millisecond
}

// Job is a concrete, immutable-once-emitted probe instance (spec.md §3).
type Job struct {
	JobID          string            `json:"job_id" validate:"required"`
	PlanID         string            `json:"plan_id" validate:"required"`
	ProviderID     string            `json:"provider_id" validate:"required"`
	ComponentType  ComponentType     `json:"component_type"`
	TaskType       TaskType          `json:"task_type"`
	TaskName       string            `json:"task_name"`
	Phase          Phase             `json:"phase"`
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           any               `json:"body,omitempty"`
	Timeout        time.Duration     `json:"timeout"`
	Interval       time.Duration     `json:"interval"`
	Repeat         int               `json:"repeat,omitempty"`
	Parallelable   bool              `json:"parallelable"`
	ExpectedRuntime time.Duration    `json:"expected_runtime,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// AssignmentStatus tracks delivery of one JobAssignment (spec.md §3).
type AssignmentStatus string

const (
	AssignmentCreated   AssignmentStatus = "Created"
	AssignmentAssigned  AssignmentStatus = "Assigned"
	AssignmentDelivered AssignmentStatus = "Delivered"
	AssignmentDone      AssignmentStatus = "Done"
)

// JobAssignment pairs a job with exactly one worker (spec.md §3; a job
// may have multiple assignments for replication).
type JobAssignment struct {
	AssignmentID string           `json:"assignment_id" validate:"required"`
	Job          Job              `json:"job"`
	WorkerID     string           `json:"worker_id" validate:"required"`
	Status       AssignmentStatus `json:"status"`
	AssignedAt   time.Time        `json:"assigned_at"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
}

// JobResult is the worker's report of one probe execution (spec.md §3).
type JobResult struct {
	PlanID           string         `json:"plan_id" validate:"required"`
	JobID            string         `json:"job_id" validate:"required"`
	TaskType         TaskType       `json:"task_type" validate:"required"`
	TaskName         string         `json:"task_name" validate:"required"`
	WorkerID         string         `json:"worker_id" validate:"required"`
	ProviderID       string         `json:"provider_id" validate:"required"`
	ProviderType     ComponentType  `json:"provider_type"`
	Phase            Phase          `json:"phase" validate:"required"`
	ChainInfo        ChainInfo      `json:"chain_info"`
	Detail           ResultDetail   `json:"detail"`
	ReceiveTimestamp time.Time      `json:"receive_timestamp"`
}

// ChainInfo identifies the blockchain/network a result pertains to.
type ChainInfo struct {
	Blockchain BlockChainType `json:"blockchain"`
	Network    string         `json:"network"`
}

// ResultDetail is the tagged-variant body of a JobResult, keyed by task
// type (spec.md §3). Exactly one of the pointer fields is populated,
// matching the task type named in JobResult.TaskType.
type ResultDetail struct {
	RoundTripTime *RoundTripTimeDetail `json:"round_trip_time,omitempty"`
	LatestBlock   *LatestBlockDetail   `json:"latest_block,omitempty"`
	Benchmark     *BenchmarkDetail     `json:"benchmark,omitempty"`
	Websocket     *WebsocketDetail     `json:"websocket,omitempty"`
	Error         string               `json:"error,omitempty"`
}

// RoundTripTimeDetail is the result of an HTTP GET latency probe.
type RoundTripTimeDetail struct {
	Success        bool  `json:"success"`
	ResponseTimeMS int64 `json:"response_time_ms"`
}

// LatestBlockDetail is the result of a latest-block freshness probe.
// ResponseValues carries the raw, chain-specific key/value pairs the
// worker extracted from the provider's response; judgment parses them
// via a BlockExtractor (see pkg/judgment).
type LatestBlockDetail struct {
	Success        bool              `json:"success"`
	ResponseValues map[string]string `json:"response_values"`
}

// BenchmarkDetail is the result of a sustained-load probe.
type BenchmarkDetail struct {
	SuccessCount     int     `json:"success_count"`
	TotalCount       int     `json:"total_count"`
	ResponseTimesMS  []int64 `json:"response_times_ms"`
}

// WebsocketDetail is the result of a websocket probe.
type WebsocketDetail struct {
	Success        bool              `json:"success"`
	ResponseValues map[string]string `json:"response_values,omitempty"`
	CallFailed     bool              `json:"call_failed"`
}

// Verdict is a per-task or per-plan judgment outcome (spec.md §4.7).
type Verdict string

const (
	VerdictPass       Verdict = "Pass"
	VerdictUnfinished Verdict = "Unfinished"
	VerdictError      Verdict = "Error"
	VerdictFailed     Verdict = "Failed"
)

// FailureReason names one task's contribution to a Failed verdict.
type FailureReason struct {
	JobName      string `json:"job_name"`
	FailedDetail string `json:"failed_detail"`
	Code         string `json:"code"`
}

// Judgment is the outcome of the judgment engine for one task or one plan
// (spec.md §4.7).
type Judgment struct {
	Verdict Verdict         `json:"verdict"`
	Reasons []FailureReason `json:"reasons,omitempty"`
}

// Pass reports whether j represents a Pass verdict, treating a nil
// Judgment as not-yet-judged (Unfinished).
func (j *Judgment) Pass() bool {
	return j != nil && j.Verdict == VerdictPass
}
