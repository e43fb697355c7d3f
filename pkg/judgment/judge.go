// Package judgment implements the per-task and per-plan judgment rules of
// spec.md §4.7: turning a window of cached JobResults into a Pass,
// Unfinished, Error or Failed verdict, and aggregating per-task verdicts
// into a plan-level outcome.
package judgment

import (
	"time"

	"github.com/cuemby/beacon/pkg/judgment/stats"
	"github.com/cuemby/beacon/pkg/types"
)

func sampleSize(def *types.TaskDefinition) int {
	if def.Thresholds.SampleSize > 0 {
		return def.Thresholds.SampleSize
	}
	return 3
}

// RoundTripTime judges an HTTP latency probe: Pass requires both the
// success ratio and the configured percentile response time, over the
// last sample-size results, to clear their thresholds.
func RoundTripTime(recent []*types.JobResult, def *types.TaskDefinition) *types.Judgment {
	n := sampleSize(def)
	if len(recent) < n {
		return &types.Judgment{Verdict: types.VerdictUnfinished}
	}
	window := recent[len(recent)-n:]

	var successCount int
	var times []int64
	for _, r := range window {
		if r.Detail.Error != "" || r.Detail.RoundTripTime == nil {
			continue
		}
		if r.Detail.RoundTripTime.Success {
			successCount++
			times = append(times, r.Detail.RoundTripTime.ResponseTimeMS)
		}
	}

	ratio := stats.SuccessRatio(successCount, len(window))
	p := stats.Percentile(times, def.Thresholds.Percentile)

	if ratio >= def.Thresholds.SuccessPercent && p <= def.Thresholds.ResponseTimeMS {
		return &types.Judgment{Verdict: types.VerdictPass}
	}
	return &types.Judgment{
		Verdict: types.VerdictFailed,
		Reasons: []types.FailureReason{{
			JobName:      def.Name,
			FailedDetail: "success ratio or response time below threshold",
			Code:         "round_trip_time_threshold",
		}},
	}
}

// LatestBlock judges a block-freshness probe against the most recent
// result: the extracted block timestamp must not be stale by more than
// LateDurationSeconds, and the extracted block number must not lag the
// fleet's observed maximum by more than BlockLagDelta.
func LatestBlock(recent []*types.JobResult, def *types.TaskDefinition, chain types.BlockChainType, fleetMaxBlock int64, now time.Time) *types.Judgment {
	if len(recent) == 0 {
		return &types.Judgment{Verdict: types.VerdictUnfinished}
	}
	latest := recent[len(recent)-1]

	if latest.Detail.Error != "" {
		return &types.Judgment{Verdict: types.VerdictError, Reasons: []types.FailureReason{{
			JobName: def.Name, FailedDetail: latest.Detail.Error, Code: "worker_error",
		}}}
	}
	if latest.Detail.LatestBlock == nil || !latest.Detail.LatestBlock.Success {
		return &types.Judgment{Verdict: types.VerdictFailed, Reasons: []types.FailureReason{{
			JobName: def.Name, FailedDetail: "probe did not succeed", Code: "latest_block_failed",
		}}}
	}

	extractor, err := ExtractorFor(chain.Family())
	if err != nil {
		return &types.Judgment{Verdict: types.VerdictError, Reasons: []types.FailureReason{{
			JobName: def.Name, FailedDetail: err.Error(), Code: "unsupported_chain_family",
		}}}
	}
	blockNumber, blockTimestamp, err := extractor.Extract(latest.Detail.LatestBlock.ResponseValues)
	if err != nil {
		return &types.Judgment{Verdict: types.VerdictError, Reasons: []types.FailureReason{{
			JobName: def.Name, FailedDetail: err.Error(), Code: "block_extract_failed",
		}}}
	}

	var reasons []types.FailureReason
	if lateBy := now.Sub(blockTimestamp); lateBy > time.Duration(def.Thresholds.LateDurationSeconds)*time.Second {
		reasons = append(reasons, types.FailureReason{
			JobName: def.Name, FailedDetail: "block timestamp stale", Code: "block_late",
		})
	}
	if lag := fleetMaxBlock - blockNumber; lag > def.Thresholds.BlockLagDelta {
		reasons = append(reasons, types.FailureReason{
			JobName: def.Name, FailedDetail: "block number behind fleet", Code: "block_lag",
		})
	}
	if len(reasons) > 0 {
		return &types.Judgment{Verdict: types.VerdictFailed, Reasons: reasons}
	}
	return &types.Judgment{Verdict: types.VerdictPass}
}

// Benchmark judges a sustained-load probe's most recent result: Pass
// requires both the success ratio and the configured percentile response
// time to clear their thresholds.
func Benchmark(recent []*types.JobResult, def *types.TaskDefinition) *types.Judgment {
	if len(recent) == 0 {
		return &types.Judgment{Verdict: types.VerdictUnfinished}
	}
	latest := recent[len(recent)-1]
	if latest.Detail.Error != "" {
		return &types.Judgment{Verdict: types.VerdictError, Reasons: []types.FailureReason{{
			JobName: def.Name, FailedDetail: latest.Detail.Error, Code: "worker_error",
		}}}
	}
	if latest.Detail.Benchmark == nil {
		return &types.Judgment{Verdict: types.VerdictUnfinished}
	}

	ratio := stats.SuccessRatio(latest.Detail.Benchmark.SuccessCount, latest.Detail.Benchmark.TotalCount)
	p := stats.Percentile(latest.Detail.Benchmark.ResponseTimesMS, def.Thresholds.Percentile)

	if ratio >= def.Thresholds.SuccessPercent && p <= def.Thresholds.ResponseTimeMS {
		return &types.Judgment{Verdict: types.VerdictPass}
	}
	return &types.Judgment{
		Verdict: types.VerdictFailed,
		Reasons: []types.FailureReason{{
			JobName:      def.Name,
			FailedDetail: "success ratio or response time below threshold",
			Code:         "benchmark_threshold",
		}},
	}
}

// Websocket judges a websocket probe's most recent result: Pass requires
// the call to have succeeded, not failed mid-call, and every configured
// required response key to be present.
func Websocket(recent []*types.JobResult, def *types.TaskDefinition) *types.Judgment {
	if len(recent) == 0 {
		return &types.Judgment{Verdict: types.VerdictUnfinished}
	}
	latest := recent[len(recent)-1]
	if latest.Detail.Error != "" {
		return &types.Judgment{Verdict: types.VerdictError, Reasons: []types.FailureReason{{
			JobName: def.Name, FailedDetail: latest.Detail.Error, Code: "worker_error",
		}}}
	}
	ws := latest.Detail.Websocket
	if ws == nil || ws.CallFailed || !ws.Success {
		return &types.Judgment{Verdict: types.VerdictFailed, Reasons: []types.FailureReason{{
			JobName: def.Name, FailedDetail: "websocket call failed", Code: "websocket_call_failed",
		}}}
	}
	for _, key := range def.Thresholds.RequiredKeys {
		if _, ok := ws.ResponseValues[key]; !ok {
			return &types.Judgment{Verdict: types.VerdictFailed, Reasons: []types.FailureReason{{
				JobName: def.Name, FailedDetail: "missing required response key " + key, Code: "websocket_missing_key",
			}}}
		}
	}
	return &types.Judgment{Verdict: types.VerdictPass}
}

// Judge dispatches to the per-task-type judgment function for def.Type.
func Judge(recent []*types.JobResult, def *types.TaskDefinition, chain types.BlockChainType, fleetMaxBlock int64, now time.Time) *types.Judgment {
	switch def.Type {
	case types.TaskRoundTripTime:
		return RoundTripTime(recent, def)
	case types.TaskLatestBlock:
		return LatestBlock(recent, def, chain, fleetMaxBlock, now)
	case types.TaskBenchmark:
		return Benchmark(recent, def)
	case types.TaskWebsocket:
		return Websocket(recent, def)
	default:
		return &types.Judgment{Verdict: types.VerdictUnfinished}
	}
}

// AggregatePlan combines one judgment per required task into a plan-level
// verdict: Pass only if every task passed; Failed (accumulating every
// task's failure reasons) if any task is Failed or Error; Unfinished if
// no task failed but at least one has not yet reached a final verdict.
func AggregatePlan(taskJudgments map[string]*types.Judgment) *types.Judgment {
	names := make([]string, 0, len(taskJudgments))
	for name := range taskJudgments {
		names = append(names, name)
	}
	sortStrings(names)

	allPass := true
	anyUnfinished := false
	var reasons []types.FailureReason

	for _, name := range names {
		j := taskJudgments[name]
		if j == nil || j.Verdict == types.VerdictUnfinished {
			allPass = false
			anyUnfinished = true
			continue
		}
		if j.Verdict != types.VerdictPass {
			allPass = false
			if len(j.Reasons) > 0 {
				reasons = append(reasons, j.Reasons...)
			} else {
				reasons = append(reasons, types.FailureReason{JobName: name, FailedDetail: string(j.Verdict), Code: string(j.Verdict)})
			}
		}
	}

	switch {
	case allPass:
		return &types.Judgment{Verdict: types.VerdictPass}
	case len(reasons) > 0:
		return &types.Judgment{Verdict: types.VerdictFailed, Reasons: reasons}
	default:
		_ = anyUnfinished
		return &types.Judgment{Verdict: types.VerdictUnfinished}
	}
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
