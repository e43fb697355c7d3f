package judgment

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/beacon/pkg/types"
)

// ErrUnsupportedChainFamily is returned by a BlockExtractor when asked to
// parse a chain family it has no extractor for. The original Rust
// implementation only ever implemented the Ethereum-family extractor and
// left Polkadot unimplemented (original_source/common/src/tasks/eth); this
// repository keeps that shape explicit rather than silently mis-parsing
// (SPEC_FULL.md, "Chain-family-aware LatestBlock extraction").
var ErrUnsupportedChainFamily = errors.New("no block extractor registered for chain family")

// BlockExtractor parses a worker's LatestBlockDetail.ResponseValues into a
// block number and block timestamp.
type BlockExtractor interface {
	Extract(values map[string]string) (blockNumber int64, blockTimestamp time.Time, err error)
}

type ethereumExtractor struct{}

// Extract reads "number" as a 0x-prefixed or bare hex block number and
// "timestamp" as a 0x-prefixed or bare hex/decimal unix-seconds value,
// matching the eth_getBlockByNumber response shape the original
// implementation's latest_block executor parses.
func (ethereumExtractor) Extract(values map[string]string) (int64, time.Time, error) {
	numberStr, ok := values["number"]
	if !ok {
		return 0, time.Time{}, fmt.Errorf("response missing %q", "number")
	}
	blockNumber, err := parseHexOrDecimal(numberStr)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parsing block number %q: %w", numberStr, err)
	}

	timestampStr, ok := values["timestamp"]
	if !ok {
		return 0, time.Time{}, fmt.Errorf("response missing %q", "timestamp")
	}
	unixSeconds, err := parseHexOrDecimal(timestampStr)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parsing block timestamp %q: %w", timestampStr, err)
	}

	return blockNumber, time.Unix(unixSeconds, 0), nil
}

func parseHexOrDecimal(s string) (int64, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseInt(s[2:], 16, 64)
	}
	return strconv.ParseInt(s, 10, 64)
}

// ExtractorFor returns the BlockExtractor for family, or
// ErrUnsupportedChainFamily if none is registered.
func ExtractorFor(family types.BlockChainFamily) (BlockExtractor, error) {
	switch family {
	case types.FamilyEthereum:
		return ethereumExtractor{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChainFamily, family)
	}
}
