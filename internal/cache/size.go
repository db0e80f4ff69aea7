package cache

import (
	"time"

	"github.com/dreamware/kvstore/internal/codec"
)

// Size estimation bounds: the estimator is a deterministic, depth- and
// fan-out-bounded traversal so it can never be made to do unbounded work
// by a pathological value.
const (
	maxEstimateDepth   = 10
	maxArraySample     = 100
	maxObjectFields    = 50
	perMissedFieldCost = 16 // bytes charged per unsampled field/element
)

// estimateSize computes the deterministic, bounded byte-size estimate for
// a cache entry.
func estimateSize(key string, v any) int64 {
	return int64(len(key)) + estimateValue(v, 0)
}

func estimateValue(v any, depth int) int64 {
	if depth > maxEstimateDepth {
		return 8
	}
	switch val := v.(type) {
	case nil:
		return 8
	case codec.Undefined:
		return 8
	case bool:
		return 1
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return 8
	case string:
		return int64(len(val)) + 16
	case []byte:
		return int64(len(val)) + 24
	case time.Time:
		return 24
	case codec.Regexp:
		return int64(len(val.Source)+len(val.Flags)) + 16
	case codec.BigInt:
		if val.Int == nil {
			return 16
		}
		return int64(len(val.Int.Bits()))*8 + 16
	case codec.ErrorValue:
		return int64(len(val.Name)+len(val.Message)+len(val.Stack)) + 24
	case codec.DataView:
		return int64(len(val.Bytes)) + 24
	case codec.TypedArray:
		return int64(len(val.Values))*8 + 24
	case codec.OrderedSet:
		return estimateSlice(val.Values, depth)
	case codec.OrderedMap:
		return estimateSlice(val.Keys, depth) + estimateSlice(val.Values, depth)
	case []any:
		return estimateSlice(val, depth)
	case map[string]any:
		return estimateMap(val, depth)
	default:
		// Unknown struct/scalar kind: charge a conservative flat estimate
		// rather than paying reflection cost for an unbounded value shape.
		return 32
	}
}

func estimateSlice(items []any, depth int) int64 {
	total := int64(24)
	n := len(items)
	sampled := n
	if sampled > maxArraySample {
		sampled = maxArraySample
	}
	for i := 0; i < sampled; i++ {
		total += estimateValue(items[i], depth+1)
	}
	if missed := n - sampled; missed > 0 && sampled > 0 {
		avg := total / int64(sampled)
		total += avg*int64(missed) + int64(missed)*perMissedFieldCost
	}
	return total
}

func estimateMap(m map[string]any, depth int) int64 {
	total := int64(32)
	count := 0
	for k, fv := range m {
		if count >= maxObjectFields {
			break
		}
		total += int64(len(k)) + 16 + estimateValue(fv, depth+1)
		count++
	}
	if missed := len(m) - count; missed > 0 && count > 0 {
		avg := total / int64(count)
		total += avg*int64(missed) + int64(missed)*perMissedFieldCost
	}
	return total
}
