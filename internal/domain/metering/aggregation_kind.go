package metering

import (
	"fmt"
	"math"
	"strings"
)

// AggregationKind is the merge policy a meter applies to matched events
type AggregationKind string

const (
	// AggregationCount adds one per matched event
	AggregationCount AggregationKind = "count"

	// AggregationSum adds the numeric value of the event
	AggregationSum AggregationKind = "sum"

	// AggregationMax keeps the largest numeric value seen in the period
	AggregationMax AggregationKind = "max"

	// AggregationMin keeps the smallest numeric value seen in the period
	AggregationMin AggregationKind = "min"

	// AggregationAverage keeps a running sum and count, averaged at read time
	AggregationAverage AggregationKind = "average"
)

// DefaultValueField is the metadata key numeric kinds read when a meter names none.
const DefaultValueField = "value"

// String returns the string representation of AggregationKind
func (k AggregationKind) String() string {
	return string(k)
}

// IsValid returns true if the aggregation kind is known
func (k AggregationKind) IsValid() bool {
	switch k {
	case AggregationCount, AggregationSum, AggregationMax, AggregationMin, AggregationAverage:
		return true
	}
	return false
}

// ParseAggregationKind parses a kind name case-insensitively.
// "avg" is accepted as an alias for average.
func ParseAggregationKind(s string) (AggregationKind, error) {
	k := AggregationKind(strings.ToLower(strings.TrimSpace(s)))
	if k == "avg" {
		k = AggregationAverage
	}
	if !k.IsValid() {
		return "", fmt.Errorf("%w: unknown aggregation kind %q", ErrInvalidMeter, s)
	}
	return k, nil
}

// BucketState is the mergeable state of a bucket: an accumulated value and the
// number of samples that contributed to it.
type BucketState struct {
	Value float64
	Count int64
}

// Identity returns the state that leaves any other state unchanged under Merge.
func (k AggregationKind) Identity() BucketState {
	switch k {
	case AggregationMax:
		return BucketState{Value: math.Inf(-1)}
	case AggregationMin:
		return BucketState{Value: math.Inf(1)}
	default:
		return BucketState{}
	}
}

// Contribution returns the numeric contribution of an event.
// Count contributes one; the other kinds read valueField from the metadata,
// contributing zero when it is absent, not numeric, or outside the float64 range.
func (k AggregationKind) Contribution(event *UsageEvent, valueField string) float64 {
	if k == AggregationCount {
		return 1
	}
	if valueField == "" {
		valueField = DefaultValueField
	}
	raw, ok := event.Value(valueField)
	if !ok {
		return 0
	}
	d, ok := NumericValue(raw)
	if !ok {
		return 0
	}
	f := d.InexactFloat64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}

// Sample returns the single-sample state for a contribution.
func (k AggregationKind) Sample(contribution float64) BucketState {
	return BucketState{Value: contribution, Count: 1}
}

// Merge combines two states. It is commutative and associative for every kind,
// so concurrent writers converge regardless of application order.
func (k AggregationKind) Merge(a, b BucketState) BucketState {
	count := a.Count + b.Count
	switch k {
	case AggregationMax:
		return BucketState{Value: math.Max(a.Value, b.Value), Count: count}
	case AggregationMin:
		return BucketState{Value: math.Min(a.Value, b.Value), Count: count}
	default:
		return BucketState{Value: a.Value + b.Value, Count: count}
	}
}

// Display returns the externally visible value of a state.
// Average divides the running sum by the running count; empty states display as zero.
func (k AggregationKind) Display(s BucketState) float64 {
	if s.Count == 0 {
		return 0
	}
	if k == AggregationAverage {
		return s.Value / float64(s.Count)
	}
	return s.Value
}
