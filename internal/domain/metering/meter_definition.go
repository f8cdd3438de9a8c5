package metering

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

// EventFilter selects the events a meter aggregates.
// An event matches when its type is one of EventTypes and every Metadata
// predicate finds an equal value under the same key.
type EventFilter struct {
	EventTypes []string
	Metadata   map[string]any
}

// Matches evaluates the filter against an event.
// A missing metadata key is a non-match. Values that cannot be compared as
// scalars yield ErrFilterEvaluation.
func (f EventFilter) Matches(event *UsageEvent) (bool, error) {
	if !slices.Contains(f.EventTypes, event.EventType) {
		return false, nil
	}
	for key, want := range f.Metadata {
		got, ok := event.Value(key)
		if !ok {
			return false, nil
		}
		eq, err := scalarEqual(want, got)
		if err != nil {
			return false, fmt.Errorf("%w: metadata key %q: %v", ErrFilterEvaluation, key, err)
		}
		if !eq {
			return false, nil
		}
	}
	return true, nil
}

// scalarEqual compares two JSON scalars. Strings, numbers and booleans only
// equal values of the same class; numbers compare by decimal value.
func scalarEqual(want, got any) (bool, error) {
	if err := checkScalar(want); err != nil {
		return false, err
	}
	if err := checkScalar(got); err != nil {
		return false, err
	}

	switch w := want.(type) {
	case nil:
		return got == nil, nil
	case string:
		g, ok := got.(string)
		return ok && g == w, nil
	case bool:
		g, ok := got.(bool)
		return ok && g == w, nil
	}

	if !isNumber(got) {
		return false, nil
	}
	wd, _ := NumericValue(want)
	gd, _ := NumericValue(got)
	return wd.Equal(gd), nil
}

func checkScalar(v any) error {
	switch v.(type) {
	case nil, string, bool, json.Number, decimal.Decimal,
		float32, float64, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return nil
	}
	return fmt.Errorf("unsupported value type %T", v)
}

// MeterDefinition is a named rule mapping matching usage events to a billable quantity.
// Definitions are created at startup and never mutated.
type MeterDefinition struct {
	Name       string          // Unique meter name
	ExternalID string          // Billing provider meter identifier
	Kind       AggregationKind // Merge policy
	Filter     EventFilter     // Events this meter aggregates
	ValueField string          // Metadata key read by numeric kinds
}

// NewMeterDefinition creates a validated meter definition.
func NewMeterDefinition(name, externalID string, kind AggregationKind, filter EventFilter) (MeterDefinition, error) {
	m := MeterDefinition{
		Name:       strings.TrimSpace(name),
		ExternalID: strings.TrimSpace(externalID),
		Kind:       kind,
		Filter:     filter,
		ValueField: DefaultValueField,
	}
	if err := m.Validate(); err != nil {
		return MeterDefinition{}, err
	}
	return m, nil
}

// WithValueField sets the metadata key read by numeric kinds
func (m MeterDefinition) WithValueField(field string) MeterDefinition {
	if field = strings.TrimSpace(field); field != "" {
		m.ValueField = field
	}
	return m
}

// Validate checks the definition for required attributes
func (m MeterDefinition) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidMeter)
	}
	if m.ExternalID == "" {
		return fmt.Errorf("%w: meter %s: external id is required", ErrInvalidMeter, m.Name)
	}
	if !m.Kind.IsValid() {
		return fmt.Errorf("%w: meter %s: unknown aggregation kind %q", ErrInvalidMeter, m.Name, m.Kind)
	}
	if len(m.Filter.EventTypes) == 0 {
		return fmt.Errorf("%w: meter %s: at least one event type is required", ErrInvalidMeter, m.Name)
	}
	for key, v := range m.Filter.Metadata {
		if err := checkScalar(v); err != nil {
			return fmt.Errorf("%w: meter %s: filter key %q: %v", ErrInvalidMeter, m.Name, key, err)
		}
	}
	return nil
}

// Contribution returns the sample state an event adds to this meter's bucket.
func (m MeterDefinition) Contribution(event *UsageEvent) BucketState {
	return m.Kind.Sample(m.Kind.Contribution(event, m.ValueField))
}
