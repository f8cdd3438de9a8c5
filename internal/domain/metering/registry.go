package metering

import (
	"fmt"
	"slices"
)

// Registry is the read-only set of meters loaded at startup.
// It is safe for concurrent use because it is never mutated after construction.
type Registry struct {
	meters []MeterDefinition
	byName map[string]int
}

// NewRegistry validates the definitions and builds a registry preserving their order.
func NewRegistry(defs ...MeterDefinition) (*Registry, error) {
	r := &Registry{
		meters: make([]MeterDefinition, 0, len(defs)),
		byName: make(map[string]int, len(defs)),
	}
	for _, def := range defs {
		if def.ValueField == "" {
			def.ValueField = DefaultValueField
		}
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, exists := r.byName[def.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate meter name %s", ErrInvalidMeter, def.Name)
		}
		def.Filter.EventTypes = slices.Clone(def.Filter.EventTypes)
		r.byName[def.Name] = len(r.meters)
		r.meters = append(r.meters, def)
	}
	return r, nil
}

// Meters returns the definitions in registration order
func (r *Registry) Meters() []MeterDefinition {
	return slices.Clone(r.meters)
}

// Names returns the meter names in registration order
func (r *Registry) Names() []string {
	names := make([]string, len(r.meters))
	for i, m := range r.meters {
		names[i] = m.Name
	}
	return names
}

// Lookup returns the meter with the given name
func (r *Registry) Lookup(name string) (MeterDefinition, bool) {
	i, ok := r.byName[name]
	if !ok {
		return MeterDefinition{}, false
	}
	return r.meters[i], true
}

// DisplayValue returns the bucket value as users see it, using its meter's kind.
// Buckets of meters no longer configured report their raw value.
func (r *Registry) DisplayValue(b *AggregationBucket) float64 {
	if m, ok := r.Lookup(b.MeterName); ok {
		return b.DisplayValue(m.Kind)
	}
	return b.Value
}

// Len returns the number of meters
func (r *Registry) Len() int {
	return len(r.meters)
}

// DefaultMeters returns the meters the service ships with when none are configured.
func DefaultMeters() []MeterDefinition {
	return []MeterDefinition{
		{
			Name:       "page_generate",
			ExternalID: "mtr_page_generate",
			Kind:       AggregationCount,
			Filter:     EventFilter{EventTypes: []string{"page_generate"}},
			ValueField: DefaultValueField,
		},
		{
			Name:       "ai_token",
			ExternalID: "mtr_ai_token",
			Kind:       AggregationSum,
			Filter:     EventFilter{EventTypes: []string{"ai_token_usage"}},
			ValueField: DefaultValueField,
		},
		{
			Name:       "container_hours",
			ExternalID: "mtr_container_hours",
			Kind:       AggregationSum,
			Filter:     EventFilter{EventTypes: []string{"container_time"}},
			ValueField: DefaultValueField,
		},
		{
			Name:       "storage_gb",
			ExternalID: "mtr_storage_gb",
			Kind:       AggregationMax,
			Filter:     EventFilter{EventTypes: []string{"storage_usage"}},
			ValueField: DefaultValueField,
		},
	}
}
