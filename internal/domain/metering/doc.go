// Package metering provides the domain model for usage metering and billing aggregation.
//
// The metering bounded context is responsible for:
//   - Recording raw usage events for audit (UsageEvent)
//   - Matching events against configured meters (MeterDefinition, EventFilter)
//   - Aggregating matched events into hourly buckets per meter and subject (AggregationBucket)
//   - Reconciling closed buckets with the billing provider through a BillingClient
//
// Key Types:
//   - UsageEvent: Immutable record of a single customer action
//   - MeterDefinition: Static rule mapping events to a billable quantity
//   - Registry: Read-only set of meters loaded once at startup
//   - AggregationKind: Closed set of merge policies (count, sum, max, min, average)
//   - AggregationBucket: Accumulated value of one meter for one subject over one period
//
// Buckets are mutated only through atomic storage upserts, so every merge function
// is commutative and associative and concurrent writers converge to the same value.
package metering
