// Package dispatch is a reliable work-dispatch core for multi-tenant
// platforms: transactional outbox and inbox queues, a cron/timer
// scheduler, exactly-once execution, and a fan-in join barrier, all
// fanned out across an arbitrary number of backing stores by a single
// Router and driven by a Dispatcher's poll/claim/handle loops.
//
// The core packages:
//
//	import "oss.nandlabs.io/dispatch/outbox"     // transactional outbox, at-least-once delivery, join barrier
//	import "oss.nandlabs.io/dispatch/inbox"      // dedup + ordered-processing inbox
//	import "oss.nandlabs.io/dispatch/scheduler"  // timers and cron jobs materialized into the outbox
//	import "oss.nandlabs.io/dispatch/lease"      // per-store named leases with fencing tokens
//	import "oss.nandlabs.io/dispatch/idempotency" // exactly-once execution windows
//	import "oss.nandlabs.io/dispatch/router"     // multi-store discovery and per-store adapter registry
//	import "oss.nandlabs.io/dispatch/dispatcher" // poll/claim/handle loops and handler registries
//	import "oss.nandlabs.io/dispatch/events"     // transport-agnostic lifecycle eventing
//	import "oss.nandlabs.io/dispatch/metrics"    // Prometheus instrumentation seam
//
// The ambient stack underneath it is carried over from the utility
// library this module was built from: structured logging (l3),
// environment-driven configuration (config), a CLI framework (cli), an
// HTTP router (turbo), resilient outbound HTTP (clients), secret
// resolution (secrets), and a generic messaging abstraction (messaging)
// that events builds on.
//
// cmd/dispatchd is a reference binary wiring all of the above into one
// process.
package dispatch
