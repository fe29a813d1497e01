// Package saga executes multi-step operations with automatic
// compensation: when a step fails, the steps that already completed are
// rolled back by their compensating actions. For background on the saga
// pattern, see this 2017 JOTB talk by Caitie McCaffrey:
// https://www.youtube.com/watch?v=0UTOLRTwOX0
//
// Overview
//
//  1. Describe the saga with a Builder: one StepSpec per step, each with
//     a forward handler, an optional compensation, and the ids of the
//     steps it depends on. Build validates the graph and computes its
//     topology layers.
//  2. Create an Engine with New, wiring in a StateStore for persistence,
//     an Events sink for observability, and a logger as needed, then
//     Register the definition.
//  3. Execute runs the saga: layers run in order, independent steps of a
//     layer run concurrently, and per-step retries, backoff, and
//     timeouts apply automatically.
//  4. When a step exhausts its attempts, the completed steps are
//     compensated according to the chosen CompensationPolicy and the
//     returned SagaResult reports the failure instead of raising it.
//
// Persisted state makes executions recoverable: RecoveryService marks
// sagas that died in flight as failed, and a Sweeper does so on a cron
// schedule. MemoryStore, FileStore, PostgresStore, and RedisStore are
// the provided StateStore adapters.
//
// For a complete worked example, see examples/order_fulfillment.
package saga
