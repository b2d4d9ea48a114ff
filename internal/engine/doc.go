// Package engine runs the avatar pipeline state machine for each accepted
// job: prepare the input, submit it to the compute provider with bounded
// retries, poll the provider within a fixed attempt budget, materialize the
// output artifacts into per-owner storage, and finalize the job record.
// Every job converges to a terminal state; the engine never waits
// indefinitely on the provider.
package engine
