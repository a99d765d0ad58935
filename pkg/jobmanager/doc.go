// Package jobmanager is the facade that ties the queue, the composite
// runner, output buffering, and event broadcasting together into the
// small set of operations the rest of the system actually calls:
// create a composite job, start a one-off archival command, register
// and drive an externally-owned job, watch status and output, cancel,
// and clean up. It is the only package that holds live, in-memory
// *types.Job state for jobs still in flight; everything else works
// off what the store last persisted.
package jobmanager
