// Package queue admits jobs into two bounded pools (backup and
// operation), each with its own priority FIFO, and dispatches them to
// the composite runner as capacity frees up. Pools poll on a ticker
// and are also nudged immediately on enqueue/complete so admission
// reacts sooner than the poll interval most of the time.
package queue
