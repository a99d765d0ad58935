/*
Package types defines the core data structures shared across the job
manager: jobs, tasks, repositories, schedules, and events.

These types are deliberately free of behavior beyond small helpers
(Terminal, Rank, CurrentTask) — the state machines that mutate them
live in pkg/runner and pkg/jobmanager, and persistence lives in
pkg/storage. Keeping this package dependency-light lets every other
package import it without pulling in bbolt, zerolog, or the executor.

# Job identity

Job identity is a 128-bit value canonicalized as 32 lowercase hex
characters with no separators (JobID.String). ParseJobID also accepts
legacy dash-separated UUID strings and normalizes them on read, per the
ID canonicalization requirement in spec.md section 4.D.

# Composite jobs

A Job owns a fixed, ordered slice of Task values assigned at creation
time; order_index is never reordered. CurrentTaskIndex tracks either
the running task or, when nothing is running, the next task due to
run — it never decreases over a job's lifetime.
*/
package types
