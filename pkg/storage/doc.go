/*
Package storage persists jobs, repositories, schedules, and cloud-sync
configs in an embedded bbolt database: one bucket per table plus a
jobs_by_repository secondary-index bucket for the foreign-key lookup
the core needs most often.

# Crash consistency

Every status transition is its own transaction; no write spans a
child-process lifetime. The manager calls RecoverInterruptedJobs once
at startup, before accepting new work, to mark any row left in a
non-terminal status as failed with error "interrupted" — a single
forward sweep, not a replay of what was in flight.

# Job identifiers

Job rows are keyed by the 32-hex-character canonical form of
types.JobID; types.ParseJobID normalizes legacy dash-separated
encodings back to that form wherever an id arrives as a string.
*/
package storage
