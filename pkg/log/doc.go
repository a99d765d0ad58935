// Package log wraps zerolog with a global instance and a handful of
// child-logger helpers (WithComponent, WithJob, WithTask) used
// throughout the job manager for structured, leveled logging.
package log
