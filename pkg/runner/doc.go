// Package runner implements the composite job state machine: pending
// through queued, running, and into completed, failed, or stopped,
// walking each job's task list one task at a time and persisting
// every transition. See pkg/queue for admission into the running
// state and pkg/tasks for what each task kind actually does.
package runner
