// Package tasks implements one Executor per task kind a composite job
// can carry: backup, prune, check, cloud_sync, notification, hook,
// command, and info. Each executor decodes its task's parameter bag
// into a typed struct, builds the corresponding argv, and streams the
// child process's output through the shared Context into the output
// buffer and event broadcaster. Registry dispatches by kind and times
// every call into the task-duration and task-count metrics.
package tasks
