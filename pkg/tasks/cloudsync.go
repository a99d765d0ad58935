package tasks

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/archivist/pkg/types"
)

// CloudSyncExecutor uploads a repository to an off-site destination
// through a provider-specific sync binary.
type CloudSyncExecutor struct{}

// Execute resolves the cloud-sync config, decrypts its credentials
// for the lifetime of the child process, and runs the provider's sync
// command against the repository path.
func (CloudSyncExecutor) Execute(job *types.Job, task *types.Task, index int, ctx *Context) bool {
	var params types.CloudSyncParams
	if err := decodeParams(task.Parameters, &params); err != nil {
		task.Error = err.Error()
		return false
	}
	if ctx.CloudSyncConfigs == nil {
		task.Error = "tasks: no cloud-sync config lookup configured"
		return false
	}

	cfg, err := ctx.CloudSyncConfigs.GetCloudSyncConfig(params.CloudSyncConfigID)
	if err != nil {
		task.Error = fmt.Sprintf("resolve cloud-sync config %d: %v", params.CloudSyncConfigID, err)
		return false
	}

	var credentials []byte
	if len(cfg.EncCredentials) > 0 {
		if ctx.Secrets == nil {
			task.Error = "tasks: cloud-sync config has credentials but no secrets manager is configured"
			return false
		}
		credentials, err = ctx.Secrets.Decrypt(cfg.EncCredentials)
		if err != nil {
			task.Error = fmt.Sprintf("decrypt cloud-sync credentials: %v", err)
			return false
		}
		defer scrub(credentials)
	}

	argv := []string{providerBinary(cfg.Provider), "sync", ctx.Repository.Path, cfg.DestinationPath}
	env := os.Environ()
	if len(credentials) > 0 {
		env = append(env, "CLOUD_SYNC_CREDENTIALS="+string(credentials))
	}

	result := ctx.run(job, task, index, argv, env, 10*time.Second)
	return recordExit(task, result, "cloud-sync")
}

// providerBinary maps a provider tag to the CLI used to drive it.
// Unknown providers are assumed to name their own binary directly.
func providerBinary(provider string) string {
	switch provider {
	case "s3", "aws":
		return "aws"
	case "b2", "backblaze":
		return "b2"
	case "rclone":
		return "rclone"
	default:
		return provider
	}
}

// scrub zeroes credential bytes after use so they don't linger in
// process memory past the task that needed them.
func scrub(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
