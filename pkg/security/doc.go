// Package security implements AES-256-GCM encryption for repository
// passphrases, key material, and cloud-sync provider config blobs.
// Credentials are decrypted into task-local memory at task start and
// must be scrubbed by the caller on every exit path; this package only
// provides the cipher, not the scoped-acquisition discipline around it
// (see pkg/tasks for that).
package security
