package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/archivist/pkg/types"
)

var (
	bucketJobs            = []byte("jobs")
	bucketJobsByRepo      = []byte("jobs_by_repository")
	bucketRepositories    = []byte("repositories")
	bucketSchedules       = []byte("schedules")
	bucketCloudSyncConfig = []byte("cloud_sync_configs")
)

// BoltStore implements Store on top of an embedded bbolt database,
// one bucket per logical table and a secondary-index bucket for the
// repository -> jobs lookup.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the database file under
// dataDir and ensures every bucket this package uses exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "jobmanager.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketJobs,
			bucketJobsByRepo,
			bucketRepositories,
			bucketSchedules,
			bucketCloudSyncConfig,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("storage: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts job (with its tasks, stored as given) in a single
// transaction and indexes it by repository for GetJobsByRepository.
func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("storage: marshal job: %w", err)
		}
		if err := jobs.Put(jobKey(job.ID), data); err != nil {
			return err
		}

		if job.RepositoryID != nil {
			idx := tx.Bucket(bucketJobsByRepo)
			return idx.Put(repoIndexKey(*job.RepositoryID, job.ID), nil)
		}
		return nil
	})
}

// UpdateJobStatus updates a single job row's status, finishedAt (unix
// seconds, if non-nil) and error. It reports whether the row existed.
func (s *BoltStore) UpdateJobStatus(id types.JobID, status types.JobStatus, finishedAt *int64, errMsg string) (bool, error) {
	var changed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		data := jobs.Get(jobKey(id))
		if data == nil {
			return nil
		}

		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("storage: unmarshal job: %w", err)
		}

		job.Status = status
		job.Error = errMsg
		if finishedAt != nil {
			t := unixToTime(*finishedAt)
			job.FinishedAt = &t
		}

		out, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("storage: marshal job: %w", err)
		}
		changed = true
		return jobs.Put(jobKey(id), out)
	})
	return changed, err
}

// SaveTasks overwrites jobID's task list, preserving order indices.
func (s *BoltStore) SaveTasks(jobID types.JobID, tasks []types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		data := jobs.Get(jobKey(jobID))
		if data == nil {
			return fmt.Errorf("storage: job %s not found", jobID)
		}

		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("storage: unmarshal job: %w", err)
		}

		ordered := make([]types.Task, len(tasks))
		copy(ordered, tasks)
		job.Tasks = ordered

		out, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("storage: marshal job: %w", err)
		}
		return jobs.Put(jobKey(jobID), out)
	})
}

// GetJob retrieves a job and its tasks by id.
func (s *BoltStore) GetJob(id types.JobID) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		data := jobs.Get(jobKey(id))
		if data == nil {
			return fmt.Errorf("storage: job %s not found", id)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJobsByRepository returns up to limit jobs for repoID, optionally
// filtered to a single kind, in descending order of job id. Job ids
// are random, so this order is not creation order.
func (s *BoltStore) GetJobsByRepository(repoID int64, limit int, kind string) ([]*types.Job, error) {
	var out []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketJobsByRepo)
		jobs := tx.Bucket(bucketJobs)

		prefix := []byte(fmt.Sprintf("%020d:", repoID))
		c := idx.Cursor()

		var matches [][]byte
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			matches = append(matches, append([]byte(nil), k...))
		}

		for i := len(matches) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
			idParsed, err := parseRepoIndexKey(matches[i])
			if err != nil {
				continue
			}
			data := jobs.Get(jobKey(idParsed))
			if data == nil {
				continue
			}
			var job types.Job
			if err := json.Unmarshal(data, &job); err != nil {
				return fmt.Errorf("storage: unmarshal job: %w", err)
			}
			if kind != "" && job.Kind != kind {
				continue
			}
			out = append(out, &job)
		}
		return nil
	})
	return out, err
}

// GetRepository retrieves a repository definition by id.
func (s *BoltStore) GetRepository(id int64) (*types.Repository, error) {
	var repo types.Repository
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepositories)
		data := b.Get(int64Key(id))
		if data == nil {
			return fmt.Errorf("storage: repository %d not found", id)
		}
		return json.Unmarshal(data, &repo)
	})
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// GetSchedule retrieves a schedule definition by id.
func (s *BoltStore) GetSchedule(id int64) (*types.Schedule, error) {
	var sched types.Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		data := b.Get(int64Key(id))
		if data == nil {
			return fmt.Errorf("storage: schedule %d not found", id)
		}
		return json.Unmarshal(data, &sched)
	})
	if err != nil {
		return nil, err
	}
	return &sched, nil
}

// ListEnabledSchedules returns every schedule with Enabled set.
func (s *BoltStore) ListEnabledSchedules() ([]*types.Schedule, error) {
	var out []*types.Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		return b.ForEach(func(k, v []byte) error {
			var sched types.Schedule
			if err := json.Unmarshal(v, &sched); err != nil {
				return err
			}
			if sched.Enabled {
				out = append(out, &sched)
			}
			return nil
		})
	})
	return out, err
}

// GetCloudSyncConfig retrieves a cloud-sync destination by id.
func (s *BoltStore) GetCloudSyncConfig(id int64) (*types.CloudSyncConfig, error) {
	var cfg types.CloudSyncConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCloudSyncConfig)
		data := b.Get(int64Key(id))
		if data == nil {
			return fmt.Errorf("storage: cloud sync config %d not found", id)
		}
		return json.Unmarshal(data, &cfg)
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetStatistics aggregates counts across every stored job.
func (s *BoltStore) GetStatistics() (*types.Statistics, error) {
	stats := &types.Statistics{ByRepository: make(map[int64]int64)}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			stats.TotalJobs++
			switch job.Status {
			case types.JobCompleted:
				stats.CompletedJobs++
			case types.JobFailed:
				stats.FailedJobs++
			case types.JobStopped:
				stats.StoppedJobs++
			}
			if job.RepositoryID != nil {
				stats.ByRepository[*job.RepositoryID]++
			}
			return nil
		})
	})
	return stats, err
}

// RecoverInterruptedJobs marks every job found in a non-terminal
// status as failed with error "interrupted", as a single sweep run
// once at startup before the manager accepts new work.
func (s *BoltStore) RecoverInterruptedJobs() (int, error) {
	var recovered int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("storage: unmarshal job during recovery: %w", err)
			}
			if job.Status.Terminal() {
				continue
			}

			job.Status = types.JobFailed
			job.Error = "interrupted"
			for i := range job.Tasks {
				if !job.Tasks[i].Status.Terminal() {
					job.Tasks[i].Status = types.TaskFailed
					job.Tasks[i].Error = "interrupted"
				}
			}

			out, err := json.Marshal(&job)
			if err != nil {
				return fmt.Errorf("storage: marshal job during recovery: %w", err)
			}
			if err := b.Put(k, out); err != nil {
				return err
			}
			recovered++
		}
		return nil
	})
	return recovered, err
}

func unixToTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func jobKey(id types.JobID) []byte {
	return []byte(id.String())
}

func int64Key(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func repoIndexKey(repoID int64, jobID types.JobID) []byte {
	return []byte(fmt.Sprintf("%020d:%s", repoID, jobID.String()))
}

func parseRepoIndexKey(key []byte) (types.JobID, error) {
	parts := strings.SplitN(string(key), ":", 2)
	if len(parts) != 2 {
		return types.JobID{}, fmt.Errorf("storage: malformed index key %q", key)
	}
	return types.ParseJobID(parts[1])
}
