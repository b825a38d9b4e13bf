package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/forgebay/runnerd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs        = []byte("jobs")
	bucketTransitions = []byte("transitions")
	bucketSchedules   = []byte("schedules")
	bucketPools       = []byte("pool_state")
	bucketRunners     = []byte("runner_state")
	bucketContainers  = []byte("container_registry")
	bucketIntakeDedup = []byte("intake_dedup")
	bucketArchive     = []byte("archive")
)

// BoltStore implements Store using a single BoltDB file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the database file under
// dataDir and ensures every bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "runnerd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketJobs, bucketTransitions, bucketSchedules, bucketPools,
			bucketRunners, bucketContainers, bucketIntakeDedup, bucketArchive,
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
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

// --- Jobs ---

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.put(bucketJobs, job.JobID, job)
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	if err := s.get(bucketJobs, id, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) ListJobsByState(states ...types.JobState) ([]*types.Job, error) {
	want := make(map[types.JobState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	all, err := s.ListJobs()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Job
	for _, j := range all {
		if want[j.State] {
			filtered = append(filtered, j)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateJob(job *types.Job) error {
	return s.put(bucketJobs, job.JobID, job)
}

func (s *BoltStore) DeleteJob(id string) error {
	return s.delete(bucketJobs, id)
}

// --- Transition log ---

func (s *BoltStore) AppendTransition(jobID string, entry types.TransitionEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransitions)
		raw := b.Get([]byte(jobID))
		var entries []types.TransitionEntry
		if raw != nil {
			if err := json.Unmarshal(raw, &entries); err != nil {
				return err
			}
		}
		entries = append(entries, entry)
		data, err := json.Marshal(entries)
		if err != nil {
			return err
		}
		return b.Put([]byte(jobID), data)
	})
}

func (s *BoltStore) ListTransitions(jobID string) ([]types.TransitionEntry, error) {
	var entries []types.TransitionEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTransitions).Get([]byte(jobID))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &entries)
	})
	return entries, err
}

// --- Schedules ---

func (s *BoltStore) CreateSchedule(sched *types.Schedule) error {
	return s.put(bucketSchedules, sched.ID, sched)
}

func (s *BoltStore) GetSchedule(id string) (*types.Schedule, error) {
	var sched types.Schedule
	if err := s.get(bucketSchedules, id, &sched); err != nil {
		return nil, err
	}
	return &sched, nil
}

func (s *BoltStore) ListSchedules() ([]*types.Schedule, error) {
	var out []*types.Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(_, v []byte) error {
			var sched types.Schedule
			if err := json.Unmarshal(v, &sched); err != nil {
				return err
			}
			out = append(out, &sched)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateSchedule(sched *types.Schedule) error {
	return s.put(bucketSchedules, sched.ID, sched)
}

func (s *BoltStore) DeleteSchedule(id string) error {
	return s.delete(bucketSchedules, id)
}

// --- Pools ---

func (s *BoltStore) SavePool(pool *types.Pool) error {
	return s.put(bucketPools, pool.Key.String(), pool)
}

func (s *BoltStore) GetPool(key types.PoolKey) (*types.Pool, error) {
	var pool types.Pool
	if err := s.get(bucketPools, key.String(), &pool); err != nil {
		return nil, err
	}
	return &pool, nil
}

func (s *BoltStore) ListPools() ([]*types.Pool, error) {
	var out []*types.Pool
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPools).ForEach(func(_, v []byte) error {
			var pool types.Pool
			if err := json.Unmarshal(v, &pool); err != nil {
				return err
			}
			out = append(out, &pool)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeletePool(key types.PoolKey) error {
	return s.delete(bucketPools, key.String())
}

// --- Runners ---

func (s *BoltStore) CreateRunner(r *types.Runner) error {
	return s.put(bucketRunners, r.RunnerID, r)
}

func (s *BoltStore) GetRunner(id string) (*types.Runner, error) {
	var r types.Runner
	if err := s.get(bucketRunners, id, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) ListRunners() ([]*types.Runner, error) {
	var out []*types.Runner
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRunners).ForEach(func(_, v []byte) error {
			var r types.Runner
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListRunnersByPool(key types.PoolKey) ([]*types.Runner, error) {
	all, err := s.ListRunners()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Runner
	for _, r := range all {
		if r.PoolKey == key {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateRunner(r *types.Runner) error {
	return s.put(bucketRunners, r.RunnerID, r)
}

func (s *BoltStore) DeleteRunner(id string) error {
	return s.delete(bucketRunners, id)
}

// --- Containers ---

func (s *BoltStore) CreateContainer(c *types.Container) error {
	return s.put(bucketContainers, c.ContainerID, c)
}

func (s *BoltStore) GetContainer(id string) (*types.Container, error) {
	var c types.Container
	if err := s.get(bucketContainers, id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListContainers() ([]*types.Container, error) {
	var out []*types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(_, v []byte) error {
			var c types.Container
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateContainer(c *types.Container) error {
	return s.put(bucketContainers, c.ContainerID, c)
}

func (s *BoltStore) DeleteContainer(id string) error {
	return s.delete(bucketContainers, id)
}

// --- Intake dedup ---

func (s *BoltStore) SeenDelivery(deliveryID string) (*types.IntakeDedupEntry, error) {
	var entry types.IntakeDedupEntry
	err := s.get(bucketIntakeDedup, deliveryID, &entry)
	if err != nil {
		return nil, nil // not found: no error, caller checks for nil
	}
	return &entry, nil
}

func (s *BoltStore) RecordDelivery(entry *types.IntakeDedupEntry) error {
	return s.put(bucketIntakeDedup, entry.DeliveryID, entry)
}

// PruneDeliveriesBefore deletes dedup entries received before cutoff
// (Unix nanoseconds) and reports how many were removed.
func (s *BoltStore) PruneDeliveriesBefore(cutoffUnixNano int64) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIntakeDedup)
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry types.IntakeDedupEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.ReceivedAt.UnixNano() < cutoffUnixNano {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// --- Archive ---

func (s *BoltStore) ArchiveJob(archived *types.ArchivedJob) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArchive)
		data, err := json.Marshal(archived)
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8+len(archived.JobID))
		binary.BigEndian.PutUint64(key, seq)
		copy(key[8:], archived.JobID)
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListArchivedJobs() ([]*types.ArchivedJob, error) {
	var out []*types.ArchivedJob
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArchive).ForEach(func(_, v []byte) error {
			var a types.ArchivedJob
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, &a)
			return nil
		})
	})
	return out, err
}

// --- helpers ---

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("not found: %s", key)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}
