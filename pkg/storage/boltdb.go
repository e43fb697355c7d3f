package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cuemby/beacon/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketProviders   = []byte("providers")
	bucketWorkers     = []byte("workers")
	bucketPlans       = []byte("plans")
	bucketJobs        = []byte("jobs")
	bucketAssignments = []byte("assignments")
	bucketResults     = []byte("results")

	// bucketPlansByProvider is a secondary index over bucketPlans, keyed
	// "providerID|planID" with the plan id as its value, so
	// ListPlansByProvider can Cursor.Seek a prefix instead of scanning
	// every plan ever stored.
	bucketPlansByProvider = []byte("plans_by_provider")
)

// BoltStore implements Store on top of bbolt, following the teacher's
// one-bucket-per-entity, JSON-marshaled-value convention.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a bbolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "beacon.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketProviders, bucketWorkers, bucketPlans,
			bucketJobs, bucketAssignments, bucketResults,
			bucketPlansByProvider,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
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

// Close closes the underlying database.
func (s *BoltStore) Close() error { return s.db.Close() }

func put(tx *bolt.Tx, bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put(key, data)
}

// --- Providers ---

func (s *BoltStore) SaveProvider(p *types.Provider) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketProviders, []byte(p.ProviderID), p)
	})
}

func (s *BoltStore) GetProvider(id string) (*types.Provider, error) {
	var p types.Provider
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProviders).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("provider not found: %s", id)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ListProviders() ([]*types.Provider, error) {
	var out []*types.Provider
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProviders).ForEach(func(k, v []byte) error {
			var p types.Provider
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteProvider(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProviders).Delete([]byte(id))
	})
}

// --- Workers ---

func (s *BoltStore) SaveWorker(w *types.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketWorkers, []byte(w.WorkerID), w)
	})
}

func (s *BoltStore) GetWorker(id string) (*types.Worker, error) {
	var w types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("worker not found: %s", id)
		}
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *BoltStore) ListWorkers() ([]*types.Worker, error) {
	var out []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(k, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			out = append(out, &w)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteWorker(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).Delete([]byte(id))
	})
}

// --- Plans ---

// planByProviderKey builds the plans_by_provider index key for p.
func planByProviderKey(p *types.Plan) []byte {
	return []byte(fmt.Sprintf("%s|%s", p.ProviderID, p.PlanID))
}

func (s *BoltStore) SavePlan(p *types.Plan) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := put(tx, bucketPlans, []byte(p.PlanID), p); err != nil {
			return err
		}
		return tx.Bucket(bucketPlansByProvider).Put(planByProviderKey(p), []byte(p.PlanID))
	})
}

func (s *BoltStore) GetPlan(id string) (*types.Plan, error) {
	var p types.Plan
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPlans).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("plan not found: %s", id)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPlansByProvider looks plans up via the plans_by_provider index,
// seeking the "providerID|" prefix rather than scanning every plan ever
// stored (spec.md §4.1, §4.6 per-provider plan lookups).
func (s *BoltStore) ListPlansByProvider(providerID string) ([]*types.Plan, error) {
	prefix := []byte(providerID + "|")
	var out []*types.Plan
	err := s.db.View(func(tx *bolt.Tx) error {
		plans := tx.Bucket(bucketPlans)
		c := tx.Bucket(bucketPlansByProvider).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			data := plans.Get(v)
			if data == nil {
				continue
			}
			var p types.Plan
			if err := json.Unmarshal(data, &p); err != nil {
				return err
			}
			out = append(out, &p)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) ListActivePlans() ([]*types.Plan, error) {
	var out []*types.Plan
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPlans).ForEach(func(k, v []byte) error {
			var p types.Plan
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Status == types.PlanInit || p.Status == types.PlanGenerated {
				out = append(out, &p)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeletePlan(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		plans := tx.Bucket(bucketPlans)
		data := plans.Get([]byte(id))
		if data != nil {
			var p types.Plan
			if err := json.Unmarshal(data, &p); err != nil {
				return err
			}
			if err := tx.Bucket(bucketPlansByProvider).Delete(planByProviderKey(&p)); err != nil {
				return err
			}
		}
		return plans.Delete([]byte(id))
	})
}

// --- Jobs ---

func (s *BoltStore) SaveJob(j *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketJobs, []byte(j.JobID), j)
	})
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var j types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job not found: %s", id)
		}
		return json.Unmarshal(data, &j)
	})
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *BoltStore) ListJobsByPlan(planID string) ([]*types.Job, error) {
	var out []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var j types.Job
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			if j.PlanID == planID {
				out = append(out, &j)
			}
			return nil
		})
	})
	return out, err
}

// --- Assignments ---

func (s *BoltStore) SaveAssignment(a *types.JobAssignment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketAssignments, []byte(a.AssignmentID), a)
	})
}

func (s *BoltStore) GetAssignment(id string) (*types.JobAssignment, error) {
	var a types.JobAssignment
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAssignments).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("assignment not found: %s", id)
		}
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) ListAssignmentsByJob(jobID string) ([]*types.JobAssignment, error) {
	var out []*types.JobAssignment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssignments).ForEach(func(k, v []byte) error {
			var a types.JobAssignment
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.Job.JobID == jobID {
				out = append(out, &a)
			}
			return nil
		})
	})
	return out, err
}

// --- Results ---

// resultKey builds an ordered, prefix-scannable key so
// ListResultsByProviderTask can Cursor.Seek a prefix and read results
// back in receive_timestamp order (spec.md §3, §8 invariant 3).
func resultKey(r *types.JobResult) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%020d|%s",
		r.ProviderID, r.TaskType, r.TaskName, r.ReceiveTimestamp.UnixNano(), r.JobID))
}

func (s *BoltStore) AppendResult(r *types.JobResult) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketResults, resultKey(r), r)
	})
}

func (s *BoltStore) ListResultsByProviderTask(providerID string, taskType types.TaskType, taskName string) ([]*types.JobResult, error) {
	prefix := []byte(fmt.Sprintf("%s|%s|%s|", providerID, taskType, taskName))
	var out []*types.JobResult
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketResults).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var r types.JobResult
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
		}
		return nil
	})
	return out, err
}
