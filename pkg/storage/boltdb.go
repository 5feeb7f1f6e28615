package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/infrahaus/provisioner/pkg/types"
)

var (
	bucketContainers        = []byte("containers")
	bucketContainerServices = []byte("container_services") // nested per container ID
	bucketEvents            = []byte("events")             // nested per container ID
)

// BoltStore implements Store using a local BoltDB file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the provisioning database under
// dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "provisiond.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketContainers, bucketContainerServices, bucketEvents} {
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
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// CreateContainer stores a new Container record.
func (s *BoltStore) CreateContainer(c *types.Container) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return b.Put([]byte(c.ID), data)
	})
}

// UpdateContainer overwrites an existing Container record.
func (s *BoltStore) UpdateContainer(c *types.Container) error {
	return s.CreateContainer(c)
}

// GetContainer fetches a Container by ID.
func (s *BoltStore) GetContainer(id string) (*types.Container, error) {
	var c types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("container %s not found", id)
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListContainers returns every Container record.
func (s *BoltStore) ListContainers() ([]*types.Container, error) {
	var out []*types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		return b.ForEach(func(_, v []byte) error {
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

// DeleteContainer removes a Container record.
func (s *BoltStore) DeleteContainer(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).Delete([]byte(id))
	})
}

// UpsertContainerService creates or updates a ContainerService keyed by
// (containerID, name), enforcing the at-most-once-per-name invariant.
func (s *BoltStore) UpsertContainerService(svc *types.ContainerService) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketContainerServices)
		nested, err := parent.CreateBucketIfNotExists([]byte(svc.ContainerID))
		if err != nil {
			return err
		}
		data, err := json.Marshal(svc)
		if err != nil {
			return err
		}
		return nested.Put([]byte(svc.Name), data)
	})
}

// GetContainerService fetches one service by container and name.
func (s *BoltStore) GetContainerService(containerID, name string) (*types.ContainerService, error) {
	var svc types.ContainerService
	err := s.db.View(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketContainerServices)
		nested := parent.Bucket([]byte(containerID))
		if nested == nil {
			return fmt.Errorf("no services recorded for container %s", containerID)
		}
		data := nested.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("service %s not found for container %s", name, containerID)
		}
		return json.Unmarshal(data, &svc)
	})
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

// ListContainerServices returns every service recorded for a container.
func (s *BoltStore) ListContainerServices(containerID string) ([]*types.ContainerService, error) {
	var out []*types.ContainerService
	err := s.db.View(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketContainerServices)
		nested := parent.Bucket([]byte(containerID))
		if nested == nil {
			return nil
		}
		return nested.ForEach(func(_, v []byte) error {
			var svc types.ContainerService
			if err := json.Unmarshal(v, &svc); err != nil {
				return err
			}
			out = append(out, &svc)
			return nil
		})
	})
	return out, err
}

// AppendEvent persists one step/complete/error ProgressEvent in arrival
// order, for replay by reconnecting subscribers. log events are not
// expected here — callers only persist the durable subset.
func (s *BoltStore) AppendEvent(e *types.ProgressEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketEvents)
		nested, err := parent.CreateBucketIfNotExists([]byte(e.ContainerID))
		if err != nil {
			return err
		}
		seq, err := nested.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return nested.Put(sequenceKey(seq), data)
	})
}

// ListEvents returns the persisted events for a container in publish order.
func (s *BoltStore) ListEvents(containerID string) ([]*types.ProgressEvent, error) {
	var out []*types.ProgressEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketEvents)
		nested := parent.Bucket([]byte(containerID))
		if nested == nil {
			return nil
		}
		c := nested.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e types.ProgressEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}

func sequenceKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
