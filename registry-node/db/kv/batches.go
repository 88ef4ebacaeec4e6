package kv

import (
	"bytes"
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/pohwnet/registry/registry-node/db/iface"
	"github.com/pohwnet/registry/registry-node/types"
	bolt "go.etcd.io/bbolt"
)

func batchTimeIndexKey(batch *types.Batch) []byte {
	key := uint64ToBytes(uint64(batch.CreatedAt.UnixNano()))
	return append(key, []byte(batch.ID)...)
}

// SealBatch writes a sealed batch and marks every proof in orderedHashes as
// batched in a single transaction, assigning leaf indices by position. If
// anything fails the whole seal rolls back and the proofs remain pending.
func (s *Store) SealBatch(ctx context.Context, batch *types.Batch, orderedHashes [][32]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encBatch, err := encode(batch)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		batches := tx.Bucket(batchesBucket)
		if existing := batches.Get([]byte(batch.ID)); existing != nil {
			return errors.Wrapf(iface.ErrConflict, "batch %s already sealed", batch.ID)
		}
		proofs := tx.Bucket(proofsBucket)
		pending := tx.Bucket(pendingProofIndicesBucket)
		for i, hash := range orderedHashes {
			enc := proofs.Get(hash[:])
			if enc == nil {
				return errors.Wrapf(iface.ErrNotFound, "cannot seal unknown proof %#x", hash)
			}
			proof := &types.Proof{}
			if err := decode(enc, proof); err != nil {
				return err
			}
			if proof.Batched() {
				return errors.Wrapf(iface.ErrConflict, "proof %#x already in batch %s", hash, proof.BatchID)
			}
			proof.BatchID = batch.ID
			proof.LeafIndex = uint64(i)
			updated, err := encode(proof)
			if err != nil {
				return err
			}
			if err := proofs.Put(hash[:], updated); err != nil {
				return err
			}
			if err := pending.Delete(pendingIndexKey(proof)); err != nil {
				return err
			}
		}
		if err := batches.Put([]byte(batch.ID), encBatch); err != nil {
			return err
		}
		if err := tx.Bucket(batchCreationTimeIndicesBucket).Put(batchTimeIndexKey(batch), []byte(batch.ID)); err != nil {
			return err
		}
		meta := tx.Bucket(metadataBucket)
		count := bytesToUint64(meta.Get(batchCountKey))
		if err := meta.Put(batchCountKey, uint64ToBytes(count+1)); err != nil {
			return err
		}
		return meta.Put(latestBatchKey, []byte(batch.ID))
	})
}

// SaveBatch persists a batch record without touching proofs. Used for
// batches imported from peers, whose proofs are written separately with
// their foreign batch ids already set.
func (s *Store) SaveBatch(ctx context.Context, batch *types.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	enc, err := encode(batch)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		batches := tx.Bucket(batchesBucket)
		if existing := batches.Get([]byte(batch.ID)); existing != nil {
			return errors.Wrapf(iface.ErrConflict, "batch %s already exists", batch.ID)
		}
		if err := batches.Put([]byte(batch.ID), enc); err != nil {
			return err
		}
		if err := tx.Bucket(batchCreationTimeIndicesBucket).Put(batchTimeIndexKey(batch), []byte(batch.ID)); err != nil {
			return err
		}
		meta := tx.Bucket(metadataBucket)
		count := bytesToUint64(meta.Get(batchCountKey))
		return meta.Put(batchCountKey, uint64ToBytes(count+1))
	})
}

// Batch retrieves a batch by id.
func (s *Store) Batch(ctx context.Context, id string) (*types.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch := &types.Batch{}
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(batchesBucket).Get([]byte(id))
		if enc == nil {
			return errors.Wrapf(iface.ErrNotFound, "no batch with id %s", id)
		}
		return decode(enc, batch)
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// LatestBatch returns the most recently sealed local batch. Its sealing time
// is the registry's latest-activity timestamp.
func (s *Store) LatestBatch(ctx context.Context) (*types.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch := &types.Batch{}
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(metadataBucket).Get(latestBatchKey)
		if id == nil {
			return errors.Wrap(iface.ErrNotFound, "no batches sealed yet")
		}
		enc := tx.Bucket(batchesBucket).Get(id)
		if enc == nil {
			return errors.Wrapf(iface.ErrNotFound, "latest batch %s missing", id)
		}
		return decode(enc, batch)
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// BatchesSince returns batches sealed at or after the given time, ordered by
// sealing time.
func (s *Store) BatchesSince(ctx context.Context, since time.Time) ([]*types.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var result []*types.Batch
	min := uint64ToBytes(uint64(since.UnixNano()))
	err := s.db.View(func(tx *bolt.Tx) error {
		batches := tx.Bucket(batchesBucket)
		c := tx.Bucket(batchCreationTimeIndicesBucket).Cursor()
		for k, id := c.Seek(min); k != nil && bytes.Compare(k[:8], min) >= 0; k, id = c.Next() {
			enc := batches.Get(id)
			if enc == nil {
				continue
			}
			batch := &types.Batch{}
			if err := decode(enc, batch); err != nil {
				return err
			}
			result = append(result, batch)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// BatchCount returns the number of sealed batches, local and imported.
func (s *Store) BatchCount(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var count uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		count = bytesToUint64(tx.Bucket(metadataBucket).Get(batchCountKey))
		return nil
	})
	return count, err
}
