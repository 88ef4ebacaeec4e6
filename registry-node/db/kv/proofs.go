package kv

import (
	"context"

	"github.com/pkg/errors"
	"github.com/pohwnet/registry/registry-node/db/iface"
	"github.com/pohwnet/registry/registry-node/types"
	bolt "go.etcd.io/bbolt"
)

// pendingIndexKey orders pending proofs by (server_timestamp, hash), the
// canonical leaf order the batcher seals in. The hash suffix breaks
// timestamp ties deterministically.
func pendingIndexKey(proof *types.Proof) []byte {
	key := uint64ToBytes(uint64(proof.ServerTimestamp.UnixNano()))
	return append(key, proof.Hash[:]...)
}

// SaveProof persists a new proof record. A proof hash is globally unique per
// registry; submitting an existing hash returns ErrConflict and leaves the
// stored record untouched.
func (s *Store) SaveProof(ctx context.Context, proof *types.Proof) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	enc, err := encode(proof)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(proofsBucket)
		if existing := bkt.Get(proof.Hash[:]); existing != nil {
			return errors.Wrapf(iface.ErrConflict, "proof %#x already attested", proof.Hash)
		}
		if err := bkt.Put(proof.Hash[:], enc); err != nil {
			return err
		}
		if !proof.Batched() {
			if err := tx.Bucket(pendingProofIndicesBucket).Put(pendingIndexKey(proof), proof.Hash[:]); err != nil {
				return err
			}
		}
		meta := tx.Bucket(metadataBucket)
		count := bytesToUint64(meta.Get(proofCountKey))
		return meta.Put(proofCountKey, uint64ToBytes(count+1))
	})
}

// Proof retrieves a proof record by its content hash.
func (s *Store) Proof(ctx context.Context, hash [32]byte) (*types.Proof, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	proof := &types.Proof{}
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(proofsBucket).Get(hash[:])
		if enc == nil {
			return errors.Wrapf(iface.ErrNotFound, "no proof with hash %#x", hash)
		}
		return decode(enc, proof)
	})
	if err != nil {
		return nil, err
	}
	return proof, nil
}

// HasProof checks whether a proof with the given hash exists.
func (s *Store) HasProof(ctx context.Context, hash [32]byte) bool {
	if ctx.Err() != nil {
		return false
	}
	exists := false
	if err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(proofsBucket).Get(hash[:]) != nil
		return nil
	}); err != nil {
		log.WithError(err).Error("Could not check proof existence")
	}
	return exists
}

// PendingProofs returns all proofs not yet sealed into a batch, in canonical
// (server_timestamp, hash) order.
func (s *Store) PendingProofs(ctx context.Context) ([]*types.Proof, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var pending []*types.Proof
	err := s.db.View(func(tx *bolt.Tx) error {
		proofs := tx.Bucket(proofsBucket)
		c := tx.Bucket(pendingProofIndicesBucket).Cursor()
		for k, hash := c.First(); k != nil; k, hash = c.Next() {
			enc := proofs.Get(hash)
			if enc == nil {
				log.Warnf("Pending index references missing proof %#x", hash)
				continue
			}
			proof := &types.Proof{}
			if err := decode(enc, proof); err != nil {
				return err
			}
			pending = append(pending, proof)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// ProofCount returns the total number of proofs ever accepted.
func (s *Store) ProofCount(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var count uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		count = bytesToUint64(tx.Bucket(metadataBucket).Get(proofCountKey))
		return nil
	})
	return count, err
}
