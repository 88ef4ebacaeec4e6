package kv

import (
	"bytes"
	"context"

	"github.com/pkg/errors"
	"github.com/pohwnet/registry/registry-node/db/iface"
	"github.com/pohwnet/registry/registry-node/types"
	bolt "go.etcd.io/bbolt"
)

// Anchors are keyed batchID|chain|txHash so one prefix scan answers
// "all attempts for this batch". Failed attempts are retained for audit.
func anchorKey(anchor *types.Anchor) []byte {
	key := append([]byte(anchor.BatchID), '|')
	key = append(key, []byte(anchor.Chain)...)
	key = append(key, '|')
	return append(key, []byte(anchor.TxHash)...)
}

// SaveAnchor persists an anchor attempt. At most one confirmed anchor may
// exist per (batch, chain); a second confirmed record for the same pair
// returns ErrConflict. Status updates for the same transaction overwrite in
// place.
func (s *Store) SaveAnchor(ctx context.Context, anchor *types.Anchor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	enc, err := encode(anchor)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(anchorsBucket)
		if anchor.Status == types.AnchorConfirmed {
			prefix := append([]byte(anchor.BatchID+"|"+anchor.Chain), '|')
			c := bkt.Cursor()
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				existing := &types.Anchor{}
				if err := decode(v, existing); err != nil {
					return err
				}
				if existing.Status == types.AnchorConfirmed && existing.TxHash != anchor.TxHash {
					return errors.Wrapf(iface.ErrConflict,
						"batch %s already confirmed on %s in tx %s", anchor.BatchID, anchor.Chain, existing.TxHash)
				}
			}
		}
		return bkt.Put(anchorKey(anchor), enc)
	})
}

// PendingAnchors returns every anchor still awaiting confirmation, across
// all batches and chains. The confirmation poller drives this.
func (s *Store) PendingAnchors(ctx context.Context) ([]*types.Anchor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var anchors []*types.Anchor
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(anchorsBucket).ForEach(func(_, v []byte) error {
			anchor := &types.Anchor{}
			if err := decode(v, anchor); err != nil {
				return err
			}
			if anchor.Status == types.AnchorPending {
				anchors = append(anchors, anchor)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return anchors, nil
}

// AnchorsForBatch returns every anchor attempt recorded for a batch.
func (s *Store) AnchorsForBatch(ctx context.Context, batchID string) ([]*types.Anchor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var anchors []*types.Anchor
	prefix := append([]byte(batchID), '|')
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(anchorsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			anchor := &types.Anchor{}
			if err := decode(v, anchor); err != nil {
				return err
			}
			anchors = append(anchors, anchor)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return anchors, nil
}
