package kv

import (
	"context"

	"github.com/pkg/errors"
	"github.com/pohwnet/registry/registry-node/db/iface"
	"github.com/pohwnet/registry/registry-node/types"
	bolt "go.etcd.io/bbolt"
)

// SaveReputation persists the behavioral record for an identity. The rate
// engine is the single writer per identity, so last-write-wins is safe here.
func (s *Store) SaveReputation(ctx context.Context, reputation *types.Reputation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	enc, err := encode(reputation)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(reputationsBucket).Put([]byte(reputation.IdentityID), enc)
	})
}

// Reputation retrieves the behavioral record for an identity.
func (s *Store) Reputation(ctx context.Context, identityID string) (*types.Reputation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reputation := &types.Reputation{}
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(reputationsBucket).Get([]byte(identityID))
		if enc == nil {
			return errors.Wrapf(iface.ErrNotFound, "no reputation for %s", identityID)
		}
		return decode(enc, reputation)
	})
	if err != nil {
		return nil, err
	}
	return reputation, nil
}
