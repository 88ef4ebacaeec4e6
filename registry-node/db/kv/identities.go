package kv

import (
	"bytes"
	"context"

	"github.com/pkg/errors"
	"github.com/pohwnet/registry/registry-node/db/iface"
	"github.com/pohwnet/registry/registry-node/types"
	bolt "go.etcd.io/bbolt"
)

// SaveIdentity persists an identity record, overwriting any previous state
// for the same id. Status transitions are validated by the identity service,
// not here.
func (s *Store) SaveIdentity(ctx context.Context, identity *types.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	enc, err := encode(identity)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(identitiesBucket).Put([]byte(identity.ID), enc)
	})
}

// Identity retrieves an identity by its DID.
func (s *Store) Identity(ctx context.Context, id string) (*types.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	identity := &types.Identity{}
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(identitiesBucket).Get([]byte(id))
		if enc == nil {
			return errors.Wrapf(iface.ErrNotFound, "no identity %s", id)
		}
		return decode(enc, identity)
	})
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// SaveContinuityClaim appends a rotation edge. Claims are keyed by the
// rotated-out identity, so walking a chain is a sequence of point lookups.
func (s *Store) SaveContinuityClaim(ctx context.Context, claim *types.ContinuityClaim) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	enc, err := encode(claim)
	if err != nil {
		return err
	}
	key := append([]byte(claim.PreviousID), '|')
	key = append(key, []byte(claim.NewID)...)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(continuityBucket).Put(key, enc)
	})
}

// ContinuityClaims returns the rotation edges departing the given identity.
// A well-formed chain has at most one.
func (s *Store) ContinuityClaims(ctx context.Context, identityID string) ([]*types.ContinuityClaim, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var claims []*types.ContinuityClaim
	prefix := append([]byte(identityID), '|')
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(continuityBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			claim := &types.ContinuityClaim{}
			if err := decode(v, claim); err != nil {
				return err
			}
			claims = append(claims, claim)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}
