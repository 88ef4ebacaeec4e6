package kv

import (
	"bytes"
	"context"

	"github.com/pkg/errors"
	"github.com/pohwnet/registry/registry-node/db/iface"
	"github.com/pohwnet/registry/registry-node/types"
	bolt "go.etcd.io/bbolt"
)

// SaveCredential persists a credential and indexes it by subject. Saving an
// existing hash overwrites the record, which is how revocation is recorded.
func (s *Store) SaveCredential(ctx context.Context, credential *types.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	enc, err := encode(credential)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(credentialsBucket).Put(credential.Hash[:], enc); err != nil {
			return err
		}
		idxKey := append([]byte(credential.SubjectID), '|')
		idxKey = append(idxKey, credential.Hash[:]...)
		return tx.Bucket(credentialSubjectIndicesBucket).Put(idxKey, credential.Hash[:])
	})
}

// Credential retrieves a credential by hash.
func (s *Store) Credential(ctx context.Context, hash [32]byte) (*types.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	credential := &types.Credential{}
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(credentialsBucket).Get(hash[:])
		if enc == nil {
			return errors.Wrapf(iface.ErrNotFound, "no credential %#x", hash)
		}
		return decode(enc, credential)
	})
	if err != nil {
		return nil, err
	}
	return credential, nil
}

// CredentialsForSubject returns every credential issued to an identity.
func (s *Store) CredentialsForSubject(ctx context.Context, subjectID string) ([]*types.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var credentials []*types.Credential
	prefix := append([]byte(subjectID), '|')
	err := s.db.View(func(tx *bolt.Tx) error {
		creds := tx.Bucket(credentialsBucket)
		c := tx.Bucket(credentialSubjectIndicesBucket).Cursor()
		for k, hash := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, hash = c.Next() {
			enc := creds.Get(hash)
			if enc == nil {
				continue
			}
			credential := &types.Credential{}
			if err := decode(enc, credential); err != nil {
				return err
			}
			credentials = append(credentials, credential)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return credentials, nil
}

// SaveAttestor marks an identity as an approved credential issuer.
func (s *Store) SaveAttestor(ctx context.Context, identityID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		key := append(attestorKeyPrefix, []byte(identityID)...)
		return tx.Bucket(metadataBucket).Put(key, []byte{1})
	})
}

// IsAttestor reports whether an identity is an approved credential issuer.
func (s *Store) IsAttestor(ctx context.Context, identityID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		key := append(attestorKeyPrefix, []byte(identityID)...)
		ok = tx.Bucket(metadataBucket).Get(key) != nil
		return nil
	})
	return ok, err
}
