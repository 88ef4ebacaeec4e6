package kv

import (
	"context"

	"github.com/pohwnet/registry/registry-node/types"
	bolt "go.etcd.io/bbolt"
)

// SavePeer upserts a federation peer record.
func (s *Store) SavePeer(ctx context.Context, peer *types.Peer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	enc, err := encode(peer)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucket).Put([]byte(peer.RegistryID), enc)
	})
}

// Peers lists every known federation peer.
func (s *Store) Peers(ctx context.Context) ([]*types.Peer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var peers []*types.Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucket).ForEach(func(_, v []byte) error {
			peer := &types.Peer{}
			if err := decode(v, peer); err != nil {
				return err
			}
			peers = append(peers, peer)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return peers, nil
}
