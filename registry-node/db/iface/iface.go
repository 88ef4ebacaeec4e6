// Package iface exposes the database interface consumed by every registry
// subsystem, so implementations can be swapped in tests without touching
// callers.
package iface

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/pohwnet/registry/registry-node/types"
)

// Failure modes surfaced by any Database implementation.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned on a duplicate proof hash or a conflicting
	// confirmed anchor.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable is returned for transient storage failures.
	ErrUnavailable = errors.New("unavailable")
)

// ReadOnlyDatabase defines the read-side of the registry store.
type ReadOnlyDatabase interface {
	Proof(ctx context.Context, hash [32]byte) (*types.Proof, error)
	HasProof(ctx context.Context, hash [32]byte) bool
	PendingProofs(ctx context.Context) ([]*types.Proof, error)
	ProofCount(ctx context.Context) (uint64, error)
	Batch(ctx context.Context, id string) (*types.Batch, error)
	LatestBatch(ctx context.Context) (*types.Batch, error)
	BatchesSince(ctx context.Context, since time.Time) ([]*types.Batch, error)
	BatchCount(ctx context.Context) (uint64, error)
	AnchorsForBatch(ctx context.Context, batchID string) ([]*types.Anchor, error)
	PendingAnchors(ctx context.Context) ([]*types.Anchor, error)
	Identity(ctx context.Context, id string) (*types.Identity, error)
	Credential(ctx context.Context, hash [32]byte) (*types.Credential, error)
	CredentialsForSubject(ctx context.Context, subjectID string) ([]*types.Credential, error)
	Reputation(ctx context.Context, identityID string) (*types.Reputation, error)
	Peers(ctx context.Context) ([]*types.Peer, error)
	IsAttestor(ctx context.Context, identityID string) (bool, error)
	ContinuityClaims(ctx context.Context, identityID string) ([]*types.ContinuityClaim, error)
}

// Database defines the full typed persistence API. SealBatch is the only
// multi-record operation and must be transactional: a sealed batch is never
// observable without its proofs marked batched.
type Database interface {
	ReadOnlyDatabase
	io.Closer
	SaveProof(ctx context.Context, proof *types.Proof) error
	SealBatch(ctx context.Context, batch *types.Batch, orderedHashes [][32]byte) error
	SaveBatch(ctx context.Context, batch *types.Batch) error
	SaveAnchor(ctx context.Context, anchor *types.Anchor) error
	SaveIdentity(ctx context.Context, identity *types.Identity) error
	SaveContinuityClaim(ctx context.Context, claim *types.ContinuityClaim) error
	SaveCredential(ctx context.Context, credential *types.Credential) error
	SaveReputation(ctx context.Context, reputation *types.Reputation) error
	SavePeer(ctx context.Context, peer *types.Peer) error
	SaveAttestor(ctx context.Context, identityID string) error
	DatabasePath() string
	ClearDB() error
	Backup(ctx context.Context, outputDir string) error
}
