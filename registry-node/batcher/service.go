// Package batcher cuts pending proofs into sealed Merkle batches. The
// batcher holds no leaves of its own: it reads the pending set from the
// store, builds the commitment tree, and seals batch plus proof assignments
// in one transaction so a batch is never observable without its leaves.
package batcher

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/pohwnet/registry/config/params"
	"github.com/pohwnet/registry/container/merkle"
	"github.com/pohwnet/registry/registry-node/db/iface"
	"github.com/pohwnet/registry/registry-node/types"
)

var log = logrus.WithField("prefix", "batcher")

var (
	sealedBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pohw_batcher_sealed_total",
		Help: "Count of batches sealed.",
	})
	sealedLeaves = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pohw_batcher_leaves_total",
		Help: "Count of proofs sealed into batches.",
	})
)

// pollInterval backstops lost pending signals; duplicate signals are
// harmless because sealing always re-reads the current pending set.
const pollInterval = time.Second

// Service is the single batching worker.
type Service struct {
	ctx        context.Context
	cancel     context.CancelFunc
	db         iface.Database
	pendingCh  chan struct{}
	sealedFeed event.Feed
	sealMu     chan struct{} // capacity-1 semaphore serializing seals
}

// NewService creates the batcher.
func NewService(ctx context.Context, db iface.Database) *Service {
	ctx, cancel := context.WithCancel(ctx)
	s := &Service{
		ctx:       ctx,
		cancel:    cancel,
		db:        db,
		pendingCh: make(chan struct{}, 1),
		sealMu:    make(chan struct{}, 1),
	}
	s.sealMu <- struct{}{}
	return s
}

// Start runs the batching loop until the service stops.
func (s *Service) Start() {
	log.WithField("batchSize", params.RegistryConfigSnapshot().BatchSize).Info("Starting Merkle batcher")
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.pendingCh:
		case <-ticker.C:
		}
		if _, err := s.sealIfReady(s.ctx, false); err != nil {
			log.WithError(err).Error("Could not seal batch")
		}
	}
}

// Stop terminates the batching loop.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status always reports healthy; sealing failures are transient and retried
// on the next signal.
func (s *Service) Status() error {
	return nil
}

// NotifyPending signals that new pending proofs exist. Non-blocking; the
// channel holds at most one outstanding signal.
func (s *Service) NotifyPending() {
	select {
	case s.pendingCh <- struct{}{}:
	default:
	}
}

// SubscribeSealed delivers every sealed batch to ch until unsubscribed.
func (s *Service) SubscribeSealed(ch chan<- *types.Batch) event.Subscription {
	return s.sealedFeed.Subscribe(ch)
}

// SealNow seals the current pending set regardless of size.
func (s *Service) SealNow(ctx context.Context) (*types.Batch, error) {
	return s.sealIfReady(ctx, true)
}

// sealIfReady cuts a batch when the pending count reaches the configured
// size, or unconditionally when forced. Returns nil without error when there
// is nothing to do.
func (s *Service) sealIfReady(ctx context.Context, force bool) (*types.Batch, error) {
	select {
	case <-s.sealMu:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { s.sealMu <- struct{}{} }()

	batchSize := params.RegistryConfigSnapshot().BatchSize
	pending, err := s.db.PendingProofs(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		if force {
			return nil, errors.New("no pending proofs to seal")
		}
		return nil, nil
	}
	if !force && len(pending) < batchSize {
		return nil, nil
	}
	if !force && len(pending) > batchSize {
		pending = pending[:batchSize]
	}

	leaves := make([][32]byte, len(pending))
	items := make([][]byte, len(pending))
	for i, proof := range pending {
		leaves[i] = proof.Hash
		items[i] = proof.Hash[:]
	}
	tree, err := merkle.GenerateTreeFromItems(items)
	if err != nil {
		return nil, err
	}
	batch := &types.Batch{
		ID:         uuid.New().String(),
		MerkleRoot: tree.Root(),
		Size:       uint64(len(leaves)),
		Leaves:     leaves,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.db.SealBatch(ctx, batch, leaves); err != nil {
		// The transaction rolled back; the proofs remain pending.
		return nil, errors.Wrap(err, "could not seal batch")
	}
	sealedBatches.Inc()
	sealedLeaves.Add(float64(len(leaves)))
	log.WithFields(logrus.Fields{
		"batch": batch.ID,
		"size":  batch.Size,
		"root":  batch.MerkleRoot,
	}).Info("Sealed batch")
	s.sealedFeed.Send(batch)
	return batch, nil
}

// InclusionProof rebuilds the batch tree for a proof hash and returns the
// Merkle root, the ordered sibling digests, and the leaf index. The sibling
// sides are implied by the index bits.
func (s *Service) InclusionProof(ctx context.Context, proofHash [32]byte) (*types.Batch, [][]byte, uint64, error) {
	return InclusionProof(ctx, s.db, proofHash)
}

// InclusionProof is the store-only variant used by read paths that do not
// hold a batcher handle.
func InclusionProof(ctx context.Context, db iface.ReadOnlyDatabase, proofHash [32]byte) (*types.Batch, [][]byte, uint64, error) {
	proof, err := db.Proof(ctx, proofHash)
	if err != nil {
		return nil, nil, 0, err
	}
	if !proof.Batched() {
		return nil, nil, 0, errors.Wrapf(iface.ErrNotFound, "proof %#x not yet batched", proofHash)
	}
	batch, err := db.Batch(ctx, proof.BatchID)
	if err != nil {
		return nil, nil, 0, err
	}
	items := make([][]byte, len(batch.Leaves))
	for i := range batch.Leaves {
		items[i] = batch.Leaves[i][:]
	}
	tree, err := merkle.GenerateTreeFromItems(items)
	if err != nil {
		return nil, nil, 0, err
	}
	siblings, err := tree.MerkleProof(int(proof.LeafIndex))
	if err != nil {
		return nil, nil, 0, err
	}
	return batch, siblings, proof.LeafIndex, nil
}
