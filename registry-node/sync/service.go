// Package sync pulls sealed batches and proofs from federated peer
// registries. Sync is pull-only and additive: remote records are imported
// with their source registry tagged, and a conflicting remote batch never
// replaces the local record.
package sync

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/kevinms/leakybucket-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pohwnet/registry/config/params"
	"github.com/pohwnet/registry/encoding/bytesutil"
	"github.com/pohwnet/registry/registry-node/db/iface"
	"github.com/pohwnet/registry/registry-node/types"
)

var log = logrus.WithField("prefix", "sync")

var (
	importedBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pohw_sync_imported_batches_total",
		Help: "Count of batches imported from peers, by peer.",
	}, []string{"peer"})
	importedProofs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pohw_sync_imported_proofs_total",
		Help: "Count of proofs imported from peers, by peer.",
	}, []string{"peer"})
	rootConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pohw_sync_root_conflicts_total",
		Help: "Count of batch root conflicts detected against peers, by peer.",
	}, []string{"peer"})
)

// lookback bounds the first sync of a never-seen peer.
const lookback = 24 * time.Hour

// newClient is swapped in tests to point peers at test servers.
var newClient = func(endpoint string) peerClient {
	return NewClient(endpoint)
}

type peerClient interface {
	LatestRoot(ctx context.Context) (*RootResponse, error)
	BatchesSince(ctx context.Context, since time.Time) ([]*types.Batch, error)
	BatchProofs(ctx context.Context, batchID string) ([]*types.Proof, error)
}

// Service runs the federation sync loop.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	db     iface.Database
	// budget throttles outbound requests across all peers; key "outbound".
	budget *leakybucket.Collector
}

// NewService creates the sync service. Seed peers from the configuration are
// registered on Start.
func NewService(ctx context.Context, db iface.Database) *Service {
	ctx, cancel := context.WithCancel(ctx)
	cfg := params.RegistryConfigSnapshot()
	rate := cfg.SyncRate
	if rate <= 0 {
		rate = 10
	}
	return &Service{
		ctx:    ctx,
		cancel: cancel,
		db:     db,
		budget: leakybucket.NewCollector(float64(rate), rate, false),
	}
}

// Start registers seed peers and runs sync rounds until stopped.
func (s *Service) Start() {
	cfg := params.RegistryConfigSnapshot()
	for _, seed := range cfg.Peers {
		registryID, endpoint, err := parsePeer(seed)
		if err != nil {
			log.WithError(err).WithField("peer", seed).Error("Ignoring malformed seed peer")
			continue
		}
		if err := s.AddPeer(s.ctx, registryID, endpoint); err != nil {
			log.WithError(err).WithField("peer", registryID).Error("Could not register seed peer")
		}
	}
	interval := cfg.SyncInterval
	if interval <= 0 {
		interval = time.Minute
	}
	log.WithField("interval", interval).Info("Starting federation sync")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.syncRound(s.ctx); err != nil {
				log.WithError(err).Error("Sync round finished with errors")
			}
		}
	}
}

// Stop terminates the sync loop.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status always reports healthy; unreachable peers are per-round log
// entries, not a service fault.
func (s *Service) Status() error {
	return nil
}

// parsePeer splits a "registryID=endpoint" seed entry.
func parsePeer(seed string) (registryID, endpoint string, err error) {
	parts := strings.SplitN(seed, "=", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.Errorf("expected registryID=endpoint, got %q", seed)
	}
	return parts[0], parts[1], nil
}

// AddPeer registers a peer registry. Known peers keep their sync state; only
// the endpoint is updated.
func (s *Service) AddPeer(ctx context.Context, registryID, endpoint string) error {
	if registryID == "" || endpoint == "" {
		return errors.New("peer registry id and endpoint are required")
	}
	if registryID == params.RegistryConfigSnapshot().RegistryID {
		return errors.New("refusing to peer with self")
	}
	peer := &types.Peer{RegistryID: registryID, Endpoint: endpoint}
	peers, err := s.db.Peers(ctx)
	if err == nil {
		for _, known := range peers {
			if known.RegistryID == registryID {
				peer.LastSeen = known.LastSeen
				peer.LastRoot = known.LastRoot
				break
			}
		}
	}
	return s.db.SavePeer(ctx, peer)
}

// syncRound syncs every known peer concurrently. One failing peer does not
// abort the others; the first error is returned after all finish.
func (s *Service) syncRound(ctx context.Context) error {
	peers, err := s.db.Peers(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			if err := s.syncPeer(gctx, peer); err != nil {
				log.WithError(err).WithField("peer", peer.RegistryID).Warn("Peer sync failed")
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// spend consumes one request from the outbound budget, blocking while the
// bucket is full.
func (s *Service) spend(ctx context.Context) error {
	for s.budget.Add("outbound", 1) == 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil
}

// syncPeer pulls the peer's new batches and their proofs since the last
// successful sync.
func (s *Service) syncPeer(ctx context.Context, peer *types.Peer) error {
	client := newClient(peer.Endpoint)

	if err := s.spend(ctx); err != nil {
		return err
	}
	root, err := client.LatestRoot(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if root.MerkleRoot != "" && bytes.Equal(peer.LastRoot, []byte(root.MerkleRoot)) {
		// Nothing new since the last round.
		peer.LastSeen = now
		return s.db.SavePeer(ctx, peer)
	}

	since := peer.LastSeen
	if since.IsZero() {
		since = now.Add(-lookback)
	}
	if err := s.spend(ctx); err != nil {
		return err
	}
	batches, err := client.BatchesSince(ctx, since)
	if err != nil {
		return err
	}
	for _, batch := range batches {
		if err := s.importBatch(ctx, client, peer, batch); err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"peer":  peer.RegistryID,
				"batch": batch.ID,
			}).Warn("Could not import batch")
		}
	}

	peer.LastSeen = now
	peer.LastRoot = []byte(root.MerkleRoot)
	return s.db.SavePeer(ctx, peer)
}

// importBatch stores one remote batch and its proofs. A batch id collision
// with a different root is a conflict: the local record wins and the
// conflict is logged for operators.
func (s *Service) importBatch(ctx context.Context, client peerClient, peer *types.Peer, batch *types.Batch) error {
	if local, err := s.db.Batch(ctx, batch.ID); err == nil {
		if local.MerkleRoot != batch.MerkleRoot {
			rootConflicts.WithLabelValues(peer.RegistryID).Inc()
			log.WithFields(logrus.Fields{
				"peer":       peer.RegistryID,
				"batch":      batch.ID,
				"localRoot":  bytesutil.ToHexString(local.MerkleRoot[:]),
				"remoteRoot": bytesutil.ToHexString(batch.MerkleRoot[:]),
			}).Error("Batch root conflict with peer; keeping local record")
		}
		return nil
	}
	if batch.SourceRegistry == "" {
		batch.SourceRegistry = peer.RegistryID
	}
	if err := s.db.SaveBatch(ctx, batch); err != nil {
		return err
	}
	importedBatches.WithLabelValues(peer.RegistryID).Inc()

	if err := s.spend(ctx); err != nil {
		return err
	}
	proofs, err := client.BatchProofs(ctx, batch.ID)
	if err != nil {
		return err
	}
	imported := 0
	for _, proof := range proofs {
		if s.db.HasProof(ctx, proof.Hash) {
			log.WithFields(logrus.Fields{
				"peer":  peer.RegistryID,
				"batch": batch.ID,
				"hash":  bytesutil.ToHexString(proof.Hash[:]),
			}).Debug("Skipping proof already attested locally")
			continue
		}
		if proof.SourceRegistry == "" {
			proof.SourceRegistry = peer.RegistryID
		}
		if err := s.db.SaveProof(ctx, proof); err != nil {
			if errors.Is(err, iface.ErrConflict) {
				log.WithFields(logrus.Fields{
					"peer":  peer.RegistryID,
					"batch": batch.ID,
					"hash":  bytesutil.ToHexString(proof.Hash[:]),
				}).Debug("Skipping proof already attested locally")
				continue
			}
			return err
		}
		imported++
	}
	importedProofs.WithLabelValues(peer.RegistryID).Add(float64(imported))
	log.WithFields(logrus.Fields{
		"peer":   peer.RegistryID,
		"batch":  batch.ID,
		"proofs": imported,
	}).Info("Imported batch from peer")
	return nil
}

// SyncNow runs one sync round immediately, outside the timer.
func (s *Service) SyncNow(ctx context.Context) error {
	return s.syncRound(ctx)
}
