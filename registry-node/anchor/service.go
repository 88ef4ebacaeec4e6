package anchor

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/pohwnet/registry/config/params"
	"github.com/pohwnet/registry/encoding/bytesutil"
	"github.com/pohwnet/registry/io/logs"
	"github.com/pohwnet/registry/registry-node/db/iface"
	"github.com/pohwnet/registry/registry-node/types"
)

var (
	anchorAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pohw_anchor_attempts_total",
		Help: "Count of anchor broadcast attempts, by chain and outcome.",
	}, []string{"chain", "outcome"})
	anchorConfirmations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pohw_anchor_confirmed_total",
		Help: "Count of anchors confirmed on chain, by chain.",
	}, []string{"chain"})
)

// queueDepth bounds sealed batches awaiting a chain worker. Anchoring is
// slow relative to sealing, so the buffer absorbs bursts.
const queueDepth = 64

// BatchNotifier delivers sealed batches, normally the batcher service.
type BatchNotifier interface {
	SubscribeSealed(ch chan<- *types.Batch) event.Subscription
}

// Service drives the anchoring pipeline: one serial worker per enabled
// chain plus a shared confirmation poller. Chains never block each other
// and a chain failure is recorded, never propagated as a panic.
type Service struct {
	ctx      context.Context
	cancel   context.CancelFunc
	db       iface.Database
	notifier BatchNotifier
	chains   []Chain
	queues   map[string]chan *types.Batch
}

// NewService creates the anchoring service over the given chains.
func NewService(ctx context.Context, db iface.Database, notifier BatchNotifier, chains ...Chain) *Service {
	ctx, cancel := context.WithCancel(ctx)
	queues := make(map[string]chan *types.Batch, len(chains))
	for _, chain := range chains {
		queues[chain.Name()] = make(chan *types.Batch, queueDepth)
	}
	return &Service{
		ctx:      ctx,
		cancel:   cancel,
		db:       db,
		notifier: notifier,
		chains:   chains,
		queues:   queues,
	}
}

// ChainsFromConfig constructs the enabled chain backends. A chain whose key
// or endpoint is rejected still gets registered, as a stub whose broadcasts
// fail with the construction error: the node starts, and anchoring a batch on
// the misconfigured chain records a failed anchor carrying the normalized
// reason and its remediation hint.
func ChainsFromConfig(cfg *params.RegistryConfig) []Chain {
	var chains []Chain
	if cfg.BitcoinEnabled {
		btc, err := NewBitcoinChain(cfg.BitcoinRPCURL, cfg.BitcoinNetwork, cfg.BitcoinPrivateKey, nil)
		if err != nil {
			log.WithError(err).Error("Could not initialize bitcoin anchoring; anchors on this chain will fail until fixed")
			chains = append(chains, &misconfiguredChain{name: ChainBitcoin, err: err})
		} else {
			log.WithField("endpoint", logs.MaskCredentialsLogging(cfg.BitcoinRPCURL)).Info("Bitcoin anchoring enabled")
			chains = append(chains, btc)
		}
	}
	if cfg.EthereumEnabled {
		eth, err := NewEthereumChain(cfg.EthereumRPCURL, cfg.EthereumNetwork, cfg.EthereumPrivKey)
		if err != nil {
			log.WithError(err).Error("Could not initialize ethereum anchoring; anchors on this chain will fail until fixed")
			chains = append(chains, &misconfiguredChain{name: ChainEthereum, err: err})
		} else {
			log.WithField("endpoint", logs.MaskCredentialsLogging(cfg.EthereumRPCURL)).Info("Ethereum anchoring enabled")
			chains = append(chains, eth)
		}
	}
	return chains
}

// Start launches the chain workers, the sealed-batch subscriber, and the
// confirmation poller.
func (s *Service) Start() {
	if len(s.chains) == 0 {
		log.Info("No anchoring chains enabled")
		return
	}
	names := make([]string, 0, len(s.chains))
	for _, chain := range s.chains {
		names = append(names, chain.Name())
		go s.runWorker(chain)
	}
	log.WithField("chains", names).Info("Starting anchoring engine")
	if params.RegistryConfigSnapshot().AnchoringEnabled && s.notifier != nil {
		go s.subscribeSealed()
	}
	go s.runConfirmationPoller()
}

// Stop terminates the workers and poller.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status always reports healthy; anchoring failures are per-batch records,
// not a service fault.
func (s *Service) Status() error {
	return nil
}

// subscribeSealed fans sealed batches out to every chain queue.
func (s *Service) subscribeSealed() {
	sealed := make(chan *types.Batch, 1)
	sub := s.notifier.SubscribeSealed(sealed)
	defer sub.Unsubscribe()
	for {
		select {
		case <-s.ctx.Done():
			return
		case err := <-sub.Err():
			if err != nil {
				log.WithError(err).Error("Sealed batch subscription failed")
			}
			return
		case batch := <-sealed:
			for name, queue := range s.queues {
				select {
				case queue <- batch:
				default:
					log.WithFields(logrus.Fields{
						"chain": name,
						"batch": batch.ID,
					}).Warn("Anchor queue full, dropping batch; re-anchor manually")
				}
			}
		}
	}
}

func (s *Service) runWorker(chain Chain) {
	queue := s.queues[chain.Name()]
	for {
		select {
		case <-s.ctx.Done():
			return
		case batch := <-queue:
			if _, err := s.anchorOne(s.ctx, chain, batch); err != nil {
				log.WithError(err).WithFields(logrus.Fields{
					"chain": chain.Name(),
					"batch": batch.ID,
				}).Error("Anchor attempt failed")
			}
		}
	}
}

// anchorOne broadcasts one batch root on one chain and records the outcome.
// Failures are persisted with their normalized reason and remediation hint.
func (s *Service) anchorOne(ctx context.Context, chain Chain, batch *types.Batch) (*types.Anchor, error) {
	payload := buildPayload(batch.MerkleRoot)
	txHash, explorerURL, err := chain.Broadcast(ctx, payload)
	now := time.Now().UTC()
	if err != nil {
		normalized := newError(chain.Name(), err)
		failed := &types.Anchor{
			BatchID:   batch.ID,
			Chain:     chain.Name(),
			TxHash:    "failed-" + now.Format(time.RFC3339Nano),
			Timestamp: now,
			Status:    types.AnchorFailed,
			Error:     normalized.Reason + ": " + normalized.Hint,
		}
		if saveErr := s.db.SaveAnchor(ctx, failed); saveErr != nil {
			log.WithError(saveErr).Error("Could not record failed anchor")
		}
		anchorAttempts.WithLabelValues(chain.Name(), "failed").Inc()
		return failed, normalized
	}
	anchor := &types.Anchor{
		BatchID:     batch.ID,
		Chain:       chain.Name(),
		TxHash:      txHash,
		Timestamp:   now,
		Status:      types.AnchorPending,
		ExplorerURL: explorerURL,
	}
	if err := s.db.SaveAnchor(ctx, anchor); err != nil {
		return nil, errors.Wrap(err, "could not record anchor")
	}
	anchorAttempts.WithLabelValues(chain.Name(), "broadcast").Inc()
	log.WithFields(logrus.Fields{
		"chain": chain.Name(),
		"batch": batch.ID,
		"tx":    txHash,
		"root":  bytesutil.ToHexString(batch.MerkleRoot[:]),
	}).Info("Broadcast anchor transaction")
	return anchor, nil
}

// AnchorBatch anchors one batch on every configured chain synchronously.
// Serves the manual re-anchor endpoint; results carry per-chain outcomes
// including failures.
func (s *Service) AnchorBatch(ctx context.Context, batchID string) ([]*types.Anchor, error) {
	if len(s.chains) == 0 {
		return nil, errors.New("no anchoring chains configured")
	}
	batch, err := s.db.Batch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	anchors := make([]*types.Anchor, 0, len(s.chains))
	for _, chain := range s.chains {
		anchor, err := s.anchorOne(ctx, chain, batch)
		if err != nil {
			log.WithError(err).WithField("chain", chain.Name()).Error("Manual anchor failed")
		}
		if anchor != nil {
			anchors = append(anchors, anchor)
		}
	}
	return anchors, nil
}

// runConfirmationPoller promotes pending anchors to confirmed as their
// transactions are included on chain.
func (s *Service) runConfirmationPoller() {
	interval := params.RegistryConfigSnapshot().ConfirmInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.confirmPending(s.ctx)
		}
	}
}

func (s *Service) confirmPending(ctx context.Context) {
	pending, err := s.db.PendingAnchors(ctx)
	if err != nil {
		log.WithError(err).Error("Could not list pending anchors")
		return
	}
	byName := make(map[string]Chain, len(s.chains))
	for _, chain := range s.chains {
		byName[chain.Name()] = chain
	}
	for _, anchor := range pending {
		chain, ok := byName[anchor.Chain]
		if !ok {
			continue
		}
		blockNumber, confirmed, err := chain.Confirm(ctx, anchor.TxHash)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"chain": anchor.Chain,
				"tx":    anchor.TxHash,
			}).Debug("Confirmation check failed")
			continue
		}
		if !confirmed {
			continue
		}
		anchor.Status = types.AnchorConfirmed
		anchor.BlockNumber = blockNumber
		if err := s.db.SaveAnchor(ctx, anchor); err != nil {
			log.WithError(err).Error("Could not record anchor confirmation")
			continue
		}
		anchorConfirmations.WithLabelValues(anchor.Chain).Inc()
		log.WithFields(logrus.Fields{
			"chain": anchor.Chain,
			"batch": anchor.BatchID,
			"tx":    anchor.TxHash,
			"block": blockNumber,
		}).Info("Anchor confirmed")
	}
}
