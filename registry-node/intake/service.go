// Package intake implements attestation admission: syntactic validation,
// rate/reputation gating, process-digest consistency checks, persistence,
// and the pending signal that wakes the batcher.
package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pohwnet/registry/config/params"
	"github.com/pohwnet/registry/crypto/hash"
	"github.com/pohwnet/registry/encoding/bytesutil"
	"github.com/pohwnet/registry/encoding/canonical"
	"github.com/pohwnet/registry/registry-node/credential"
	"github.com/pohwnet/registry/registry-node/db/iface"
	"github.com/pohwnet/registry/registry-node/identity"
	"github.com/pohwnet/registry/registry-node/reputation"
	"github.com/pohwnet/registry/registry-node/types"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "intake")

var (
	acceptedProofs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pohw_intake_accepted_total",
		Help: "Count of proofs accepted by attestation intake.",
	})
	rejectedProofs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pohw_intake_rejected_total",
		Help: "Count of proofs rejected by attestation intake, by reason.",
	}, []string{"reason"})
)

// ErrInvalid tags malformed or internally inconsistent requests.
var ErrInvalid = errors.New("invalid attestation request")

// RateLimitedError carries the denial reason and the identity's current rate.
type RateLimitedError struct {
	Reason      string
	CurrentRate int
}

func (e *RateLimitedError) Error() string {
	return "rate-limited: " + e.Reason
}

// Request is a proof submission prior to admission.
type Request struct {
	Hash            string              `json:"hash"`
	Signature       string              `json:"signature"`
	IdentityID      string              `json:"identityId"`
	ClientTimestamp string              `json:"clientTimestamp"`
	ProcessDigest   string              `json:"processDigest,omitempty"`
	CompoundHash    string              `json:"compoundHash,omitempty"`
	ProcessMetrics  json.RawMessage     `json:"processMetrics,omitempty"`
	DerivedFrom     []types.DerivedFrom `json:"derivedFrom,omitempty"`
	Assistance      string              `json:"assistanceProfile,omitempty"`
}

// Batcher is the pending-proof sink intake notifies after persisting.
type Batcher interface {
	NotifyPending()
}

// Service performs attestation admission. It holds explicit handles to its
// collaborators; nothing here is a process-wide singleton.
type Service struct {
	db          iface.Database
	rate        *reputation.Engine
	credentials *credential.Service
	batcher     Batcher
}

// NewService creates an intake service.
func NewService(db iface.Database, rate *reputation.Engine, credentials *credential.Service, batcher Batcher) *Service {
	return &Service{db: db, rate: rate, credentials: credentials, batcher: batcher}
}

// Attest runs the admission pipeline for one submission. Checks are
// fail-fast in order: syntax, rate admission, duplicate, process-digest
// consistency, tiering, persistence, pending signal.
func (s *Service) Attest(ctx context.Context, req *Request) (*types.Receipt, error) {
	// 1. Syntactic validation.
	hashBytes, err := bytesutil.DecodeHexWithLength(req.Hash, 32)
	if err != nil {
		rejectedProofs.WithLabelValues("malformed-hash").Inc()
		return nil, errors.Wrap(ErrInvalid, err.Error())
	}
	contentHash := bytesutil.ToBytes32(hashBytes)
	if !identity.ValidDID(req.IdentityID) {
		rejectedProofs.WithLabelValues("malformed-did").Inc()
		return nil, errors.Wrapf(ErrInvalid, "malformed identity %q", req.IdentityID)
	}
	clientTime, err := time.Parse(time.RFC3339, req.ClientTimestamp)
	if err != nil {
		rejectedProofs.WithLabelValues("malformed-timestamp").Inc()
		return nil, errors.Wrapf(ErrInvalid, "could not parse timestamp %q", req.ClientTimestamp)
	}
	sigBytes, err := bytesutil.DecodeHexWithLength(req.Signature, 64)
	if err != nil {
		rejectedProofs.WithLabelValues("malformed-signature").Inc()
		return nil, errors.Wrap(ErrInvalid, err.Error())
	}

	now := time.Now().UTC()

	// 2. Rate and reputation admission.
	decision := s.rate.Allow(ctx, req.IdentityID, now)
	if !decision.Allowed {
		rejectedProofs.WithLabelValues("rate-limited").Inc()
		return nil, &RateLimitedError{Reason: decision.Reason, CurrentRate: decision.CurrentRate}
	}

	// 3. Duplicate check.
	if s.db.HasProof(ctx, contentHash) {
		rejectedProofs.WithLabelValues("duplicate").Inc()
		return nil, errors.Wrapf(iface.ErrConflict, "already-attested: %s", req.Hash)
	}

	// 4. Process layer consistency. A claim about metrics is only stored if
	// it is internally consistent.
	var processDigest, compoundHash, metricsCanonical []byte
	if req.ProcessDigest != "" {
		processDigest, err = bytesutil.DecodeHexWithLength(req.ProcessDigest, 32)
		if err != nil {
			rejectedProofs.WithLabelValues("malformed-process-digest").Inc()
			return nil, errors.Wrap(ErrInvalid, err.Error())
		}
	}
	if len(req.ProcessMetrics) > 0 {
		metricsCanonical, err = canonical.Transform(req.ProcessMetrics)
		if err != nil {
			rejectedProofs.WithLabelValues("malformed-process-metrics").Inc()
			return nil, errors.Wrap(ErrInvalid, err.Error())
		}
		recomputed := hash.Hash(metricsCanonical)
		if processDigest == nil || !bytes.Equal(recomputed[:], processDigest) {
			s.rate.RecordAnomaly(ctx, req.IdentityID, now, "process metrics do not match declared digest")
			rejectedProofs.WithLabelValues("process-digest-mismatch").Inc()
			return nil, errors.Wrap(ErrInvalid, "processMetrics do not hash to processDigest")
		}
	}
	if req.CompoundHash != "" {
		compoundHash, err = bytesutil.DecodeHexWithLength(req.CompoundHash, 32)
		if err != nil {
			rejectedProofs.WithLabelValues("malformed-compound-hash").Inc()
			return nil, errors.Wrap(ErrInvalid, err.Error())
		}
		if processDigest == nil {
			s.rate.RecordAnomaly(ctx, req.IdentityID, now, "compound hash without process digest")
			rejectedProofs.WithLabelValues("compound-hash-mismatch").Inc()
			return nil, errors.Wrap(ErrInvalid, "compoundHash requires processDigest")
		}
		expected := hash.Hash(append(contentHash[:], processDigest...))
		if !bytes.Equal(expected[:], compoundHash) {
			s.rate.RecordAnomaly(ctx, req.IdentityID, now, "compound hash does not bind content to process digest")
			rejectedProofs.WithLabelValues("compound-hash-mismatch").Inc()
			return nil, errors.Wrap(ErrInvalid, "compoundHash does not equal H(hash || processDigest)")
		}
	}

	// 5. Tier from credentials and declared assistance.
	profile := types.AssistanceProfile(req.Assistance)
	tier, err := s.credentials.TierFor(ctx, req.IdentityID, profile)
	if err != nil {
		return nil, err
	}

	// 6. Persist with the registry's own timestamp and no batch assignment.
	proof := &types.Proof{
		Hash:            contentHash,
		Signature:       sigBytes,
		IdentityID:      req.IdentityID,
		ClientTimestamp: clientTime,
		ServerTimestamp: now,
		ProcessDigest:   processDigest,
		CompoundHash:    compoundHash,
		ProcessMetrics:  metricsCanonical,
		DerivedFrom:     req.DerivedFrom,
		Tier:            tier,
		Assistance:      profile,
	}
	if err := s.db.SaveProof(ctx, proof); err != nil {
		if errors.Is(err, iface.ErrConflict) {
			rejectedProofs.WithLabelValues("duplicate").Inc()
		}
		return nil, err
	}
	s.rate.RecordSuccess(ctx, req.IdentityID, now)
	acceptedProofs.Inc()

	// 7. Wake the batcher.
	if s.batcher != nil {
		s.batcher.NotifyPending()
	}

	// 8. Receipt binds the proof hash, admission time, and this registry.
	cfg := params.RegistryConfigSnapshot()
	receiptMaterial := append(contentHash[:], []byte(now.Format(time.RFC3339Nano))...)
	receiptMaterial = append(receiptMaterial, []byte(cfg.RegistryID)...)
	receipt := &types.Receipt{
		ReceiptHash:     hash.Hash(receiptMaterial),
		ServerTimestamp: now,
		RegistryID:      cfg.RegistryID,
	}
	log.WithFields(logrus.Fields{
		"hash":     req.Hash,
		"identity": req.IdentityID,
		"tier":     tier,
	}).Debug("Accepted proof")
	return receipt, nil
}
