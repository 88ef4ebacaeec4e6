// Package rpc exposes the registry's HTTP API: attestation intake,
// verification and claims, batch and anchor management, DID and credential
// operations, reputation inspection, and the federation sync surface.
package rpc

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/pohwnet/registry/registry-node/claim"
	"github.com/pohwnet/registry/registry-node/credential"
	"github.com/pohwnet/registry/registry-node/db/iface"
	"github.com/pohwnet/registry/registry-node/identity"
	"github.com/pohwnet/registry/registry-node/intake"
	"github.com/pohwnet/registry/registry-node/reputation"
	"github.com/pohwnet/registry/registry-node/types"
)

var log = logrus.WithField("prefix", "rpc")

// Attester admits proof submissions, normally the intake service.
type Attester interface {
	Attest(ctx context.Context, req *intake.Request) (*types.Receipt, error)
}

// Sealer cuts batches on demand, normally the batcher service.
type Sealer interface {
	SealNow(ctx context.Context) (*types.Batch, error)
}

// Anchorer anchors sealed batches on demand, normally the anchor service.
type Anchorer interface {
	AnchorBatch(ctx context.Context, batchID string) ([]*types.Anchor, error)
}

// PeerManager registers federation peers, normally the sync service.
type PeerManager interface {
	AddPeer(ctx context.Context, registryID, endpoint string) error
}

// Config wires the API server to its collaborators.
type Config struct {
	Host           string
	Port           string
	AllowedOrigins []string
	DB             iface.Database
	Intake         Attester
	Batcher        Sealer
	Anchor         Anchorer
	Identity       *identity.Service
	Credentials    *credential.Service
	Reputation     *reputation.Engine
	Composer       *claim.Composer
	Peers          PeerManager
}

// Service is the HTTP API server.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *Config
	server *http.Server
	// startErr is set when the listener fails, surfaced via Status.
	startErr error
}

// NewService creates the API server. Routes are registered immediately;
// listening starts on Start.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	s := &Service{ctx: ctx, cancel: cancel, cfg: cfg}

	router := mux.NewRouter()
	s.registerRoutes(router)

	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler(router)

	s.server = &http.Server{
		Addr:              cfg.Host + ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Service) registerRoutes(router *mux.Router) {
	// Attestation and verification.
	router.HandleFunc("/pohw/attest", s.attestHandler).Methods(http.MethodPost)
	// index.json must be registered ahead of the {hash} route to win the match.
	router.HandleFunc("/pohw/verify/index.json", s.federationIndexHandler).Methods(http.MethodGet)
	router.HandleFunc("/pohw/verify/{hash}", s.verifyHandler).Methods(http.MethodGet)
	router.HandleFunc("/pohw/proof/{hash}", s.proofHandler).Methods(http.MethodGet)
	router.HandleFunc("/pohw/claim/{hash}", s.claimHandler).Methods(http.MethodGet)

	// Batches and anchors.
	router.HandleFunc("/pohw/batch/create", s.batchCreateHandler).Methods(http.MethodPost)
	router.HandleFunc("/pohw/batch/anchor/{batchId}", s.batchAnchorHandler).Methods(http.MethodPost)
	router.HandleFunc("/pohw/batch/{batchId}/anchors", s.batchAnchorsHandler).Methods(http.MethodGet)

	// Registry summary.
	router.HandleFunc("/pohw/status", s.statusHandler).Methods(http.MethodGet)
	router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)

	// Identity.
	router.HandleFunc("/pohw/did/register", s.didRegisterHandler).Methods(http.MethodPost)
	router.HandleFunc("/pohw/did/rotate", s.didRotateHandler).Methods(http.MethodPost)
	router.HandleFunc("/pohw/did/resolve/{id}", s.didResolveHandler).Methods(http.MethodGet)
	router.HandleFunc("/pohw/did/continuity/{id}", s.didContinuityHandler).Methods(http.MethodGet)

	// Credentials and attestors.
	router.HandleFunc("/pohw/attestors/register", s.attestorRegisterHandler).Methods(http.MethodPost)
	router.HandleFunc("/pohw/attestors/issue", s.credentialIssueHandler).Methods(http.MethodPost)
	router.HandleFunc("/pohw/attestors/revoke", s.credentialRevokeHandler).Methods(http.MethodPost)
	router.HandleFunc("/pohw/attestors/credentials/{id}", s.credentialListHandler).Methods(http.MethodGet)
	router.HandleFunc("/pohw/attestors/verify/{id}", s.tierVerifyHandler).Methods(http.MethodGet)

	// Reputation and rate limiting.
	router.HandleFunc("/pohw/reputation/{id}", s.reputationHandler).Methods(http.MethodGet)
	router.HandleFunc("/pohw/rate-limit/{id}", s.rateLimitHandler).Methods(http.MethodGet)

	// Federation sync.
	router.HandleFunc("/pohw/sync/merkle-root", s.syncRootHandler).Methods(http.MethodGet)
	router.HandleFunc("/pohw/sync/batches", s.syncBatchesHandler).Methods(http.MethodGet)
	router.HandleFunc("/pohw/sync/proofs", s.syncProofsHandler).Methods(http.MethodGet)
	router.HandleFunc("/pohw/sync/status", s.syncStatusHandler).Methods(http.MethodGet)
	router.HandleFunc("/pohw/sync/peers", s.syncAddPeerHandler).Methods(http.MethodPost)
}

// Router returns the configured handler, used by tests to exercise routes
// without a listener.
func (s *Service) Router() http.Handler {
	return s.server.Handler
}

// Start begins serving. The listener runs until Stop.
func (s *Service) Start() {
	log.WithField("address", s.server.Addr).Info("Starting HTTP API")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.startErr = err
			log.WithError(err).Error("HTTP API listener failed")
		}
	}()
}

// Stop shuts the server down, draining in-flight requests briefly.
func (s *Service) Stop() error {
	s.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// Status surfaces a failed listener.
func (s *Service) Status() error {
	return s.startErr
}
