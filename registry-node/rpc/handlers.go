package rpc

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/pohwnet/registry/config/params"
	"github.com/pohwnet/registry/encoding/bytesutil"
	"github.com/pohwnet/registry/registry-node/batcher"
	"github.com/pohwnet/registry/registry-node/db/iface"
	"github.com/pohwnet/registry/registry-node/intake"
	"github.com/pohwnet/registry/registry-node/types"
)

// maxBodyBytes bounds request bodies; process metrics are the largest field.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Error("Could not write response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return false
	}
	return true
}

func hashVar(w http.ResponseWriter, r *http.Request) ([32]byte, bool) {
	raw, err := bytesutil.DecodeHexWithLength(mux.Vars(r)["hash"], 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed hash: "+err.Error())
		return [32]byte{}, false
	}
	return bytesutil.ToBytes32(raw), true
}

type receiptResponse struct {
	ReceiptHash     string    `json:"receiptHash"`
	ServerTimestamp time.Time `json:"serverTimestamp"`
	RegistryID      string    `json:"registryId"`
}

func (s *Service) attestHandler(w http.ResponseWriter, r *http.Request) {
	req := &intake.Request{}
	if !decodeBody(w, r, req) {
		return
	}
	receipt, err := s.cfg.Intake.Attest(r.Context(), req)
	if err != nil {
		var rateErr *intake.RateLimitedError
		switch {
		case errors.As(err, &rateErr):
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":       "rate-limited",
				"reason":      rateErr.Reason,
				"currentRate": rateErr.CurrentRate,
			})
		case errors.Is(err, iface.ErrConflict):
			writeError(w, http.StatusConflict, "already-attested")
		case errors.Is(err, intake.ErrInvalid):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, &receiptResponse{
		ReceiptHash:     bytesutil.ToHexString(receipt.ReceiptHash[:]),
		ServerTimestamp: receipt.ServerTimestamp,
		RegistryID:      receipt.RegistryID,
	})
}

type inclusionResponse struct {
	BatchID    string   `json:"batchId"`
	MerkleRoot string   `json:"merkleRoot"`
	LeafIndex  uint64   `json:"leafIndex"`
	Siblings   []string `json:"siblings"`
}

func inclusionFor(batch *types.Batch, siblings [][]byte, leafIndex uint64) *inclusionResponse {
	hexSiblings := make([]string, len(siblings))
	for i, sibling := range siblings {
		hexSiblings[i] = bytesutil.ToHexString(sibling)
	}
	return &inclusionResponse{
		BatchID:    batch.ID,
		MerkleRoot: bytesutil.ToHexString(batch.MerkleRoot[:]),
		LeafIndex:  leafIndex,
		Siblings:   hexSiblings,
	}
}

func (s *Service) verifyHandler(w http.ResponseWriter, r *http.Request) {
	contentHash, ok := hashVar(w, r)
	if !ok {
		return
	}
	proof, err := s.cfg.DB.Proof(r.Context(), contentHash)
	if errors.Is(err, iface.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"valid": false,
			"error": "unknown hash",
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]interface{}{
		"valid":           true,
		"hash":            bytesutil.ToHexString(proof.Hash[:]),
		"identity":        proof.IdentityID,
		"tier":            proof.Tier,
		"serverTimestamp": proof.ServerTimestamp,
		"batched":         proof.Batched(),
	}
	if proof.Batched() {
		batch, siblings, leafIndex, perr := batcher.InclusionProof(r.Context(), s.cfg.DB, contentHash)
		if perr != nil {
			writeError(w, http.StatusInternalServerError, perr.Error())
			return
		}
		resp["inclusionProof"] = inclusionFor(batch, siblings, leafIndex)
	}
	writeJSON(w, http.StatusOK, resp)
}

type anchorResponse struct {
	Chain       string             `json:"chain"`
	TxHash      string             `json:"tx"`
	Status      types.AnchorStatus `json:"status"`
	BlockNumber uint64             `json:"blockNumber,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
	ExplorerURL string             `json:"explorerUrl,omitempty"`
	Error       string             `json:"error,omitempty"`
}

func anchorsFor(anchors []*types.Anchor) []*anchorResponse {
	out := make([]*anchorResponse, len(anchors))
	for i, anchor := range anchors {
		out[i] = &anchorResponse{
			Chain:       anchor.Chain,
			TxHash:      anchor.TxHash,
			Status:      anchor.Status,
			BlockNumber: anchor.BlockNumber,
			Timestamp:   anchor.Timestamp,
			ExplorerURL: anchor.ExplorerURL,
			Error:       anchor.Error,
		}
	}
	return out
}

func (s *Service) proofHandler(w http.ResponseWriter, r *http.Request) {
	contentHash, ok := hashVar(w, r)
	if !ok {
		return
	}
	proof, err := s.cfg.DB.Proof(r.Context(), contentHash)
	if errors.Is(err, iface.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown hash")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]interface{}{
		"hash":    bytesutil.ToHexString(proof.Hash[:]),
		"batched": proof.Batched(),
	}
	if proof.Batched() {
		batch, siblings, leafIndex, perr := batcher.InclusionProof(r.Context(), s.cfg.DB, contentHash)
		if perr != nil {
			writeError(w, http.StatusInternalServerError, perr.Error())
			return
		}
		resp["inclusionProof"] = inclusionFor(batch, siblings, leafIndex)
		anchors, aerr := s.cfg.DB.AnchorsForBatch(r.Context(), batch.ID)
		if aerr != nil {
			writeError(w, http.StatusInternalServerError, aerr.Error())
			return
		}
		resp["anchors"] = anchorsFor(anchors)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) claimHandler(w http.ResponseWriter, r *http.Request) {
	contentHash, ok := hashVar(w, r)
	if !ok {
		return
	}
	doc, err := s.cfg.Composer.Compose(r.Context(), contentHash)
	if errors.Is(err, iface.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown hash")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Service) batchCreateHandler(w http.ResponseWriter, r *http.Request) {
	batch, err := s.cfg.Batcher.SealNow(r.Context())
	if err != nil {
		if strings.Contains(err.Error(), "no pending proofs") {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"batchId":    batch.ID,
		"merkleRoot": bytesutil.ToHexString(batch.MerkleRoot[:]),
		"size":       batch.Size,
		"createdAt":  batch.CreatedAt,
	})
}

func (s *Service) batchAnchorHandler(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["batchId"]
	if s.cfg.Anchor == nil {
		writeError(w, http.StatusServiceUnavailable, "anchoring is not configured")
		return
	}
	anchors, err := s.cfg.Anchor.AnchorBatch(r.Context(), batchID)
	if errors.Is(err, iface.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown batch")
		return
	}
	if err != nil {
		if strings.Contains(err.Error(), "no anchoring chains") {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batchId": batchID,
		"anchors": anchorsFor(anchors),
	})
}

func (s *Service) batchAnchorsHandler(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["batchId"]
	if _, err := s.cfg.DB.Batch(r.Context(), batchID); err != nil {
		if errors.Is(err, iface.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown batch")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	anchors, err := s.cfg.DB.AnchorsForBatch(r.Context(), batchID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batchId": batchID,
		"anchors": anchorsFor(anchors),
	})
}

func (s *Service) statusHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := params.RegistryConfigSnapshot()
	proofCount, err := s.cfg.DB.ProofCount(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	batchCount, err := s.cfg.DB.BatchCount(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	pending, err := s.cfg.DB.PendingProofs(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]interface{}{
		"registryId":     cfg.RegistryID,
		"total_proofs":   proofCount,
		"total_batches":  batchCount,
		"pending_proofs": len(pending),
	}
	if s.cfg.Reputation != nil {
		resp["submissions_per_second"] = s.cfg.Reputation.GlobalRate()
	}
	if latest, lerr := s.cfg.DB.LatestBatch(ctx); lerr == nil {
		resp["latest_batch"] = map[string]interface{}{
			"batchId":    latest.ID,
			"merkleRoot": bytesutil.ToHexString(latest.MerkleRoot[:]),
			"createdAt":  latest.CreatedAt,
		}
	}
	if peers, perr := s.cfg.DB.Peers(ctx); perr == nil {
		resp["peers"] = len(peers)
	}
	writeJSON(w, http.StatusOK, resp)
}

// federationIndexHandler serves the machine-readable federation descriptor.
// The created field is the latest authentic (batch) timestamp, never the
// wall clock.
func (s *Service) federationIndexHandler(w http.ResponseWriter, r *http.Request) {
	cfg := params.RegistryConfigSnapshot()
	resp := map[string]interface{}{
		"registryId": cfg.RegistryID,
		"protocol":   "pohw/1",
		"endpoints": map[string]string{
			"attest": "/pohw/attest",
			"verify": "/pohw/verify/{hash}",
			"claim":  "/pohw/claim/{hash}",
			"sync":   "/pohw/sync/merkle-root",
		},
	}
	if latest, err := s.cfg.DB.LatestBatch(r.Context()); err == nil {
		resp["created"] = latest.CreatedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
