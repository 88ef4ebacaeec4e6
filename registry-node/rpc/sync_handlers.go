package rpc

import (
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/pohwnet/registry/config/params"
	"github.com/pohwnet/registry/encoding/bytesutil"
	"github.com/pohwnet/registry/registry-node/db/iface"
	regsync "github.com/pohwnet/registry/registry-node/sync"
	"github.com/pohwnet/registry/registry-node/types"
)

// syncRootHandler serves this registry's latest sealed root to peers.
func (s *Service) syncRootHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := params.RegistryConfigSnapshot()
	batchCount, err := s.cfg.DB.BatchCount(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := &regsync.RootResponse{
		RegistryID: cfg.RegistryID,
		BatchCount: batchCount,
	}
	latest, err := s.cfg.DB.LatestBatch(ctx)
	if err != nil && !errors.Is(err, iface.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if latest != nil {
		resp.BatchID = latest.ID
		resp.MerkleRoot = bytesutil.ToHexString(latest.MerkleRoot[:])
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) syncBatchesHandler(w http.ResponseWriter, r *http.Request) {
	// Zero means everything; the index key space starts at the epoch.
	since := time.Unix(0, 0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed since: "+err.Error())
			return
		}
		since = parsed
	}
	batches, err := s.cfg.DB.BatchesSince(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Peers must not re-export records they imported from elsewhere.
	local := make([]*types.Batch, 0, len(batches))
	for _, batch := range batches {
		if batch.SourceRegistry == "" {
			local = append(local, batch)
		}
	}
	writeJSON(w, http.StatusOK, &regsync.BatchesResponse{
		RegistryID: params.RegistryConfigSnapshot().RegistryID,
		Batches:    local,
	})
}

func (s *Service) syncProofsHandler(w http.ResponseWriter, r *http.Request) {
	batchID := r.URL.Query().Get("batch")
	if batchID == "" {
		writeError(w, http.StatusBadRequest, "batch query parameter is required")
		return
	}
	batch, err := s.cfg.DB.Batch(r.Context(), batchID)
	if errors.Is(err, iface.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown batch")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	proofs := make([]*types.Proof, 0, len(batch.Leaves))
	for _, leaf := range batch.Leaves {
		proof, perr := s.cfg.DB.Proof(r.Context(), leaf)
		if perr != nil {
			writeError(w, http.StatusInternalServerError, perr.Error())
			return
		}
		proofs = append(proofs, proof)
	}
	writeJSON(w, http.StatusOK, &regsync.ProofsResponse{
		RegistryID: params.RegistryConfigSnapshot().RegistryID,
		BatchID:    batchID,
		Proofs:     proofs,
	})
}

func (s *Service) syncStatusHandler(w http.ResponseWriter, r *http.Request) {
	peers, err := s.cfg.DB.Peers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]interface{}, len(peers))
	for i, peer := range peers {
		entry := map[string]interface{}{
			"registryId": peer.RegistryID,
			"endpoint":   peer.Endpoint,
		}
		if peer.Region != "" {
			entry["region"] = peer.Region
		}
		if !peer.LastSeen.IsZero() {
			entry["lastSeen"] = peer.LastSeen
		}
		if len(peer.LastRoot) > 0 {
			entry["lastRoot"] = string(peer.LastRoot)
		}
		out[i] = entry
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"registryId": params.RegistryConfigSnapshot().RegistryID,
		"peers":      out,
	})
}

func (s *Service) syncAddPeerHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RegistryID string `json:"registryId"`
		Endpoint   string `json:"endpoint"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if s.cfg.Peers == nil {
		writeError(w, http.StatusServiceUnavailable, "federation sync is not running")
		return
	}
	if err := s.cfg.Peers.AddPeer(r.Context(), req.RegistryID, req.Endpoint); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"registryId": req.RegistryID,
		"endpoint":   req.Endpoint,
	})
}
