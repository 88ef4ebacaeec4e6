package rpc

import (
	"crypto/ed25519"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/pohwnet/registry/config/params"
	"github.com/pohwnet/registry/encoding/bytesutil"
	"github.com/pohwnet/registry/registry-node/db/iface"
	"github.com/pohwnet/registry/registry-node/types"
)

type identityResponse struct {
	ID         string               `json:"id"`
	Status     types.IdentityStatus `json:"status"`
	PreviousID string               `json:"previousId,omitempty"`
	Document   didDocumentResponse  `json:"document"`
}

type didDocumentResponse struct {
	ID                  string                       `json:"id"`
	VerificationMethods []verificationMethodResponse `json:"verificationMethod"`
	CreatedAt           time.Time                    `json:"created"`
}

type verificationMethodResponse struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	PublicKey string `json:"publicKeyHex"`
}

func identityFor(identity *types.Identity) *identityResponse {
	methods := make([]verificationMethodResponse, len(identity.Document.VerificationMethods))
	for i, method := range identity.Document.VerificationMethods {
		methods[i] = verificationMethodResponse{
			ID:        method.ID,
			Type:      method.Type,
			PublicKey: bytesutil.ToHexString(method.PublicKey),
		}
	}
	return &identityResponse{
		ID:         identity.ID,
		Status:     identity.Status,
		PreviousID: identity.PreviousID,
		Document: didDocumentResponse{
			ID:                  identity.Document.ID,
			VerificationMethods: methods,
			CreatedAt:           identity.Document.CreatedAt,
		},
	}
}

func (s *Service) didRegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PublicKey string `json:"publicKey"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	pub, err := bytesutil.DecodeHexWithLength(req.PublicKey, ed25519.PublicKeySize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed public key: "+err.Error())
		return
	}
	identity, err := s.cfg.Identity.Generate(r.Context(), pub)
	if err != nil {
		if errors.Is(err, iface.ErrConflict) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, identityFor(identity))
}

func (s *Service) didResolveHandler(w http.ResponseWriter, r *http.Request) {
	identity, err := s.cfg.Identity.Resolve(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, iface.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown identity")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, identityFor(identity))
}

func (s *Service) didRotateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OldID         string `json:"oldId"`
		OldPrivateKey string `json:"oldPrivateKey"`
		NewPrivateKey string `json:"newPrivateKey"`
		LastAnchor    string `json:"lastAnchor,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	oldPriv, err := bytesutil.DecodeHexWithLength(req.OldPrivateKey, ed25519.PrivateKeySize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed old private key: "+err.Error())
		return
	}
	newPriv, err := bytesutil.DecodeHexWithLength(req.NewPrivateKey, ed25519.PrivateKeySize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed new private key: "+err.Error())
		return
	}
	successor, claim, err := s.cfg.Identity.Rotate(r.Context(), req.OldID, oldPriv, newPriv, req.LastAnchor)
	if err != nil {
		if errors.Is(err, iface.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown identity")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"identity": identityFor(successor),
		"continuity": map[string]interface{}{
			"previousId":        claim.PreviousID,
			"newId":             claim.NewID,
			"lastAnchor":        claim.LastAnchor,
			"oldKeySignature":   bytesutil.ToHexString(claim.OldKeySignature),
			"newKeySignature":   bytesutil.ToHexString(claim.NewKeySignature),
			"registryTimestamp": claim.RegistryTimestamp,
		},
	})
}

func (s *Service) didContinuityHandler(w http.ResponseWriter, r *http.Request) {
	chain, err := s.cfg.Identity.ContinuityChain(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, iface.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown identity")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]*identityResponse, len(chain))
	for i, identity := range chain {
		out[i] = identityFor(identity)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"continuity": out})
}

func (s *Service) attestorRegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IdentityID string `json:"identityId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.IdentityID == "" {
		writeError(w, http.StatusBadRequest, "identityId is required")
		return
	}
	if err := s.cfg.Credentials.RegisterAttestor(r.Context(), req.IdentityID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"identityId": req.IdentityID})
}

type credentialResponse struct {
	Hash      string     `json:"hash"`
	SubjectID string     `json:"subjectId"`
	IssuerID  string     `json:"issuerId"`
	Type      string     `json:"type"`
	IssuedAt  time.Time  `json:"issuedAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
	Reason    string     `json:"revocationReason,omitempty"`
}

func credentialFor(credential *types.Credential) *credentialResponse {
	return &credentialResponse{
		Hash:      bytesutil.ToHexString(credential.Hash[:]),
		SubjectID: credential.SubjectID,
		IssuerID:  credential.IssuerID,
		Type:      credential.Type,
		IssuedAt:  credential.IssuedAt,
		ExpiresAt: credential.ExpiresAt,
		Revoked:   credential.Revoked,
		Reason:    credential.Reason,
	}
}

func (s *Service) credentialIssueHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubjectID string     `json:"subjectId"`
		IssuerID  string     `json:"issuerId"`
		Type      string     `json:"type"`
		ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SubjectID == "" || req.IssuerID == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, "subjectId, issuerId and type are required")
		return
	}
	credential, err := s.cfg.Credentials.Issue(r.Context(), req.SubjectID, req.IssuerID, req.Type, req.ExpiresAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, credentialFor(credential))
}

func (s *Service) credentialRevokeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CredentialHash string `json:"credentialHash"`
		Reason         string `json:"reason,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	raw, err := bytesutil.DecodeHexWithLength(req.CredentialHash, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed credential hash: "+err.Error())
		return
	}
	if err := s.cfg.Credentials.Revoke(r.Context(), bytesutil.ToBytes32(raw), req.Reason); err != nil {
		if errors.Is(err, iface.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown credential")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"credentialHash": req.CredentialHash, "status": "revoked"})
}

func (s *Service) credentialListHandler(w http.ResponseWriter, r *http.Request) {
	subjectID := mux.Vars(r)["id"]
	credentials, err := s.cfg.DB.CredentialsForSubject(r.Context(), subjectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]*credentialResponse, len(credentials))
	for i, credential := range credentials {
		out[i] = credentialFor(credential)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"subjectId": subjectID, "credentials": out})
}

// tierVerifyHandler reports the tier the identity's credentials currently
// support, ignoring any declared assistance profile.
func (s *Service) tierVerifyHandler(w http.ResponseWriter, r *http.Request) {
	identityID := mux.Vars(r)["id"]
	tier, err := s.cfg.Credentials.TierFor(r.Context(), identityID, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"identityId": identityID, "tier": tier})
}

func (s *Service) reputationHandler(w http.ResponseWriter, r *http.Request) {
	identityID := mux.Vars(r)["id"]
	rep := s.cfg.Reputation.Snapshot(r.Context(), identityID)
	writeJSON(w, http.StatusOK, rep)
}

func (s *Service) rateLimitHandler(w http.ResponseWriter, r *http.Request) {
	identityID := mux.Vars(r)["id"]
	cfg := params.RegistryConfigSnapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"identityId":  identityID,
		"currentRate": s.cfg.Reputation.CurrentRate(r.Context(), identityID, time.Now().UTC()),
		"cap":         cfg.RateLimitCap,
		"window":      cfg.RateLimitWindow.String(),
	})
}
