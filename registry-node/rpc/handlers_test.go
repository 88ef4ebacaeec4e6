package rpc

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/pohwnet/registry/config/params"
	"github.com/pohwnet/registry/crypto/hash"
	"github.com/pohwnet/registry/registry-node/batcher"
	"github.com/pohwnet/registry/registry-node/claim"
	"github.com/pohwnet/registry/registry-node/credential"
	"github.com/pohwnet/registry/registry-node/db/iface"
	"github.com/pohwnet/registry/registry-node/db/kv"
	"github.com/pohwnet/registry/registry-node/identity"
	"github.com/pohwnet/registry/registry-node/intake"
	"github.com/pohwnet/registry/registry-node/reputation"
	regsync "github.com/pohwnet/registry/registry-node/sync"
	"github.com/pohwnet/registry/registry-node/types"
	"github.com/pohwnet/registry/testing/assert"
	"github.com/pohwnet/registry/testing/require"
)

type fakeAnchorer struct {
	anchors []*types.Anchor
	err     error
}

func (f *fakeAnchorer) AnchorBatch(_ context.Context, batchID string) ([]*types.Anchor, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.anchors, nil
}

type apiFixture struct {
	svc     *Service
	db      *kv.Store
	batcher *batcher.Service
	anchor  *fakeAnchorer
}

func setupAPI(t *testing.T) *apiFixture {
	params.SetupTestConfigCleanup(t)
	cfg := params.DefaultRegistryConfig()
	cfg.MinInterval = 0
	params.OverrideRegistryConfig(cfg)

	db, err := kv.NewKVStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	engine := reputation.NewEngine(db)
	credentialSvc := credential.NewService(db, nil)
	batcherSvc := batcher.NewService(context.Background(), db)
	t.Cleanup(func() {
		require.NoError(t, batcherSvc.Stop())
	})
	syncSvc := regsync.NewService(context.Background(), db)
	t.Cleanup(func() {
		require.NoError(t, syncSvc.Stop())
	})
	anchorer := &fakeAnchorer{}
	svc := NewService(context.Background(), &Config{
		Host:           "127.0.0.1",
		Port:           "0",
		AllowedOrigins: []string{"*"},
		DB:             db,
		Intake:         intake.NewService(db, engine, credentialSvc, batcherSvc),
		Batcher:        batcherSvc,
		Anchor:         anchorer,
		Identity:       identity.NewService(db),
		Credentials:    credentialSvc,
		Reputation:     engine,
		Composer:       claim.NewComposer(db),
		Peers:          syncSvc,
	})
	return &apiFixture{svc: svc, db: db, batcher: batcherSvc, anchor: anchorer}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.svc.Router().ServeHTTP(rec, req)
	out := map[string]interface{}{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	}
	return rec, out
}

func attestBody(seed string) map[string]interface{} {
	contentHash := hash.Hash([]byte(seed))
	return map[string]interface{}{
		"hash":            "0x" + hex.EncodeToString(contentHash[:]),
		"signature":       "0x" + strings.Repeat("cd", 64),
		"identityId":      "did:pohw:alice",
		"clientTimestamp": time.Now().UTC().Format(time.RFC3339),
	}
}

func TestAttestEndpoint(t *testing.T) {
	f := setupAPI(t)

	rec, body := f.do(t, http.MethodPost, "/pohw/attest", attestBody("work-1"))
	require.Equal(t, http.StatusCreated, rec.Code, "body: %v", body)
	assert.Equal(t, "pohw-registry", body["registryId"])
	assert.Equal(t, true, strings.HasPrefix(body["receiptHash"].(string), "0x"))

	// Resubmission of the same hash conflicts.
	rec, body = f.do(t, http.MethodPost, "/pohw/attest", attestBody("work-1"))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already-attested", body["error"])

	// Malformed submissions are 400s.
	bad := attestBody("work-2")
	bad["hash"] = "0x1234"
	rec, _ = f.do(t, http.MethodPost, "/pohw/attest", bad)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAttestEndpoint_RateLimited(t *testing.T) {
	f := setupAPI(t)
	cfg := params.DefaultRegistryConfig()
	cfg.RateLimitCap = 1
	cfg.MinInterval = 0
	params.OverrideRegistryConfig(cfg)

	rec, _ := f.do(t, http.MethodPost, "/pohw/attest", attestBody("work-1"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body := f.do(t, http.MethodPost, "/pohw/attest", attestBody("work-2"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate-limited", body["error"])
	assert.Equal(t, reputation.ReasonWindowCap, body["reason"])
	assert.Equal(t, float64(1), body["currentRate"])
}

func TestVerifyEndpoint(t *testing.T) {
	f := setupAPI(t)
	contentHash := hash.Hash([]byte("work-1"))
	hexHash := "0x" + hex.EncodeToString(contentHash[:])

	// Unknown hash: not an error page, a negative verification.
	rec, body := f.do(t, http.MethodGet, "/pohw/verify/"+hexHash, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, body["valid"])

	rec, _ = f.do(t, http.MethodPost, "/pohw/attest", attestBody("work-1"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/pohw/verify/"+hexHash, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, false, body["batched"])
	assert.Equal(t, "did:pohw:alice", body["identity"])

	// Once sealed, verification carries the inclusion proof.
	_, sealErr := f.batcher.SealNow(context.Background())
	require.NoError(t, sealErr)
	rec, body = f.do(t, http.MethodGet, "/pohw/verify/"+hexHash, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["batched"])
	inclusion, ok := body["inclusionProof"].(map[string]interface{})
	require.Equal(t, true, ok)
	assert.NotEqual(t, "", inclusion["merkleRoot"])
}

func TestVerifyIndexRoutePrecedence(t *testing.T) {
	f := setupAPI(t)
	// index.json must not be captured by the {hash} route.
	rec, body := f.do(t, http.MethodGet, "/pohw/verify/index.json", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pohw-registry", body["registryId"])
	assert.Equal(t, "pohw/1", body["protocol"])
}

func TestClaimEndpoint(t *testing.T) {
	f := setupAPI(t)
	contentHash := hash.Hash([]byte("work-1"))
	hexHash := "0x" + hex.EncodeToString(contentHash[:])

	rec, _ := f.do(t, http.MethodGet, "/pohw/claim/"+hexHash, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/pohw/attest", attestBody("work-1"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body := f.do(t, http.MethodGet, "/pohw/claim/"+hexHash, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, claim.Context, body["@context"])
	assert.Equal(t, claim.DocumentType, body["type"])
	assert.Equal(t, true, body["provisional"])
}

func TestBatchEndpoints(t *testing.T) {
	f := setupAPI(t)

	// Nothing pending yet.
	rec, _ := f.do(t, http.MethodPost, "/pohw/batch/create", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/pohw/attest", attestBody("work-1"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body := f.do(t, http.MethodPost, "/pohw/batch/create", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	batchID := body["batchId"].(string)
	assert.Equal(t, float64(1), body["size"])

	// Anchor listing for the new batch is empty but well-formed.
	rec, body = f.do(t, http.MethodGet, "/pohw/batch/"+batchID+"/anchors", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, batchID, body["batchId"])

	rec, _ = f.do(t, http.MethodGet, "/pohw/batch/no-such-batch/anchors", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBatchAnchorEndpoint(t *testing.T) {
	f := setupAPI(t)
	f.anchor.err = errors.Wrap(iface.ErrNotFound, "no batch")
	rec, _ := f.do(t, http.MethodPost, "/pohw/batch/anchor/no-such-batch", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	f.anchor.err = errors.New("no anchoring chains configured")
	rec, _ = f.do(t, http.MethodPost, "/pohw/batch/anchor/batch-1", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	f.anchor.err = nil
	f.anchor.anchors = []*types.Anchor{{
		BatchID: "batch-1", Chain: "bitcoin", TxHash: "tx-1",
		Timestamp: time.Now().UTC(), Status: types.AnchorPending,
	}}
	rec, body := f.do(t, http.MethodPost, "/pohw/batch/anchor/batch-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	anchors := body["anchors"].([]interface{})
	require.Equal(t, 1, len(anchors))
	assert.Equal(t, "tx-1", anchors[0].(map[string]interface{})["tx"])
}

func TestStatusEndpoint(t *testing.T) {
	f := setupAPI(t)
	rec, _ := f.do(t, http.MethodPost, "/pohw/attest", attestBody("work-1"))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec, _ = f.do(t, http.MethodPost, "/pohw/attest", attestBody("work-2"))
	require.Equal(t, http.StatusCreated, rec.Code)
	_, err := f.batcher.SealNow(context.Background())
	require.NoError(t, err)
	rec, _ = f.do(t, http.MethodPost, "/pohw/attest", attestBody("work-3"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body := f.do(t, http.MethodGet, "/pohw/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pohw-registry", body["registryId"])
	assert.Equal(t, float64(3), body["total_proofs"])
	assert.Equal(t, float64(1), body["total_batches"])
	assert.Equal(t, float64(1), body["pending_proofs"])
	_, hasLatest := body["latest_batch"]
	assert.Equal(t, true, hasLatest)
}

func TestDIDEndpoints(t *testing.T) {
	f := setupAPI(t)
	oldPub, oldPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, newPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	rec, body := f.do(t, http.MethodPost, "/pohw/did/register", map[string]string{
		"publicKey": "0x" + hex.EncodeToString(oldPub),
	})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %v", body)
	did := body["id"].(string)
	assert.Equal(t, true, strings.HasPrefix(did, "did:pohw:"))

	// Duplicate registration conflicts.
	rec, _ = f.do(t, http.MethodPost, "/pohw/did/register", map[string]string{
		"publicKey": "0x" + hex.EncodeToString(oldPub),
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/pohw/did/resolve/"+did, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(types.IdentityActive), body["status"])

	rec, _ = f.do(t, http.MethodGet, "/pohw/did/resolve/did:pohw:unknown", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = f.do(t, http.MethodPost, "/pohw/did/rotate", map[string]string{
		"oldId":         did,
		"oldPrivateKey": "0x" + hex.EncodeToString(oldPriv),
		"newPrivateKey": "0x" + hex.EncodeToString(newPriv),
		"lastAnchor":    "batch-9",
	})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %v", body)
	successor := body["identity"].(map[string]interface{})
	continuity := body["continuity"].(map[string]interface{})
	assert.Equal(t, did, successor["previousId"])
	assert.Equal(t, did, continuity["previousId"])
	assert.Equal(t, "batch-9", continuity["lastAnchor"])
	assert.Equal(t, true, strings.HasPrefix(continuity["oldKeySignature"].(string), "0x"))

	// The continuity chain is walkable from either end.
	newID := successor["id"].(string)
	for _, start := range []string{did, newID} {
		rec, body = f.do(t, http.MethodGet, "/pohw/did/continuity/"+start, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		chain := body["continuity"].([]interface{})
		require.Equal(t, 2, len(chain))
		assert.Equal(t, did, chain[0].(map[string]interface{})["id"])
		assert.Equal(t, newID, chain[1].(map[string]interface{})["id"])
	}
}

func TestCredentialEndpoints(t *testing.T) {
	f := setupAPI(t)

	rec, _ := f.do(t, http.MethodPost, "/pohw/attestors/register", map[string]string{
		"identityId": "did:pohw:attestor",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Issuing from a non-attestor is rejected.
	rec, _ = f.do(t, http.MethodPost, "/pohw/attestors/issue", map[string]string{
		"subjectId": "did:pohw:alice", "issuerId": "did:pohw:mallory", "type": "basic-human",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := f.do(t, http.MethodPost, "/pohw/attestors/issue", map[string]string{
		"subjectId": "did:pohw:alice", "issuerId": "did:pohw:attestor", "type": "basic-human",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	credentialHash := body["hash"].(string)

	rec, body = f.do(t, http.MethodGet, "/pohw/attestors/verify/did:pohw:alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(types.TierBlue), body["tier"])

	rec, body = f.do(t, http.MethodGet, "/pohw/attestors/credentials/did:pohw:alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, len(body["credentials"].([]interface{})))

	rec, _ = f.do(t, http.MethodPost, "/pohw/attestors/revoke", map[string]string{
		"credentialHash": credentialHash, "reason": "issued in error",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/pohw/attestors/verify/did:pohw:alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(types.TierGrey), body["tier"])
}

func TestReputationAndRateLimitEndpoints(t *testing.T) {
	f := setupAPI(t)
	rec, _ := f.do(t, http.MethodPost, "/pohw/attest", attestBody("work-1"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body := f.do(t, http.MethodGet, "/pohw/reputation/did:pohw:alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "did:pohw:alice", body["identityId"])
	assert.Equal(t, float64(51), body["score"])

	rec, body = f.do(t, http.MethodGet, "/pohw/rate-limit/did:pohw:alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["currentRate"])
	assert.Equal(t, float64(60), body["cap"])
	assert.Equal(t, "1m0s", body["window"])
}

func TestSyncEndpoints(t *testing.T) {
	f := setupAPI(t)

	// Empty registry: no root yet.
	rec, body := f.do(t, http.MethodGet, "/pohw/sync/merkle-root", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), body["batchCount"])
	_, hasRoot := body["merkleRoot"]
	assert.Equal(t, false, hasRoot)

	rec, _ = f.do(t, http.MethodPost, "/pohw/attest", attestBody("work-1"))
	require.Equal(t, http.StatusCreated, rec.Code)
	batch, err := f.batcher.SealNow(context.Background())
	require.NoError(t, err)

	rec, body = f.do(t, http.MethodGet, "/pohw/sync/merkle-root", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, batch.ID, body["batchId"])
	assert.Equal(t, float64(1), body["batchCount"])

	rec, body = f.do(t, http.MethodGet, "/pohw/sync/batches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, len(body["batches"].([]interface{})))

	rec, _ = f.do(t, http.MethodGet, "/pohw/sync/batches?since=garbage", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/pohw/sync/proofs?batch="+batch.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, len(body["proofs"].([]interface{})))

	rec, _ = f.do(t, http.MethodGet, "/pohw/sync/proofs", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/pohw/sync/proofs?batch=unknown", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncExcludesImportedBatches(t *testing.T) {
	f := setupAPI(t)
	ctx := context.Background()
	imported := &types.Batch{
		ID:             "peer-batch",
		MerkleRoot:     hash.Hash([]byte("peer root")),
		CreatedAt:      time.Now().UTC(),
		SourceRegistry: "pohw-eu",
	}
	require.NoError(t, f.db.SaveBatch(ctx, imported))

	// Imported records are never re-exported to other peers.
	rec, body := f.do(t, http.MethodGet, "/pohw/sync/batches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, len(body["batches"].([]interface{})))
}

func TestSyncAddPeerEndpoint(t *testing.T) {
	f := setupAPI(t)

	rec, _ := f.do(t, http.MethodPost, "/pohw/sync/peers", map[string]string{
		"registryId": "pohw-eu", "endpoint": "https://eu.example.org",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body := f.do(t, http.MethodGet, "/pohw/sync/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	peers := body["peers"].([]interface{})
	require.Equal(t, 1, len(peers))
	assert.Equal(t, "pohw-eu", peers[0].(map[string]interface{})["registryId"])

	// Self-peering and incomplete bodies are rejected.
	rec, _ = f.do(t, http.MethodPost, "/pohw/sync/peers", map[string]string{
		"registryId": "pohw-registry", "endpoint": "https://me.example.org",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = f.do(t, http.MethodPost, "/pohw/sync/peers", map[string]string{
		"registryId": "pohw-us",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	f := setupAPI(t)
	rec, body := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}
