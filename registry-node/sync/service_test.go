package sync

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	logTest "github.com/sirupsen/logrus/hooks/test"

	"github.com/pohwnet/registry/config/params"
	"github.com/pohwnet/registry/crypto/hash"
	"github.com/pohwnet/registry/registry-node/db/iface"
	"github.com/pohwnet/registry/registry-node/db/kv"
	"github.com/pohwnet/registry/registry-node/types"
	"github.com/pohwnet/registry/testing/assert"
	"github.com/pohwnet/registry/testing/require"
)

type stubPeer struct {
	root      *RootResponse
	rootErr   error
	batches   []*types.Batch
	proofs    map[string][]*types.Proof
	rootCalls int32
}

func (p *stubPeer) LatestRoot(_ context.Context) (*RootResponse, error) {
	atomic.AddInt32(&p.rootCalls, 1)
	return p.root, p.rootErr
}

func (p *stubPeer) BatchesSince(_ context.Context, _ time.Time) ([]*types.Batch, error) {
	return p.batches, nil
}

func (p *stubPeer) BatchProofs(_ context.Context, batchID string) ([]*types.Proof, error) {
	return p.proofs[batchID], nil
}

func stubClient(t *testing.T, stub *stubPeer) {
	prev := newClient
	newClient = func(_ string) peerClient { return stub }
	t.Cleanup(func() {
		newClient = prev
	})
}

func setupSync(t *testing.T) (*Service, *kv.Store) {
	params.SetupTestConfigCleanup(t)
	params.OverrideRegistryConfig(params.DefaultRegistryConfig())
	db, err := kv.NewKVStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	svc := NewService(context.Background(), db)
	t.Cleanup(func() {
		require.NoError(t, svc.Stop())
	})
	return svc, db
}

func remoteBatch(id string, leaves ...[32]byte) *types.Batch {
	return &types.Batch{
		ID:         id,
		MerkleRoot: hash.Hash([]byte(id)),
		Size:       uint64(len(leaves)),
		Leaves:     leaves,
		CreatedAt:  time.Now().UTC(),
	}
}

func remoteProof(seed string) *types.Proof {
	return &types.Proof{
		Hash:            hash.Hash([]byte(seed)),
		Signature:       []byte{9},
		IdentityID:      "did:pohw:remote",
		ServerTimestamp: time.Now().UTC(),
		Tier:            types.TierGrey,
		BatchID:         "remote-batch",
	}
}

func TestParsePeer(t *testing.T) {
	registryID, endpoint, err := parsePeer("pohw-eu=https://eu.example.org")
	require.NoError(t, err)
	assert.Equal(t, "pohw-eu", registryID)
	assert.Equal(t, "https://eu.example.org", endpoint)

	// The endpoint may itself contain '='.
	_, endpoint, err = parsePeer("p=https://x.org/?a=b")
	require.NoError(t, err)
	assert.Equal(t, "https://x.org/?a=b", endpoint)

	for _, bad := range []string{"", "justtext", "=endpoint", "id="} {
		_, _, err := parsePeer(bad)
		require.NotNil(t, err, "seed %q accepted", bad)
	}
}

func TestAddPeer(t *testing.T) {
	svc, db := setupSync(t)
	ctx := context.Background()

	require.NoError(t, svc.AddPeer(ctx, "pohw-eu", "https://eu.example.org"))
	peers, err := db.Peers(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, len(peers))

	err = svc.AddPeer(ctx, "", "https://x.org")
	require.NotNil(t, err)
	err = svc.AddPeer(ctx, "pohw-eu", "")
	require.NotNil(t, err)

	// The node refuses to peer with its own registry id.
	err = svc.AddPeer(ctx, params.RegistryConfigSnapshot().RegistryID, "https://me.example.org")
	require.NotNil(t, err)
	assert.Equal(t, true, strings.Contains(err.Error(), "self"))
}

func TestAddPeer_PreservesSyncState(t *testing.T) {
	svc, db := setupSync(t)
	ctx := context.Background()
	seen := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, db.SavePeer(ctx, &types.Peer{
		RegistryID: "pohw-eu",
		Endpoint:   "https://old.example.org",
		LastSeen:   seen,
		LastRoot:   []byte("0xroot"),
	}))

	require.NoError(t, svc.AddPeer(ctx, "pohw-eu", "https://new.example.org"))
	peers, err := db.Peers(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, len(peers))
	assert.Equal(t, "https://new.example.org", peers[0].Endpoint)
	assert.Equal(t, seen, peers[0].LastSeen)
	assert.Equal(t, "0xroot", string(peers[0].LastRoot))
}

func TestSyncNow_ImportsBatchesAndProofs(t *testing.T) {
	svc, db := setupSync(t)
	ctx := context.Background()

	proofA := remoteProof("remote-work-a")
	proofB := remoteProof("remote-work-b")
	batch := remoteBatch("remote-batch", proofA.Hash, proofB.Hash)
	stubClient(t, &stubPeer{
		root:    &RootResponse{RegistryID: "pohw-eu", BatchID: batch.ID, MerkleRoot: "0xnew"},
		batches: []*types.Batch{batch},
		proofs:  map[string][]*types.Proof{batch.ID: {proofA, proofB}},
	})
	require.NoError(t, svc.AddPeer(ctx, "pohw-eu", "https://eu.example.org"))

	require.NoError(t, svc.SyncNow(ctx))

	// Imported records carry the source registry tag.
	got, err := db.Batch(ctx, "remote-batch")
	require.NoError(t, err)
	assert.Equal(t, "pohw-eu", got.SourceRegistry)
	imported, err := db.Proof(ctx, proofA.Hash)
	require.NoError(t, err)
	assert.Equal(t, "pohw-eu", imported.SourceRegistry)
	assert.Equal(t, true, imported.Batched())

	// Imported batches never become this registry's latest.
	_, err = db.LatestBatch(ctx)
	require.Equal(t, true, errors.Is(err, iface.ErrNotFound))

	// The peer's sync state advanced.
	peers, err := db.Peers(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, len(peers))
	assert.Equal(t, "0xnew", string(peers[0].LastRoot))
	assert.Equal(t, false, peers[0].LastSeen.IsZero())
}

func TestSyncNow_LogsSkippedDuplicateProofs(t *testing.T) {
	svc, db := setupSync(t)
	ctx := context.Background()
	hook := logTest.NewGlobal()
	prevLevel := logrus.GetLevel()
	logrus.SetLevel(logrus.DebugLevel)
	t.Cleanup(func() {
		logrus.SetLevel(prevLevel)
	})

	// One of the peer's proofs was already attested locally.
	local := remoteProof("remote-work-a")
	local.SourceRegistry = ""
	local.BatchID = ""
	require.NoError(t, db.SaveProof(ctx, local))

	proofA := remoteProof("remote-work-a")
	proofB := remoteProof("remote-work-b")
	batch := remoteBatch("remote-batch", proofA.Hash, proofB.Hash)
	stubClient(t, &stubPeer{
		root:    &RootResponse{RegistryID: "pohw-eu", BatchID: batch.ID, MerkleRoot: "0xnew"},
		batches: []*types.Batch{batch},
		proofs:  map[string][]*types.Proof{batch.ID: {proofA, proofB}},
	})
	require.NoError(t, svc.AddPeer(ctx, "pohw-eu", "https://eu.example.org"))

	require.NoError(t, svc.SyncNow(ctx))

	assert.LogsContain(t, hook, "Skipping proof already attested locally")

	// The local record was not overwritten by the peer's copy.
	kept, err := db.Proof(ctx, local.Hash)
	require.NoError(t, err)
	assert.Equal(t, "", kept.SourceRegistry)
}

func TestSyncNow_SkipsUnchangedRoot(t *testing.T) {
	svc, db := setupSync(t)
	ctx := context.Background()
	stub := &stubPeer{
		root:    &RootResponse{RegistryID: "pohw-eu", MerkleRoot: "0xsame"},
		batches: []*types.Batch{remoteBatch("should-not-import")},
	}
	stubClient(t, stub)
	require.NoError(t, db.SavePeer(ctx, &types.Peer{
		RegistryID: "pohw-eu",
		Endpoint:   "https://eu.example.org",
		LastSeen:   time.Now().UTC().Add(-time.Hour),
		LastRoot:   []byte("0xsame"),
	}))

	require.NoError(t, svc.SyncNow(ctx))
	_, err := db.Batch(ctx, "should-not-import")
	require.Equal(t, true, errors.Is(err, iface.ErrNotFound))
}

func TestSyncNow_ConflictKeepsLocal(t *testing.T) {
	svc, db := setupSync(t)
	ctx := context.Background()

	local := remoteBatch("batch-1")
	local.MerkleRoot = hash.Hash([]byte("local root"))
	require.NoError(t, db.SaveBatch(ctx, local))

	conflicting := remoteBatch("batch-1")
	conflicting.MerkleRoot = hash.Hash([]byte("remote root"))
	stubClient(t, &stubPeer{
		root:    &RootResponse{RegistryID: "pohw-eu", MerkleRoot: "0xother"},
		batches: []*types.Batch{conflicting},
		proofs:  map[string][]*types.Proof{},
	})
	require.NoError(t, svc.AddPeer(ctx, "pohw-eu", "https://eu.example.org"))

	require.NoError(t, svc.SyncNow(ctx))

	got, err := db.Batch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, hash.Hash([]byte("local root")), got.MerkleRoot)
	assert.Equal(t, "", got.SourceRegistry)
}

func TestSyncNow_PeerFailureDoesNotAbortOthers(t *testing.T) {
	svc, _ := setupSync(t)
	ctx := context.Background()
	stub := &stubPeer{rootErr: errors.New("connection refused")}
	stubClient(t, stub)
	require.NoError(t, svc.AddPeer(ctx, "pohw-eu", "https://eu.example.org"))
	require.NoError(t, svc.AddPeer(ctx, "pohw-us", "https://us.example.org"))

	err := svc.SyncNow(ctx)
	require.NotNil(t, err)
	// Both peers were attempted despite the failure.
	assert.Equal(t, int32(2), atomic.LoadInt32(&stub.rootCalls))
}
