package kv

// The schema defines how registry records are laid out across BoltDB
// buckets. Index buckets hold derived keys pointing back at primary records
// so prefix scans can answer the hot queries (pending proofs in canonical
// order, batches by sealing time, credentials by subject).
var (
	proofsBucket      = []byte("proofs")
	batchesBucket     = []byte("batches")
	anchorsBucket     = []byte("anchors")
	identitiesBucket  = []byte("identities")
	continuityBucket  = []byte("continuity-claims")
	credentialsBucket = []byte("credentials")
	reputationsBucket = []byte("reputations")
	peersBucket       = []byte("peers")
	metadataBucket    = []byte("metadata")

	// Indices buckets.
	pendingProofIndicesBucket      = []byte("pending-proof-indices")
	batchCreationTimeIndicesBucket = []byte("batch-created-indices")
	credentialSubjectIndicesBucket = []byte("credential-subject-indices")

	// Metadata keys.
	attestorKeyPrefix = []byte("attestor-")
	proofCountKey     = []byte("proof-count")
	batchCountKey     = []byte("batch-count")
	latestBatchKey    = []byte("latest-batch")
)
