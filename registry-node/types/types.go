// Package types defines the record types persisted and exchanged by the
// registry node. Records reference each other by id only; a proof stores its
// batch id and a batch stores its leaf hashes, never pointers.
package types

import (
	"time"
)

// Tier is the coarse trust label attached to a proof, derived from the
// submitting identity's credentials and declared assistance profile.
type Tier string

// Known tiers. Bronze, silver and gold are reserved for reputation-driven
// promotion and are never assigned by the credential service itself.
const (
	TierGrey   Tier = "grey"
	TierBlue   Tier = "blue"
	TierGreen  Tier = "green"
	TierPurple Tier = "purple"
	TierBronze Tier = "bronze"
	TierSilver Tier = "silver"
	TierGold   Tier = "gold"
)

// AssistanceProfile labels the degree of AI involvement declared for a work.
type AssistanceProfile string

// Recognized assistance profiles.
const (
	AssistanceHumanOnly   AssistanceProfile = "human-only"
	AssistanceAIAssisted  AssistanceProfile = "AI-assisted"
	AssistanceAIGenerated AssistanceProfile = "AI-generated"
)

// DeclaresAI reports whether the profile declares any AI involvement.
func (p AssistanceProfile) DeclaresAI() bool {
	return p == AssistanceAIAssisted || p == AssistanceAIGenerated
}

// DerivedFrom is a tagged union over the two accepted derivation forms: a
// flat source identifier, or a structured reference into a source work.
// Exactly one form is populated per entry.
type DerivedFrom struct {
	// Source is the flat form: an opaque source identifier.
	Source string `json:"source,omitempty"`
	// Structured form fields.
	Text       string    `json:"text,omitempty"`
	SourceRef  string    `json:"sourceRef,omitempty"`
	SourceType string    `json:"sourceType,omitempty"` // pohw-hash | url | doi
	Position   *Position `json:"position,omitempty"`
}

// Position locates a derived span inside the attested content.
type Position struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// SourceID returns the source identifier regardless of which form is set.
func (d *DerivedFrom) SourceID() string {
	if d.Source != "" {
		return d.Source
	}
	return d.SourceRef
}

// Structured reports whether the entry carries the structured form.
func (d *DerivedFrom) Structured() bool {
	return d.Source == "" && d.SourceRef != ""
}

// Proof is a signed claim that an identity authored the content identified
// by Hash. BatchID and LeafIndex are zero until the batcher seals the proof
// into a batch, after which the record is never mutated.
type Proof struct {
	Hash            [32]byte          `json:"hash"`
	Signature       []byte            `json:"signature"`
	IdentityID      string            `json:"identityId"`
	ClientTimestamp time.Time         `json:"clientTimestamp"`
	ServerTimestamp time.Time         `json:"serverTimestamp"`
	ProcessDigest   []byte            `json:"processDigest,omitempty"`
	CompoundHash    []byte            `json:"compoundHash,omitempty"`
	ProcessMetrics  []byte            `json:"processMetrics,omitempty"` // canonical JSON
	DerivedFrom     []DerivedFrom     `json:"derivedFrom,omitempty"`
	Tier            Tier              `json:"tier"`
	Assistance      AssistanceProfile `json:"assistanceProfile,omitempty"`
	BatchID         string            `json:"batchId,omitempty"`
	LeafIndex       uint64            `json:"leafIndex"`
	SourceRegistry  string            `json:"sourceRegistry,omitempty"`
}

// Batched reports whether the proof has been sealed into a batch.
func (p *Proof) Batched() bool {
	return p.BatchID != ""
}

// Batch is a sealed, ordered set of proof hashes with its Merkle root.
// Leaves are frozen at sealing time and the root is a pure function of them.
type Batch struct {
	ID             string     `json:"batchId"`
	MerkleRoot     [32]byte   `json:"merkleRoot"`
	Size           uint64     `json:"size"`
	Leaves         [][32]byte `json:"leaves"`
	CreatedAt      time.Time  `json:"createdAt"`
	SourceRegistry string     `json:"sourceRegistry,omitempty"`
}

// AnchorStatus tracks the lifecycle of an on-chain commitment.
type AnchorStatus string

// Anchor statuses. An anchor only ever moves pending->confirmed or
// pending->failed; failed attempts are retained for audit.
const (
	AnchorPending   AnchorStatus = "pending"
	AnchorConfirmed AnchorStatus = "confirmed"
	AnchorFailed    AnchorStatus = "failed"
)

// Anchor records one on-chain commitment attempt for a batch root.
type Anchor struct {
	BatchID     string       `json:"batchId"`
	Chain       string       `json:"chain"`
	TxHash      string       `json:"txHash"`
	BlockNumber uint64       `json:"blockNumber,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
	Status      AnchorStatus `json:"status"`
	Error       string       `json:"error,omitempty"`
	ExplorerURL string       `json:"explorerUrl,omitempty"`
}

// IdentityStatus tracks an identity's position in its continuity chain.
type IdentityStatus string

// Identity statuses.
const (
	IdentityActive  IdentityStatus = "active"
	IdentityRotated IdentityStatus = "rotated"
	IdentityRevoked IdentityStatus = "revoked"
)

// VerificationMethod is a public key entry in a DID document.
type VerificationMethod struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	PublicKey []byte `json:"publicKeyMultibase"`
}

// DIDDocument carries the resolvable public key material for an identity.
type DIDDocument struct {
	ID                  string               `json:"id"`
	VerificationMethods []VerificationMethod `json:"verificationMethod"`
	CreatedAt           time.Time            `json:"created"`
}

// Identity is a decentralized identifier plus its document and rotation
// state. Rotations form a single-parent chain; only the head is active.
type Identity struct {
	ID         string         `json:"id"`
	Document   DIDDocument    `json:"document"`
	Status     IdentityStatus `json:"status"`
	PreviousID string         `json:"previousId,omitempty"`
}

// ContinuityClaim is the bilateral edge between a rotated identity and its
// successor. Both signatures cover the same canonical tuple; absence of
// either forbids the rotation.
type ContinuityClaim struct {
	PreviousID        string    `json:"previousId"`
	NewID             string    `json:"newId"`
	ParentReference   string    `json:"parentReference"`
	LastAnchor        string    `json:"lastAnchor,omitempty"`
	OldKeySignature   []byte    `json:"oldKeySignature"`
	NewKeySignature   []byte    `json:"newKeySignature"`
	RegistryTimestamp time.Time `json:"registryTimestamp"`
}

// Credential is a human-verification credential issued by an attestor.
type Credential struct {
	Hash      [32]byte   `json:"hash"`
	SubjectID string     `json:"subjectId"`
	IssuerID  string     `json:"issuerId"`
	Type      string     `json:"type"`
	IssuedAt  time.Time  `json:"issuedAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
	Reason    string     `json:"revocationReason,omitempty"`
}

// Valid reports whether the credential counts toward tiering at the given time.
func (c *Credential) Valid(now time.Time) bool {
	if c.Revoked {
		return false
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return false
	}
	return true
}

// AnomalyEntry is one time-tagged entry in an identity's anomaly log.
type AnomalyEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Reputation is the behavioral record kept per identity by the rate engine.
type Reputation struct {
	IdentityID   string         `json:"identityId"`
	Score        float64        `json:"score"`
	Tier         Tier           `json:"tier"`
	SuccessCount uint64         `json:"successCount"`
	FailureCount uint64         `json:"failureCount"`
	LastActivity time.Time      `json:"lastActivity"`
	AnomalyLog   []AnomalyEntry `json:"anomalyLog,omitempty"`
}

// Peer is a remote registry participating in federation sync.
type Peer struct {
	RegistryID string    `json:"registryId"`
	Endpoint   string    `json:"endpoint"`
	Region     string    `json:"region,omitempty"`
	LastSeen   time.Time `json:"lastSeen,omitempty"`
	LastRoot   []byte    `json:"lastRoot,omitempty"`
}

// Receipt is returned to a client on successful attestation.
type Receipt struct {
	ReceiptHash     [32]byte  `json:"receiptHash"`
	ServerTimestamp time.Time `json:"serverTimestamp"`
	RegistryID      string    `json:"registryId"`
}
