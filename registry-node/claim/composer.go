// Package claim composes portable provenance documents for attested works.
// A claim bundles everything a third party needs to verify a proof offline:
// the proof record, its Merkle inclusion path, and any confirmed on-chain
// anchors of the batch root.
package claim

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pohwnet/registry/config/params"
	"github.com/pohwnet/registry/encoding/bytesutil"
	"github.com/pohwnet/registry/registry-node/batcher"
	"github.com/pohwnet/registry/registry-node/db/iface"
	"github.com/pohwnet/registry/registry-node/types"
)

var log = logrus.WithField("prefix", "claim")

// Context is the JSON-LD context identifier of provenance claims.
const Context = "https://pohw.net/ns/provenance/v1"

// DocumentType is the JSON-LD type of provenance claims.
const DocumentType = "ProofOfHumanWork"

// MerkleProof is the inclusion path from a leaf to its batch root. Sibling
// order is bottom-up; the side of each sibling follows from the leaf index
// bits.
type MerkleProof struct {
	BatchID    string   `json:"batchId"`
	MerkleRoot string   `json:"merkleRoot"`
	LeafIndex  uint64   `json:"leafIndex"`
	Siblings   []string `json:"siblings"`
}

// AnchorRef points a verifier at one confirmed on-chain commitment.
type AnchorRef struct {
	Chain       string `json:"chain"`
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	ExplorerURL string `json:"explorerUrl,omitempty"`
}

// Document is the portable provenance claim for one attested work.
type Document struct {
	LDContext          string              `json:"@context"`
	Type               string              `json:"type"`
	ContentHash        string              `json:"contentHash"`
	Identity           string              `json:"identity"`
	Tier               types.Tier          `json:"tier"`
	AssistanceProfile  string              `json:"assistanceProfile,omitempty"`
	RegistryID         string              `json:"registryId"`
	SourceRegistry     string              `json:"sourceRegistry,omitempty"`
	AuthenticTimestamp time.Time           `json:"authenticTimestamp"`
	Provisional        bool                `json:"provisional,omitempty"`
	ProcessDigest      string              `json:"processDigest,omitempty"`
	CompoundHash       string              `json:"compoundHash,omitempty"`
	DerivedFrom        []string            `json:"derivedFrom,omitempty"`
	DerivedFromDetail  []types.DerivedFrom `json:"derivedFromDetail,omitempty"`
	MerkleProof        *MerkleProof        `json:"merkleProof,omitempty"`
	Anchors            []AnchorRef         `json:"anchors,omitempty"`
}

// Composer assembles provenance documents from the store.
type Composer struct {
	db iface.ReadOnlyDatabase
}

// NewComposer creates a claim composer over db.
func NewComposer(db iface.ReadOnlyDatabase) *Composer {
	return &Composer{db: db}
}

// Compose builds the provenance document for a content hash. An unbatched
// proof yields a provisional claim carrying the registry's admission time
// and no inclusion proof; once sealed, the authentic timestamp is the batch
// sealing time.
func (c *Composer) Compose(ctx context.Context, contentHash [32]byte) (*Document, error) {
	proof, err := c.db.Proof(ctx, contentHash)
	if err != nil {
		return nil, err
	}
	doc := &Document{
		LDContext:         Context,
		Type:              DocumentType,
		ContentHash:       bytesutil.ToHexString(proof.Hash[:]),
		Identity:          proof.IdentityID,
		Tier:              proof.Tier,
		AssistanceProfile: string(proof.Assistance),
		RegistryID:        params.RegistryConfigSnapshot().RegistryID,
		SourceRegistry:    proof.SourceRegistry,
	}
	if len(proof.ProcessDigest) > 0 {
		doc.ProcessDigest = bytesutil.ToHexString(proof.ProcessDigest)
	}
	if len(proof.CompoundHash) > 0 {
		doc.CompoundHash = bytesutil.ToHexString(proof.CompoundHash)
	}
	for i := range proof.DerivedFrom {
		entry := proof.DerivedFrom[i]
		if id := entry.SourceID(); id != "" {
			doc.DerivedFrom = append(doc.DerivedFrom, id)
		}
		if entry.Structured() {
			doc.DerivedFromDetail = append(doc.DerivedFromDetail, entry)
		}
	}

	if !proof.Batched() {
		doc.AuthenticTimestamp = proof.ServerTimestamp
		doc.Provisional = true
		return doc, nil
	}

	batch, siblings, leafIndex, err := batcher.InclusionProof(ctx, c.db, contentHash)
	if err != nil {
		return nil, errors.Wrap(err, "could not build inclusion proof")
	}
	doc.AuthenticTimestamp = batch.CreatedAt
	hexSiblings := make([]string, len(siblings))
	for i, sibling := range siblings {
		hexSiblings[i] = bytesutil.ToHexString(sibling)
	}
	doc.MerkleProof = &MerkleProof{
		BatchID:    batch.ID,
		MerkleRoot: bytesutil.ToHexString(batch.MerkleRoot[:]),
		LeafIndex:  leafIndex,
		Siblings:   hexSiblings,
	}

	anchors, err := c.db.AnchorsForBatch(ctx, batch.ID)
	if err != nil {
		log.WithError(err).WithField("batch", batch.ID).Warn("Could not load anchors for claim")
		return doc, nil
	}
	for _, anchor := range anchors {
		if anchor.Status != types.AnchorConfirmed {
			continue
		}
		doc.Anchors = append(doc.Anchors, AnchorRef{
			Chain:       anchor.Chain,
			TxHash:      anchor.TxHash,
			BlockNumber: anchor.BlockNumber,
			ExplorerURL: anchor.ExplorerURL,
		})
	}
	return doc, nil
}
