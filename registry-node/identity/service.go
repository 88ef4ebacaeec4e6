// Package identity implements the registry's decentralized identifier
// service: DID generation, resolution, key rotation, and the key continuity
// graph linking rotated identities to their successors.
package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/pohwnet/registry/crypto/hash"
	"github.com/pohwnet/registry/encoding/bytesutil"
	"github.com/pohwnet/registry/registry-node/db/iface"
	"github.com/pohwnet/registry/registry-node/types"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "identity")

// DIDMethod is the registry's DID method name.
const DIDMethod = "pohw"

const (
	resolveCacheTTL     = 5 * time.Minute
	resolveCachePurge   = 10 * time.Minute
	verificationKeyType = "Ed25519VerificationKey2020"
)

// Service manages identities and their continuity chains. All state lives in
// the store; the service adds derivation, signature checks, and a resolution
// cache.
type Service struct {
	db    iface.Database
	cache *gocache.Cache
}

// NewService creates an identity service backed by the given store.
func NewService(db iface.Database) *Service {
	return &Service{
		db:    db,
		cache: gocache.New(resolveCacheTTL, resolveCachePurge),
	}
}

// DIDFromPublicKey derives the method-specific id deterministically from the
// first public key: the hex of the leading 20 bytes of its sha256 digest.
func DIDFromPublicKey(pub ed25519.PublicKey) string {
	digest := hash.Hash(pub)
	return "did:" + DIDMethod + ":" + hex.EncodeToString(digest[:20])
}

// ValidDID reports whether s is a well-formed did:<method>:<id> string.
func ValidDID(s string) bool {
	parts := strings.SplitN(s, ":", 3)
	return len(parts) == 3 && parts[0] == "did" && parts[1] != "" && parts[2] != ""
}

// Generate registers a new active identity for a public key and returns the
// identity with its DID document.
func (s *Service) Generate(ctx context.Context, pub ed25519.PublicKey) (*types.Identity, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, errors.Errorf("public key is %d bytes, expected %d", len(pub), ed25519.PublicKeySize)
	}
	id := DIDFromPublicKey(pub)
	if _, err := s.db.Identity(ctx, id); err == nil {
		return nil, errors.Wrapf(iface.ErrConflict, "identity %s already registered", id)
	}
	now := time.Now().UTC()
	identity := &types.Identity{
		ID: id,
		Document: types.DIDDocument{
			ID: id,
			VerificationMethods: []types.VerificationMethod{
				{
					ID:        id + "#key-1",
					Type:      verificationKeyType,
					PublicKey: bytesutil.SafeCopyBytes(pub),
				},
			},
			CreatedAt: now,
		},
		Status: types.IdentityActive,
	}
	if err := s.db.SaveIdentity(ctx, identity); err != nil {
		return nil, err
	}
	log.WithField("did", id).Info("Registered identity")
	return identity, nil
}

// Resolve returns the identity record for a DID.
func (s *Service) Resolve(ctx context.Context, id string) (*types.Identity, error) {
	if cached, ok := s.cache.Get(id); ok {
		return cached.(*types.Identity), nil
	}
	identity, err := s.db.Identity(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.SetDefault(id, identity)
	return identity, nil
}

// rotationMessage is the canonical tuple both keys must sign for a rotation
// to be accepted.
func rotationMessage(oldPub, newPub ed25519.PublicKey, lastAnchor string, ts time.Time) [32]byte {
	msg := append([]byte{}, oldPub...)
	msg = append(msg, newPub...)
	msg = append(msg, []byte(lastAnchor)...)
	msg = append(msg, []byte(ts.UTC().Format(time.RFC3339))...)
	return hash.Hash(msg)
}

// Rotate retires the identified key in favor of a new one, producing the
// bilateral continuity claim. Both private keys must be present: the old key
// proves control of the retiring identity, the new key accepts the
// succession. Stored state is only touched after both signatures verify.
func (s *Service) Rotate(
	ctx context.Context,
	oldID string,
	oldPriv ed25519.PrivateKey,
	newPriv ed25519.PrivateKey,
	lastAnchor string,
) (*types.Identity, *types.ContinuityClaim, error) {
	if len(oldPriv) != ed25519.PrivateKeySize {
		return nil, nil, errors.New("rotation requires the old private key")
	}
	if len(newPriv) != ed25519.PrivateKeySize {
		return nil, nil, errors.New("rotation requires the new private key")
	}
	old, err := s.db.Identity(ctx, oldID)
	if err != nil {
		return nil, nil, err
	}
	if old.Status != types.IdentityActive {
		return nil, nil, errors.Errorf("identity %s is %s, only the active head can rotate", oldID, old.Status)
	}
	oldPub, ok := oldPriv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, nil, errors.New("invalid old private key")
	}
	if len(old.Document.VerificationMethods) == 0 ||
		!oldPub.Equal(ed25519.PublicKey(old.Document.VerificationMethods[0].PublicKey)) {
		return nil, nil, errors.Errorf("old private key does not control %s", oldID)
	}
	newPub, ok := newPriv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, nil, errors.New("invalid new private key")
	}

	ts := time.Now().UTC()
	msg := rotationMessage(oldPub, newPub, lastAnchor, ts)
	claim := &types.ContinuityClaim{
		PreviousID:        oldID,
		NewID:             DIDFromPublicKey(newPub),
		ParentReference:   oldID,
		LastAnchor:        lastAnchor,
		OldKeySignature:   ed25519.Sign(oldPriv, msg[:]),
		NewKeySignature:   ed25519.Sign(newPriv, msg[:]),
		RegistryTimestamp: ts,
	}
	if err := VerifyContinuityClaim(claim, oldPub, newPub); err != nil {
		return nil, nil, err
	}

	successor := &types.Identity{
		ID: claim.NewID,
		Document: types.DIDDocument{
			ID: claim.NewID,
			VerificationMethods: []types.VerificationMethod{
				{
					ID:        claim.NewID + "#key-1",
					Type:      verificationKeyType,
					PublicKey: bytesutil.SafeCopyBytes(newPub),
				},
			},
			CreatedAt: ts,
		},
		Status:     types.IdentityActive,
		PreviousID: oldID,
	}
	if err := s.db.SaveIdentity(ctx, successor); err != nil {
		return nil, nil, err
	}
	if err := s.db.SaveContinuityClaim(ctx, claim); err != nil {
		return nil, nil, err
	}
	old.Status = types.IdentityRotated
	if err := s.db.SaveIdentity(ctx, old); err != nil {
		return nil, nil, err
	}
	s.cache.Delete(oldID)
	log.WithFields(logrus.Fields{
		"old": oldID,
		"new": claim.NewID,
	}).Info("Rotated identity")
	return successor, claim, nil
}

// VerifyContinuityClaim checks both signatures of a rotation edge against
// the canonical tuple. Absence of either signature forbids the rotation.
func VerifyContinuityClaim(claim *types.ContinuityClaim, oldPub, newPub ed25519.PublicKey) error {
	if len(claim.OldKeySignature) == 0 || len(claim.NewKeySignature) == 0 {
		return errors.New("continuity claim requires signatures from both keys")
	}
	msg := rotationMessage(oldPub, newPub, claim.LastAnchor, claim.RegistryTimestamp)
	if !ed25519.Verify(oldPub, msg[:], claim.OldKeySignature) {
		return errors.New("old key signature does not verify")
	}
	if !ed25519.Verify(newPub, msg[:], claim.NewKeySignature) {
		return errors.New("new key signature does not verify")
	}
	return nil
}

// ContinuityChain walks the key continuity graph from the given identity's
// root to the chain head, oldest first.
func (s *Service) ContinuityChain(ctx context.Context, id string) ([]*types.Identity, error) {
	identity, err := s.db.Identity(ctx, id)
	if err != nil {
		return nil, err
	}
	// Walk back to the root.
	root := identity
	for root.PreviousID != "" {
		prev, err := s.db.Identity(ctx, root.PreviousID)
		if err != nil {
			return nil, errors.Wrapf(err, "broken continuity chain at %s", root.PreviousID)
		}
		root = prev
	}
	// Walk forward to the head via continuity claims.
	chain := []*types.Identity{root}
	current := root
	for {
		claims, err := s.db.ContinuityClaims(ctx, current.ID)
		if err != nil {
			return nil, err
		}
		if len(claims) == 0 {
			break
		}
		next, err := s.db.Identity(ctx, claims[0].NewID)
		if err != nil {
			return nil, errors.Wrapf(err, "broken continuity chain at %s", claims[0].NewID)
		}
		chain = append(chain, next)
		current = next
	}
	return chain, nil
}
