// Package credential implements issuance and revocation of human-verification
// credentials and the tier policy derived from them.
package credential

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/pohwnet/registry/crypto/hash"
	"github.com/pohwnet/registry/registry-node/db/iface"
	"github.com/pohwnet/registry/registry-node/types"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "credential")

// PromotionHook adjusts a credential-derived tier based on reputation. The
// default hook is the identity function; promotion rules for bronze, silver
// and gold are not defined by the registry and stay pluggable.
type PromotionHook func(identityID string, tier types.Tier) types.Tier

// Service issues, revokes, and evaluates credentials.
type Service struct {
	db      iface.Database
	promote PromotionHook
}

// NewService creates a credential service. A nil promotion hook leaves the
// credential-derived tier untouched.
func NewService(db iface.Database, promote PromotionHook) *Service {
	if promote == nil {
		promote = func(_ string, tier types.Tier) types.Tier { return tier }
	}
	return &Service{db: db, promote: promote}
}

// Issue creates a credential for subjectID signed off by issuerID. The
// issuer must be an approved attestor.
func (s *Service) Issue(ctx context.Context, subjectID, issuerID, credType string, expiresAt *time.Time) (*types.Credential, error) {
	approved, err := s.db.IsAttestor(ctx, issuerID)
	if err != nil {
		return nil, err
	}
	if !approved {
		return nil, errors.Errorf("issuer %s is not an approved attestor", issuerID)
	}
	now := time.Now().UTC()
	material := []byte(subjectID + "|" + issuerID + "|" + credType + "|" + now.Format(time.RFC3339Nano))
	credential := &types.Credential{
		Hash:      hash.Hash(material),
		SubjectID: subjectID,
		IssuerID:  issuerID,
		Type:      credType,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}
	if err := s.db.SaveCredential(ctx, credential); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"subject": subjectID,
		"issuer":  issuerID,
		"type":    credType,
	}).Info("Issued credential")
	return credential, nil
}

// Revoke marks a credential revoked with the given reason. Revoked
// credentials are retained and stop counting toward tier immediately.
func (s *Service) Revoke(ctx context.Context, credentialHash [32]byte, reason string) error {
	credential, err := s.db.Credential(ctx, credentialHash)
	if err != nil {
		return err
	}
	credential.Revoked = true
	credential.Reason = reason
	if err := s.db.SaveCredential(ctx, credential); err != nil {
		return err
	}
	log.WithField("credential", credential.Hash).Info("Revoked credential")
	return nil
}

// TierFor computes the tier for a proof: a declared AI assistance profile
// always yields purple; otherwise credentials from two or more distinct
// attestor domains yield green, any single valid credential yields blue, and
// no credentials yield grey.
func (s *Service) TierFor(ctx context.Context, identityID string, profile types.AssistanceProfile) (types.Tier, error) {
	if profile.DeclaresAI() {
		return types.TierPurple, nil
	}
	credentials, err := s.db.CredentialsForSubject(ctx, identityID)
	if err != nil {
		return types.TierGrey, err
	}
	now := time.Now().UTC()
	issuers := make(map[string]struct{})
	for _, credential := range credentials {
		if credential.Valid(now) {
			issuers[credential.IssuerID] = struct{}{}
		}
	}
	tier := types.TierGrey
	switch {
	case len(issuers) >= 2:
		tier = types.TierGreen
	case len(issuers) == 1:
		tier = types.TierBlue
	}
	return s.promote(identityID, tier), nil
}

// RegisterAttestor approves an identity as a credential issuer.
func (s *Service) RegisterAttestor(ctx context.Context, identityID string) error {
	return s.db.SaveAttestor(ctx, identityID)
}
