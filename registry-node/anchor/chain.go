// Package anchor commits sealed batch roots to external blockchains. Each
// enabled chain gets one serial worker consuming sealed batches; a separate
// poller promotes pending anchors to confirmed once the transaction lands in
// a block.
package anchor

import (
	"context"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "anchor")

// Chain names persisted on anchor records.
const (
	ChainBitcoin  = "bitcoin"
	ChainEthereum = "ethereum"
)

// payloadVersion is the on-chain payload format version.
const payloadVersion uint16 = 1

// payloadTag prefixes every anchored commitment so scanners can find them.
var payloadTag = []byte("POHW")

// Chain is one blockchain backend. Broadcast publishes a commitment payload
// and returns the transaction hash plus a block-explorer URL; Confirm reports
// whether the transaction has been included and at which height.
type Chain interface {
	Name() string
	Broadcast(ctx context.Context, payload []byte) (txHash, explorerURL string, err error)
	Confirm(ctx context.Context, txHash string) (blockNumber uint64, confirmed bool, err error)
}

// misconfiguredChain stands in for an enabled chain whose backend could not
// be constructed, usually a bad or missing private key. Every broadcast and
// confirmation check fails with the construction error, so anchoring a batch
// records a failed anchor with its normalized reason and remediation hint
// instead of the chain silently not existing.
type misconfiguredChain struct {
	name string
	err  error
}

func (m *misconfiguredChain) Name() string {
	return m.name
}

func (m *misconfiguredChain) Broadcast(_ context.Context, _ []byte) (string, string, error) {
	return "", "", m.err
}

func (m *misconfiguredChain) Confirm(_ context.Context, _ string) (uint64, bool, error) {
	return 0, false, m.err
}

// buildPayload renders a batch root into the anchored byte layout:
// "POHW" || version(2, big endian) || root(32).
func buildPayload(root [32]byte) []byte {
	payload := make([]byte, 0, len(payloadTag)+2+32)
	payload = append(payload, payloadTag...)
	payload = append(payload, byte(payloadVersion>>8), byte(payloadVersion))
	payload = append(payload, root[:]...)
	return payload
}
