package anchor

import (
	"fmt"
	"strings"
)

// Normalized failure reasons surfaced on anchor failure. Every reason maps
// to a remediation hint; raw RPC errors are preserved inside the wrapped
// error for logs.
const (
	ReasonInsufficientFunds = "insufficient-funds"
	ReasonInvalidKey        = "invalid-key"
	ReasonRPCUnreachable    = "rpc-unreachable"
	ReasonRejected          = "rejected-by-network"
	ReasonUnknown           = "unknown"
)

var remediationHints = map[string]string{
	ReasonInsufficientFunds: "fund the configured anchoring address and retry",
	ReasonInvalidKey:        "set a valid private key for this chain in the node configuration",
	ReasonRPCUnreachable:    "check the chain RPC URL and network connectivity",
	ReasonRejected:          "the network rejected the transaction; check fee settings and nonce state",
	ReasonUnknown:           "inspect the node logs for the underlying chain error",
}

// Error is a normalized anchoring failure for one chain. It is returned,
// never panicked, so one chain's failure cannot abort another's.
type Error struct {
	Chain  string
	Reason string
	Hint   string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("anchor failed on %s: %s (%s)", e.Chain, e.Reason, e.Hint)
}

// Unwrap exposes the underlying chain error.
func (e *Error) Unwrap() error {
	return e.Err
}

// newError normalizes err into an anchor Error for the chain.
func newError(chain string, err error) *Error {
	reason := classify(err)
	return &Error{
		Chain:  chain,
		Reason: reason,
		Hint:   remediationHints[reason],
		Err:    err,
	}
}

// classify maps raw chain-client errors onto the normalized taxonomy.
func classify(err error) string {
	if err == nil {
		return ReasonUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds") || strings.Contains(msg, "insufficient balance") ||
		strings.Contains(msg, "no spendable outputs"):
		return ReasonInsufficientFunds
	case strings.Contains(msg, "invalid key") || strings.Contains(msg, "no private key") ||
		strings.Contains(msg, "invalid private key"):
		return ReasonInvalidKey
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "unreachable") ||
		strings.Contains(msg, "eof"):
		return ReasonRPCUnreachable
	case strings.Contains(msg, "rejected") || strings.Contains(msg, "underpriced") ||
		strings.Contains(msg, "nonce") || strings.Contains(msg, "dust") ||
		strings.Contains(msg, "min relay fee"):
		return ReasonRejected
	default:
		return ReasonUnknown
	}
}
