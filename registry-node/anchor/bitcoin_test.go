package anchor

import (
	"bytes"
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"github.com/pohwnet/registry/config/params"
	"github.com/pohwnet/registry/crypto/hash"
	"github.com/pohwnet/registry/testing/assert"
	"github.com/pohwnet/registry/testing/require"
)

const testBitcoinKey = "1111111111111111111111111111111111111111111111111111111111111111"

type fakeUTXOSource struct {
	utxos     []UTXO
	utxoErr   error
	feeRate   int64
	feeErr    error
	broadcast string
	bcastErr  error
	rawTxHex  string
	height    uint64
	confirmed bool
}

func (f *fakeUTXOSource) ListUnspent(_ context.Context, _ string) ([]UTXO, error) {
	return f.utxos, f.utxoErr
}

func (f *fakeUTXOSource) FeeRate(_ context.Context) (int64, error) {
	return f.feeRate, f.feeErr
}

func (f *fakeUTXOSource) BroadcastTx(_ context.Context, rawTxHex string) (string, error) {
	f.rawTxHex = rawTxHex
	return f.broadcast, f.bcastErr
}

func (f *fakeUTXOSource) TxStatus(_ context.Context, _ string) (uint64, bool, error) {
	return f.height, f.confirmed, nil
}

func fastRetries(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	cfg := params.DefaultRegistryConfig()
	cfg.MaxRetries = 0
	params.OverrideRegistryConfig(cfg)
}

func testUTXO(seed byte, value int64) UTXO {
	var h chainhash.Hash
	copy(h[:], bytes.Repeat([]byte{seed}, chainhash.HashSize))
	return UTXO{TxHash: h, Vout: 0, Value: value}
}

func TestNewBitcoinChain_KeyDecoding(t *testing.T) {
	// Raw hex, with and without 0x prefix.
	for _, key := range []string{testBitcoinKey, "0x" + testBitcoinKey} {
		chain, err := NewBitcoinChain("http://localhost", "testnet", key, &fakeUTXOSource{})
		require.NoError(t, err)
		assert.Equal(t, true, strings.HasPrefix(chain.Address(), "tb1"))
	}

	// Mainnet derives a different address encoding from the same key.
	chain, err := NewBitcoinChain("http://localhost", "mainnet", testBitcoinKey, &fakeUTXOSource{})
	require.NoError(t, err)
	assert.Equal(t, true, strings.HasPrefix(chain.Address(), "bc1"))

	for _, key := range []string{"", "zz", "0x1234"} {
		_, err := NewBitcoinChain("http://localhost", "testnet", key, &fakeUTXOSource{})
		require.NotNil(t, err)
		assert.Equal(t, ReasonInvalidKey, classify(err))
	}
}

func TestBitcoinBroadcast(t *testing.T) {
	fastRetries(t)
	source := &fakeUTXOSource{
		utxos:     []UTXO{testUTXO(1, 2_000), testUTXO(2, 60_000)},
		feeRate:   10,
		broadcast: "deadbeef",
	}
	chain, err := NewBitcoinChain("http://localhost", "testnet", testBitcoinKey, source)
	require.NoError(t, err)

	payload := buildPayload(hash.Hash([]byte("root")))
	txid, explorerURL, err := chain.Broadcast(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", txid)
	assert.Equal(t, "https://blockstream.info/testnet/tx/deadbeef", explorerURL)

	// Decode what was broadcast: the first output is a zero-value OP_RETURN
	// carrying the payload, funded from the largest UTXO with signed witness.
	raw, err := hex.DecodeString(source.rawTxHex)
	require.NoError(t, err)
	tx := wire.NewMsgTx(wire.TxVersion)
	require.NoError(t, tx.Deserialize(bytes.NewReader(raw)))
	require.Equal(t, 1, len(tx.TxIn))
	assert.Equal(t, testUTXO(2, 60_000).TxHash, tx.TxIn[0].PreviousOutPoint.Hash)
	assert.NotEqual(t, 0, len(tx.TxIn[0].Witness))
	require.Equal(t, 2, len(tx.TxOut))
	assert.Equal(t, int64(0), tx.TxOut[0].Value)
	assert.Equal(t, true, bytes.Contains(tx.TxOut[0].PkScript, payload))
	// Change goes back above the dust limit.
	assert.Equal(t, true, tx.TxOut[1].Value > dustLimit)
	assert.Equal(t, int64(60_000), tx.TxOut[1].Value+estimateFee(10, 1, len(tx.TxOut[0].PkScript)).Int64())
}

func TestBitcoinBroadcast_InsufficientFunds(t *testing.T) {
	fastRetries(t)
	chain, err := NewBitcoinChain("http://localhost", "testnet", testBitcoinKey, &fakeUTXOSource{feeRate: 10})
	require.NoError(t, err)

	_, _, err = chain.Broadcast(context.Background(), buildPayload([32]byte{1}))
	require.NotNil(t, err)
	assert.Equal(t, ReasonInsufficientFunds, classify(err))

	// A balance below the fee is also insufficient, not a signing error.
	poor := &fakeUTXOSource{utxos: []UTXO{testUTXO(1, 50)}, feeRate: 10}
	chain, err = NewBitcoinChain("http://localhost", "testnet", testBitcoinKey, poor)
	require.NoError(t, err)
	_, _, err = chain.Broadcast(context.Background(), buildPayload([32]byte{1}))
	require.NotNil(t, err)
	assert.Equal(t, ReasonInsufficientFunds, classify(err))
}

func TestBitcoinBroadcast_FeeEstimateFallback(t *testing.T) {
	fastRetries(t)
	source := &fakeUTXOSource{
		utxos:     []UTXO{testUTXO(1, 100_000)},
		feeErr:    errors.New("no usable fee estimate"),
		broadcast: "cafe",
	}
	chain, err := NewBitcoinChain("http://localhost", "testnet", testBitcoinKey, source)
	require.NoError(t, err)

	payload := buildPayload([32]byte{1})
	_, _, err = chain.Broadcast(context.Background(), payload)
	require.NoError(t, err)

	raw, err := hex.DecodeString(source.rawTxHex)
	require.NoError(t, err)
	tx := wire.NewMsgTx(wire.TxVersion)
	require.NoError(t, tx.Deserialize(bytes.NewReader(raw)))
	require.Equal(t, 2, len(tx.TxOut))
	fee := 100_000 - tx.TxOut[1].Value
	expected := estimateFee(defaultFeeRateTestnet, 1, len(tx.TxOut[0].PkScript)).Int64()
	assert.Equal(t, expected, fee)
}

func TestEstimateFee(t *testing.T) {
	// One P2WPKH input, OP_RETURN of 40 script bytes, one change output.
	assert.Equal(t, int64(10*(11+68+31+9+40)), estimateFee(10, 1, 40).Int64())
	// Fee scales linearly with input count.
	delta := estimateFee(10, 3, 40).Int64() - estimateFee(10, 2, 40).Int64()
	assert.Equal(t, int64(680), delta)
}

func TestBitcoinConfirm(t *testing.T) {
	source := &fakeUTXOSource{height: 2_500_000, confirmed: true}
	chain, err := NewBitcoinChain("http://localhost", "testnet", testBitcoinKey, source)
	require.NoError(t, err)

	height, confirmed, err := chain.Confirm(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, true, confirmed)
	assert.Equal(t, uint64(2_500_000), height)
}
