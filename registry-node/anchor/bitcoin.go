package anchor

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
)

// Fee rate floors used when the endpoint offers no estimate, in sat/vB.
const (
	defaultFeeRateTestnet = 10
	defaultFeeRateMainnet = 20
)

// dustLimit is the minimum change value worth creating; smaller change is
// folded into the fee.
const dustLimit = 546

// UTXO is one spendable output of the anchoring address.
type UTXO struct {
	TxHash chainhash.Hash
	Vout   uint32
	Value  int64 // satoshis
}

// UTXOSource abstracts the Bitcoin endpoint the chain talks to: unspent
// lookup, fee estimation, broadcast, and confirmation status.
type UTXOSource interface {
	ListUnspent(ctx context.Context, address string) ([]UTXO, error)
	FeeRate(ctx context.Context) (int64, error)
	BroadcastTx(ctx context.Context, rawTxHex string) (string, error)
	TxStatus(ctx context.Context, txid string) (blockHeight uint64, confirmed bool, err error)
}

// BitcoinChain anchors roots in zero-value OP_RETURN outputs funded from the
// configured key's P2WPKH address.
type BitcoinChain struct {
	netParams *chaincfg.Params
	network   string
	key       *btcec.PrivateKey
	address   btcutil.Address
	pkScript  []byte
	source    UTXOSource
}

// NewBitcoinChain builds the Bitcoin backend. The key is accepted as WIF or
// raw hex; the funding address is the key's P2WPKH address. source defaults
// to an esplora-style HTTP client against endpoint when nil.
func NewBitcoinChain(endpoint, network, privKey string, source UTXOSource) (*BitcoinChain, error) {
	netParams := &chaincfg.TestNet3Params
	if network == "mainnet" {
		netParams = &chaincfg.MainNetParams
	}
	key, err := decodeBitcoinKey(privKey, netParams)
	if err != nil {
		return nil, err
	}
	pubKeyHash := btcutil.Hash160(key.PubKey().SerializeCompressed())
	address, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, netParams)
	if err != nil {
		return nil, errors.Wrap(err, "could not derive anchoring address")
	}
	pkScript, err := txscript.PayToAddrScript(address)
	if err != nil {
		return nil, errors.Wrap(err, "could not build funding script")
	}
	if source == nil {
		source = newEsploraClient(endpoint)
	}
	return &BitcoinChain{
		netParams: netParams,
		network:   network,
		key:       key,
		address:   address,
		pkScript:  pkScript,
		source:    source,
	}, nil
}

func decodeBitcoinKey(privKey string, netParams *chaincfg.Params) (*btcec.PrivateKey, error) {
	if privKey == "" {
		return nil, errors.New("invalid private key: bitcoin key not configured")
	}
	if wif, err := btcutil.DecodeWIF(privKey); err == nil {
		if !wif.IsForNet(netParams) {
			return nil, errors.New("invalid private key: WIF network mismatch")
		}
		return wif.PrivKey, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(privKey, "0x"))
	if err != nil || len(raw) != 32 {
		return nil, errors.New("invalid private key: expected WIF or 32-byte hex")
	}
	key, _ := btcec.PrivKeyFromBytes(raw)
	return key, nil
}

// Name implements Chain.
func (c *BitcoinChain) Name() string {
	return ChainBitcoin
}

// Address returns the funding address anchors are paid from.
func (c *BitcoinChain) Address() string {
	return c.address.EncodeAddress()
}

// Broadcast funds, signs, and publishes a transaction whose first output is
// a zero-value OP_RETURN carrying the payload. Change returns to the funding
// address unless below the dust limit.
func (c *BitcoinChain) Broadcast(ctx context.Context, payload []byte) (string, string, error) {
	var feeRate int64
	if err := withRetry(ctx, "bitcoin-fee-estimate", func() error {
		var ferr error
		feeRate, ferr = c.source.FeeRate(ctx)
		return ferr
	}); err != nil || feeRate <= 0 {
		feeRate = defaultFeeRateTestnet
		if c.network == "mainnet" {
			feeRate = defaultFeeRateMainnet
		}
	}

	var utxos []UTXO
	if err := withRetry(ctx, "bitcoin-list-unspent", func() error {
		var uerr error
		utxos, uerr = c.source.ListUnspent(ctx, c.Address())
		return uerr
	}); err != nil {
		return "", "", err
	}
	if len(utxos) == 0 {
		return "", "", errors.Errorf("insufficient funds: no spendable outputs at %s", c.Address())
	}
	// Largest first keeps input count, and therefore fees, minimal.
	sort.Slice(utxos, func(i, j int) bool { return utxos[i].Value > utxos[j].Value })

	opReturn, err := txscript.NullDataScript(payload)
	if err != nil {
		return "", "", errors.Wrap(err, "could not build commitment script")
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(0, opReturn))

	var total int64
	var selected []UTXO
	var fee *big.Int
	for _, utxo := range utxos {
		selected = append(selected, utxo)
		total += utxo.Value
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&utxo.TxHash, utxo.Vout), nil, nil))
		fee = estimateFee(feeRate, len(selected), len(opReturn))
		if big.NewInt(total).Cmp(fee) > 0 {
			break
		}
	}
	if big.NewInt(total).Cmp(fee) <= 0 {
		return "", "", errors.Errorf("insufficient funds: %d sat available, %s sat fee required", total, fee)
	}

	change := total - fee.Int64()
	if change >= dustLimit {
		tx.AddTxOut(wire.NewTxOut(change, c.pkScript))
	}

	prevOuts := txscript.NewMultiPrevOutFetcher(nil)
	for _, utxo := range selected {
		prevOuts.AddPrevOut(*wire.NewOutPoint(&utxo.TxHash, utxo.Vout), wire.NewTxOut(utxo.Value, c.pkScript))
	}
	sigHashes := txscript.NewTxSigHashes(tx, prevOuts)
	for i, utxo := range selected {
		witness, werr := txscript.WitnessSignature(
			tx, sigHashes, i, utxo.Value, c.pkScript, txscript.SigHashAll, c.key, true,
		)
		if werr != nil {
			return "", "", errors.Wrapf(werr, "could not sign input %d", i)
		}
		tx.TxIn[i].Witness = witness
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", "", errors.Wrap(err, "could not serialize transaction")
	}
	rawHex := hex.EncodeToString(buf.Bytes())

	var txid string
	if err := withRetry(ctx, "bitcoin-broadcast", func() error {
		var berr error
		txid, berr = c.source.BroadcastTx(ctx, rawHex)
		return berr
	}); err != nil {
		return "", "", err
	}
	return txid, c.explorerURL(txid), nil
}

// Confirm implements Chain.
func (c *BitcoinChain) Confirm(ctx context.Context, txHash string) (uint64, bool, error) {
	return c.source.TxStatus(ctx, txHash)
}

func (c *BitcoinChain) explorerURL(txid string) string {
	if c.network == "mainnet" {
		return "https://blockstream.info/tx/" + txid
	}
	return "https://blockstream.info/testnet/tx/" + txid
}

// estimateFee computes feeRate * vsize with arbitrary precision. The vsize
// model assumes P2WPKH inputs, one OP_RETURN output, and one change output.
func estimateFee(feeRate int64, numInputs, opReturnScriptLen int) *big.Int {
	vsize := int64(11 + 68*numInputs + 31 + 9 + opReturnScriptLen)
	return new(big.Int).Mul(big.NewInt(feeRate), big.NewInt(vsize))
}

// esploraClient is an HTTP UTXOSource against a blockstream-style REST API.
type esploraClient struct {
	baseURL string
	client  *http.Client
}

func newEsploraClient(baseURL string) *esploraClient {
	return &esploraClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (e *esploraClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "rpc unreachable")
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListUnspent implements UTXOSource via GET /address/{addr}/utxo.
func (e *esploraClient) ListUnspent(ctx context.Context, address string) ([]UTXO, error) {
	var rows []struct {
		Txid   string `json:"txid"`
		Vout   uint32 `json:"vout"`
		Value  int64  `json:"value"`
		Status struct {
			Confirmed bool `json:"confirmed"`
		} `json:"status"`
	}
	if err := e.get(ctx, "/address/"+address+"/utxo", &rows); err != nil {
		return nil, err
	}
	utxos := make([]UTXO, 0, len(rows))
	for _, row := range rows {
		if !row.Status.Confirmed {
			continue
		}
		txHash, err := chainhash.NewHashFromStr(row.Txid)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed txid %q", row.Txid)
		}
		utxos = append(utxos, UTXO{TxHash: *txHash, Vout: row.Vout, Value: row.Value})
	}
	return utxos, nil
}

// FeeRate implements UTXOSource via GET /fee-estimates, using the
// two-block target.
func (e *esploraClient) FeeRate(ctx context.Context) (int64, error) {
	estimates := map[string]float64{}
	if err := e.get(ctx, "/fee-estimates", &estimates); err != nil {
		return 0, err
	}
	rate, ok := estimates["2"]
	if !ok || rate < 1 {
		return 0, errors.New("no usable fee estimate")
	}
	return int64(rate + 0.5), nil
}

// BroadcastTx implements UTXOSource via POST /tx.
func (e *esploraClient) BroadcastTx(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "rpc unreachable")
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("broadcast rejected: %s", strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

// TxStatus implements UTXOSource via GET /tx/{txid}/status.
func (e *esploraClient) TxStatus(ctx context.Context, txid string) (uint64, bool, error) {
	var status struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight uint64 `json:"block_height"`
	}
	if err := e.get(ctx, fmt.Sprintf("/tx/%s/status", txid), &status); err != nil {
		return 0, false, err
	}
	return status.BlockHeight, status.Confirmed, nil
}
