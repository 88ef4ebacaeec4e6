package anchor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
)

// defaultEthGasLimit is used when gas estimation is unavailable. A self-send
// with 38 bytes of calldata fits comfortably.
const defaultEthGasLimit = uint64(50_000)

var etherscanHosts = map[string]string{
	"mainnet": "https://etherscan.io",
	"sepolia": "https://sepolia.etherscan.io",
	"holesky": "https://holesky.etherscan.io",
}

// EthereumChain anchors roots as calldata on zero-value self-send
// transactions. The commitment costs only gas; no contract is involved.
type EthereumChain struct {
	endpoint string
	network  string
	key      *ecdsa.PrivateKey

	// dialMu guards the lazily dialed client; the broadcast worker, the
	// confirmation poller, and manual anchors all reach dial concurrently.
	dialMu sync.Mutex
	client *ethclient.Client

	// sendMu serializes broadcasts so a manual anchor racing the chain
	// worker cannot fetch and reuse the same pending nonce.
	sendMu sync.Mutex
}

// NewEthereumChain builds the Ethereum backend from the configured RPC
// endpoint and hex private key. The key is validated eagerly so a
// misconfigured node fails its first anchor with invalid-key rather than
// deep inside signing.
func NewEthereumChain(endpoint, network, privKeyHex string) (*EthereumChain, error) {
	if privKeyHex == "" {
		return nil, errors.New("invalid private key: ethereum key not configured")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privKeyHex, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid private key")
	}
	return &EthereumChain{endpoint: endpoint, network: network, key: key}, nil
}

// Name implements Chain.
func (c *EthereumChain) Name() string {
	return ChainEthereum
}

// dial returns the shared RPC client, dialing it on first use. A failed
// dial is not cached so the next caller retries.
func (c *EthereumChain) dial(ctx context.Context) (*ethclient.Client, error) {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := ethclient.DialContext(ctx, c.endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "rpc unreachable")
	}
	c.client = client
	return client, nil
}

// Broadcast signs and publishes an EIP-1559 self-send carrying payload as
// calldata. Fee fields come from the node's tip suggestion and the head
// block's base fee; gas is estimated and padded by 20%, falling back to a
// fixed limit when estimation fails.
func (c *EthereumChain) Broadcast(ctx context.Context, payload []byte) (string, string, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	client, err := c.dial(ctx)
	if err != nil {
		return "", "", err
	}
	from := crypto.PubkeyToAddress(c.key.PublicKey)

	var nonce uint64
	if err := withRetry(ctx, "ethereum-nonce", func() error {
		var nerr error
		nonce, nerr = client.PendingNonceAt(ctx, from)
		return nerr
	}); err != nil {
		return "", "", err
	}

	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		tipCap = big.NewInt(1_500_000_000) // 1.5 gwei
	}
	feeCap := new(big.Int).Set(tipCap)
	if head, herr := client.HeaderByNumber(ctx, nil); herr == nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	} else if gasPrice, gerr := client.SuggestGasPrice(ctx); gerr == nil {
		feeCap = gasPrice
	}

	gasLimit := defaultEthGasLimit
	if estimated, eerr := client.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &from,
		Data: payload,
	}); eerr == nil {
		gasLimit = estimated + estimated/5
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return "", "", errors.Wrap(err, "could not read chain id")
	}
	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &from,
		Value:     big.NewInt(0),
		Data:      payload,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return "", "", errors.Wrap(err, "could not sign anchor transaction")
	}

	if err := withRetry(ctx, "ethereum-broadcast", func() error {
		return client.SendTransaction(ctx, signed)
	}); err != nil {
		return "", "", err
	}
	txHash := signed.Hash().Hex()
	return txHash, c.explorerURL(txHash), nil
}

// Confirm implements Chain. A transaction is confirmed once a receipt exists.
func (c *EthereumChain) Confirm(ctx context.Context, txHash string) (uint64, bool, error) {
	client, err := c.dial(ctx)
	if err != nil {
		return 0, false, err
	}
	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if receipt.BlockNumber == nil {
		return 0, false, nil
	}
	return receipt.BlockNumber.Uint64(), true, nil
}

func (c *EthereumChain) explorerURL(txHash string) string {
	host, ok := etherscanHosts[c.network]
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s/tx/%s", host, txHash)
}
