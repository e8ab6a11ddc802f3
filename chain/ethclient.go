package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/kalintou/railgun-app-jp/engine"
)

const (
	// receiptPollInterval is how often WaitForInclusion polls for a
	// transaction receipt.
	receiptPollInterval = 2 * time.Second

	// approveGasLimit is a fallback gas limit for ERC-20 approvals when
	// estimation fails transiently.
	approveGasLimit = 60_000
)

// erc20ABIJSON covers the three ERC-20 calls the wallet makes.
const erc20ABIJSON = `[
  {"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
  {"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

func parseABI(abiStr string) *abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(abiStr))
	if err != nil {
		panic(fmt.Sprintf("failed to parse erc20 abi: %v", err))
	}
	return &parsed
}

var erc20ABI = parseABI(erc20ABIJSON)

// EthClient implements Interface against an EVM JSON-RPC node using a
// locally-held secp256k1 signing key.
type EthClient struct {
	node    *ethclient.Client
	chainID *big.Int
	priv    *ecdsa.PrivateKey
	addr    common.Address

	// sendMtx serializes nonce assignment and submission so concurrent
	// broadcasts from the same signer cannot race on nonces.
	sendMtx sync.Mutex
}

// NewEthClient dials the node at rpcURL and prepares the signer from the hex
// encoded private key.
func NewEthClient(ctx context.Context, rpcURL, privKeyHex string) (*EthClient, error) {
	node, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain node: %v", err)
	}
	chainID, err := node.ChainID(ctx)
	if err != nil {
		node.Close()
		return nil, fmt.Errorf("failed to fetch chain id: %v", err)
	}
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(privKeyHex, "0x"))
	if err != nil {
		node.Close()
		return nil, fmt.Errorf("bad signing key: %v", err)
	}
	c := &EthClient{
		node:    node,
		chainID: chainID,
		priv:    priv,
		addr:    crypto.PubkeyToAddress(priv.PublicKey),
	}
	log.Infof("Chain client ready, signer %s, chain id %s", c.addr, chainID)
	return c, nil
}

// SignerAddress returns the signer's public address.
func (c *EthClient) SignerAddress() string {
	return c.addr.Hex()
}

// Close shuts down the underlying RPC connection.
func (c *EthClient) Close() {
	c.node.Close()
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// callERC20 performs a read-only ERC-20 contract call and unpacks the
// outputs.
func (c *EthClient) callERC20(ctx context.Context, token common.Address,
	method string, args ...interface{}) ([]interface{}, error) {

	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	ret, err := c.node.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return erc20ABI.Unpack(method, ret)
}

// TokenDecimals fetches the decimal precision of an ERC-20 token.
func (c *EthClient) TokenDecimals(ctx context.Context, token string) (uint8, error) {
	addr, err := parseAddress(token)
	if err != nil {
		return 0, err
	}
	out, err := c.callERC20(ctx, addr, "decimals")
	if err != nil {
		return 0, fmt.Errorf("decimals call failed for %s: %v", token, err)
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T for %s", out[0], token)
	}
	return decimals, nil
}

// Allowance fetches the signer's ERC-20 allowance granted to spender.
func (c *EthClient) Allowance(ctx context.Context, token, spender string) (*big.Int, error) {
	tokenAddr, err := parseAddress(token)
	if err != nil {
		return nil, err
	}
	spenderAddr, err := parseAddress(spender)
	if err != nil {
		return nil, err
	}
	out, err := c.callERC20(ctx, tokenAddr, "allowance", c.addr, spenderAddr)
	if err != nil {
		return nil, fmt.Errorf("allowance call failed for %s: %v", token, err)
	}
	allowance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected allowance type %T for %s", out[0], token)
	}
	return allowance, nil
}

// Approve submits an ERC-20 approval for spender and returns the tx hash.
func (c *EthClient) Approve(ctx context.Context, token, spender string, amount *big.Int) (string, error) {
	tokenAddr, err := parseAddress(token)
	if err != nil {
		return "", err
	}
	spenderAddr, err := parseAddress(spender)
	if err != nil {
		return "", err
	}
	data, err := erc20ABI.Pack("approve", spenderAddr, amount)
	if err != nil {
		return "", err
	}

	gas, err := c.node.EstimateGas(ctx, ethereum.CallMsg{
		From: c.addr,
		To:   &tokenAddr,
		Data: data,
	})
	if err != nil {
		log.Warnf("Approve gas estimation failed, using fallback limit: %v", err)
		gas = approveGasLimit
	}

	fees, err := c.FeeProbe(ctx)
	if err != nil {
		return "", err
	}
	fees.GasEstimate = gas

	hash, err := c.send(ctx, &tokenAddr, data, new(big.Int), fees)
	if err != nil {
		return "", err
	}
	log.Debugf("Approval for %s submitted in %s", token, hash)
	return hash, nil
}

// FeeProbe fetches current fee fields.  On EIP-1559 chains it returns
// dynamic fees with a cap of twice the current base fee plus the suggested
// tip; otherwise it falls back to a legacy gas price.
func (c *EthClient) FeeProbe(ctx context.Context) (*engine.GasDetails, error) {
	header, err := c.node.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain tip: %v", err)
	}
	if header.BaseFee == nil {
		gasPrice, err := c.node.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("gas price suggestion failed: %v", err)
		}
		return &engine.GasDetails{Type: engine.GasTypeLegacy, GasPrice: gasPrice}, nil
	}
	tip, err := c.node.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("tip cap suggestion failed: %v", err)
	}
	maxFee := new(big.Int).Mul(header.BaseFee, big.NewInt(2))
	maxFee.Add(maxFee, tip)
	return &engine.GasDetails{
		Type:                 engine.GasTypeDynamic,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: tip,
	}, nil
}

// Broadcast signs and submits a populated transaction.
func (c *EthClient) Broadcast(ctx context.Context, tx *engine.PopulatedTransaction) (string, error) {
	to, err := parseAddress(tx.To)
	if err != nil {
		return "", err
	}
	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}
	return c.send(ctx, &to, tx.Data, value, &tx.Gas)
}

// send assigns the next pending nonce, signs, and submits.  The send mutex
// keeps nonce assignment and submission atomic with respect to other sends
// from this signer.
func (c *EthClient) send(ctx context.Context, to *common.Address, data []byte,
	value *big.Int, gas *engine.GasDetails) (string, error) {

	c.sendMtx.Lock()
	defer c.sendMtx.Unlock()

	nonce, err := c.node.PendingNonceAt(ctx, c.addr)
	if err != nil {
		return "", fmt.Errorf("failed to fetch nonce: %v", err)
	}

	var unsigned *types.Transaction
	if gas.Type == engine.GasTypeDynamic {
		unsigned = types.NewTx(&types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: gas.MaxPriorityFeePerGas,
			GasFeeCap: gas.MaxFeePerGas,
			Gas:       gas.GasEstimate,
			To:        to,
			Value:     value,
			Data:      data,
		})
	} else {
		unsigned = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gas.GasPrice,
			Gas:      gas.GasEstimate,
			To:       to,
			Value:    value,
			Data:     data,
		})
	}

	signed, err := types.SignTx(unsigned, types.LatestSignerForChainID(c.chainID), c.priv)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %v", err)
	}
	if err := c.node.SendTransaction(ctx, signed); err != nil {
		return "", err
	}
	return signed.Hash().Hex(), nil
}

// WaitForInclusion polls for the transaction receipt until the transaction
// is mined or the context is canceled.
func (c *EthClient) WaitForInclusion(ctx context.Context, txHash string) error {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.node.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return ErrReverted
			}
			log.Debugf("Transaction %s mined in block %d", txHash, receipt.BlockNumber)
			return nil
		}
		if err != ethereum.NotFound {
			return err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
