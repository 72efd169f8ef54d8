// Package erc20 moves funds as an ERC-20 token on an Ethereum-compatible chain.
//
// Balances are read with eth_call. Transfers are submitted with
// eth_sendTransaction, so the connected node (or a signer such as Clef in
// front of it) signs them; this package never touches keys. The
// confirmation token is the transaction hash.
package erc20

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/punchamoorthee/payreq/internal/domain"
)

const erc20ABI = `[
	{
		"constant": true,
		"inputs": [{"name": "_owner", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "balance", "type": "uint256"}],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "_to", "type": "address"},
			{"name": "_value", "type": "uint256"}
		],
		"name": "transfer",
		"outputs": [{"name": "", "type": "bool"}],
		"type": "function"
	}
]`

// Chain is the read side of a node; *ethclient.Client satisfies it.
type Chain interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Sender submits an unsigned call for the node to sign and broadcast.
type Sender interface {
	SendTransaction(ctx context.Context, from, to common.Address, data []byte) (common.Hash, error)
}

// NodeSender submits transactions through eth_sendTransaction.
type NodeSender struct {
	rpc *rpc.Client
}

func (n NodeSender) SendTransaction(ctx context.Context, from, to common.Address, data []byte) (common.Hash, error) {
	var hash common.Hash
	args := map[string]any{
		"from": from,
		"to":   to,
		"data": hexutil.Bytes(data),
	}
	if err := n.rpc.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

type Config struct {
	Token        common.Address
	PollInterval time.Duration
}

type Client struct {
	chain  Chain
	sender Sender
	cfg    Config
	abi    abi.ABI
	logger *zap.Logger
}

func NewClient(chain Chain, sender Sender, cfg Config, logger *zap.Logger) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{chain: chain, sender: sender, cfg: cfg, abi: parsed, logger: logger}, nil
}

// Dial connects to rpcURL and returns a client plus a function closing the connection.
func Dial(ctx context.Context, rpcURL string, cfg Config, logger *zap.Logger) (*Client, func(), error) {
	rc, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	c, err := NewClient(ethclient.NewClient(rc), NodeSender{rpc: rc}, cfg, logger)
	if err != nil {
		rc.Close()
		return nil, nil, err
	}
	return c, rc.Close, nil
}

// NormalizeAddress validates a hex address and returns its EIP-55 form, so
// identities compare equal regardless of letter case.
func NormalizeAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("%q is not an address: %w", s, domain.ErrInvalidIdentity)
	}
	return common.HexToAddress(s).Hex(), nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%q is not an address: %w", s, domain.ErrInvalidIdentity)
	}
	return common.HexToAddress(s), nil
}

// BalanceOf returns the token balance of identity. Balances beyond int64 saturate.
func (c *Client) BalanceOf(ctx context.Context, identity string) (int64, error) {
	owner, err := parseAddress(identity)
	if err != nil {
		return 0, err
	}

	data, err := c.abi.Pack("balanceOf", owner)
	if err != nil {
		return 0, fmt.Errorf("failed to pack balanceOf: %w", err)
	}

	token := c.cfg.Token
	result, err := c.chain.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to call contract: %w", err)
	}
	// An address that never touched the token can yield an empty result.
	if len(result) == 0 {
		return 0, nil
	}

	out, err := c.abi.Unpack("balanceOf", result)
	if err != nil {
		return 0, fmt.Errorf("failed to unpack balance: %w", err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok || balance == nil {
		return 0, nil
	}
	if !balance.IsInt64() {
		return math.MaxInt64, nil
	}
	return balance.Int64(), nil
}

// Transfer sends amount from from to to and waits until the transaction is mined.
func (c *Client) Transfer(ctx context.Context, from, to string, amount int64) (string, error) {
	fromAddr, err := parseAddress(from)
	if err != nil {
		return "", err
	}
	toAddr, err := parseAddress(to)
	if err != nil {
		return "", err
	}

	data, err := c.abi.Pack("transfer", toAddr, big.NewInt(amount))
	if err != nil {
		return "", fmt.Errorf("failed to pack transfer: %w", err)
	}

	c.logger.Info("sending ERC-20 transfer",
		zap.String("from", fromAddr.Hex()),
		zap.String("to", toAddr.Hex()),
		zap.Int64("amount", amount),
		zap.String("token", c.cfg.Token.Hex()))

	hash, err := c.sender.SendTransaction(ctx, fromAddr, c.cfg.Token, data)
	if err != nil {
		// Only a JSON-RPC error reply proves the node refused the transaction.
		// A dropped connection or a gateway error may hide an accepted one.
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) && ctx.Err() == nil {
			return "", fmt.Errorf("send rejected (code %d): %v: %w", rpcErr.ErrorCode(), err, domain.ErrTransferFailed)
		}
		return "", fmt.Errorf("send outcome unknown: %v: %w", err, domain.ErrTimeout)
	}

	receipt, err := c.waitMined(ctx, hash)
	if err != nil {
		return "", err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", fmt.Errorf("transaction %s reverted: %w", hash.Hex(), domain.ErrTransferFailed)
	}

	c.logger.Info("ERC-20 transfer mined",
		zap.String("tx_hash", hash.Hex()),
		zap.Uint64("block", receipt.BlockNumber.Uint64()))
	return hash.Hex(), nil
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.chain.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			c.logger.Warn("receipt lookup failed, retrying",
				zap.String("tx_hash", hash.Hex()),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("transaction %s unconfirmed: %w", hash.Hex(), domain.ErrTimeout)
		case <-ticker.C:
		}
	}
}
