// Package chain handles all blockchain interactions: ERC20 balance and
// allowance reads, and calls into the escrow contract holding booking
// funds. Amounts cross this boundary as *big.Int in token minor units,
// never floats.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrTransactionFailed = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: operation timed out")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
)

// CallError wraps contract call failures with context.
type CallError struct {
	Op     string // operation that failed ("lock", "release", "refund", ...)
	TxHash string // transaction hash if available
	Err    error
}

func (e *CallError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

// ERC20 minimal ABI for settlement token reads.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// Escrow contract call surface. The contract itself is an external
// dependency; only these entry points are relied on.
const escrowABI = `[
	{"inputs":[{"name":"bookingId","type":"bytes32"},{"name":"customer","type":"address"},{"name":"amount","type":"uint256"}],"name":"lock","outputs":[],"type":"function"},
	{"inputs":[{"name":"bookingId","type":"bytes32"},{"name":"provider","type":"address"},{"name":"providerAmount","type":"uint256"},{"name":"property","type":"address"},{"name":"propertyAmount","type":"uint256"},{"name":"treasury","type":"address"},{"name":"feeAmount","type":"uint256"}],"name":"release","outputs":[],"type":"function"},
	{"inputs":[{"name":"bookingId","type":"bytes32"},{"name":"customer","type":"address"},{"name":"amount","type":"uint256"}],"name":"refund","outputs":[],"type":"function"}
]`

const (
	// DefaultGasLimit when estimation fails.
	DefaultGasLimit = uint64(300000)

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Config for creating a chain client.
type Config struct {
	RPCURL         string
	PrivateKey     string // hex, with or without 0x prefix
	ChainID        int64
	EscrowContract string
	TokenContract  string
}

// Option configures the client.
type Option func(*Client)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(ec EthClient) Option {
	return func(c *Client) {
		c.client = ec
	}
}

// TxResult reports a mined transaction.
type TxResult struct {
	Hash        string
	BlockNumber uint64
	GasUsed     uint64
}

// ReceiptState is the reconciler's view of a transaction.
type ReceiptState string

const (
	ReceiptPending ReceiptState = "pending" // not yet mined
	ReceiptSuccess ReceiptState = "success"
	ReceiptFailed  ReceiptState = "failed" // mined and reverted
)

// Client signs and sends escrow contract calls and reads token state.
type Client struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	escrowAddr common.Address
	tokenAddr  common.Address
	erc20      abi.ABI
	escrow     abi.ABI
}

// New creates a chain client from config.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	erc20Parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	escrowParsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	c := &Client{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		chainID:    big.NewInt(cfg.ChainID),
		escrowAddr: common.HexToAddress(cfg.EscrowContract),
		tokenAddr:  common.HexToAddress(cfg.TokenContract),
		erc20:      erc20Parsed,
		escrow:     escrowParsed,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = client
	}

	return c, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if cfg.EscrowContract == "" {
		return fmt.Errorf("escrow contract address required")
	}
	if cfg.TokenContract == "" {
		return fmt.Errorf("token contract address required")
	}
	return nil
}

// Address returns the signer's address.
func (c *Client) Address() string {
	return c.address.Hex()
}

// EscrowAddress returns the escrow contract address.
func (c *Client) EscrowAddress() string {
	return c.escrowAddr.Hex()
}

// BalanceOf returns the settlement-token balance of an address.
func (c *Client) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	return c.readUint(ctx, "balanceOf", addr)
}

// AllowanceOf returns how much the owner has approved the escrow contract
// to spend.
func (c *Client) AllowanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return c.readUint(ctx, "allowance", owner, c.escrowAddr)
}

func (c *Client) readUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	data, err := c.erc20.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &c.tokenAddr,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}

	value := new(big.Int)
	value.SetBytes(result)
	return value, nil
}

// Lock locks the customer's funds for a booking in the escrow contract
// and waits for the transaction to be mined.
func (c *Client) Lock(ctx context.Context, bookingID string, customer common.Address, amount *big.Int) (*TxResult, error) {
	data, err := c.escrow.Pack("lock", bookingKey(bookingID), customer, amount)
	if err != nil {
		return nil, &CallError{Op: "lock", Err: err}
	}
	return c.sendAndConfirm(ctx, "lock", data)
}

// Release pays out locked booking funds to provider, property, and
// treasury per the split computed at creation.
func (c *Client) Release(ctx context.Context, bookingID string, provider common.Address, providerAmount *big.Int, property common.Address, propertyAmount *big.Int, treasury common.Address, feeAmount *big.Int) (*TxResult, error) {
	data, err := c.escrow.Pack("release", bookingKey(bookingID),
		provider, providerAmount, property, propertyAmount, treasury, feeAmount)
	if err != nil {
		return nil, &CallError{Op: "release", Err: err}
	}
	return c.sendAndConfirm(ctx, "release", data)
}

// Refund returns locked funds (full or partial) to the customer.
func (c *Client) Refund(ctx context.Context, bookingID string, customer common.Address, amount *big.Int) (*TxResult, error) {
	data, err := c.escrow.Pack("refund", bookingKey(bookingID), customer, amount)
	if err != nil {
		return nil, &CallError{Op: "refund", Err: err}
	}
	return c.sendAndConfirm(ctx, "refund", data)
}

// ReceiptStatus re-queries the chain for a transaction's outcome. Used by
// reconciliation to decide whether a timed-out operation actually landed.
func (c *Client) ReceiptStatus(ctx context.Context, txHash string) (ReceiptState, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		// go-ethereum returns "not found" for unmined transactions.
		return ReceiptPending, nil
	}
	if receipt.Status == 0 {
		return ReceiptFailed, nil
	}
	return ReceiptSuccess, nil
}

// sendAndConfirm signs the calldata as a transaction to the escrow
// contract, sends it, and polls for the receipt until ctx expires.
func (c *Client) sendAndConfirm(ctx context.Context, op string, data []byte) (*TxResult, error) {
	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, &CallError{Op: op, Err: err}
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &CallError{Op: op, Err: err}
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &c.escrowAddr,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, c.escrowAddr, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return nil, &CallError{Op: op, Err: err}
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &CallError{Op: op, TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return c.waitForConfirmation(ctx, op, signedTx.Hash())
}

func (c *Client) waitForConfirmation(ctx context.Context, op string, hash common.Hash) (*TxResult, error) {
	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &CallError{Op: op, TxHash: hash.Hex(),
					Err: fmt.Errorf("%w: waiting for tx", ErrTimeout)}
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined, keep waiting.
				continue
			}

			if receipt.Status == 0 {
				return nil, &CallError{Op: op, TxHash: hash.Hex(), Err: ErrTransactionFailed}
			}

			return &TxResult{
				Hash:        hash.Hex(),
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
	}
}

// Close closes the client connection.
func (c *Client) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// bookingKey derives the contract-side bytes32 key for a booking ID.
func bookingKey(bookingID string) [32]byte {
	return crypto.Keccak256Hash([]byte(bookingID))
}
