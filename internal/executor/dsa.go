package executor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"cdpguard/internal/planner"
)

type chainWriter interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// DSAOptions parameterise the smart-account executor.
type DSAOptions struct {
	RPCURL         string
	AccountAddress string
	PrivateKeyHex  string
	ChainID        int64
	Origin         string
	// GasBufferPct is added on top of the node's gas estimate.
	GasBufferPct int64
	Timeout      time.Duration
}

// DSA casts plans through an Instadapp-style smart account in a single transaction.
type DSA struct {
	opts      DSAOptions
	logger    zerolog.Logger
	key       *ecdsa.PrivateKey
	from      common.Address
	client    chainWriter
	clientMux sync.Mutex
}

// NewDSA validates the signing key and builds an executor.
func NewDSA(opts DSAOptions, logger zerolog.Logger) (*DSA, error) {
	if !common.IsHexAddress(opts.AccountAddress) {
		return nil, fmt.Errorf("executor: invalid account address %q", opts.AccountAddress)
	}
	if opts.ChainID <= 0 {
		return nil, fmt.Errorf("executor: chain id must be positive")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(opts.PrivateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("executor: parse private key: %w", err)
	}
	if opts.GasBufferPct <= 0 {
		opts.GasBufferPct = 20
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Minute
	}

	from := crypto.PubkeyToAddress(key.PublicKey)
	return &DSA{
		opts:   opts,
		logger: logger.With().Str("component", "dsa_executor").Str("signer", from.Hex()).Logger(),
		key:    key,
		from:   from,
	}, nil
}

// Submit encodes, signs and broadcasts the plan, then waits for the receipt or
// the configured timeout. Any non-success outcome is a failure; nothing is retried.
func (d *DSA) Submit(ctx context.Context, plan planner.Plan) Result {
	spells, err := EncodeSpells(plan)
	if err != nil {
		return failed("", fmt.Errorf("%w: %v", ErrExecution, err))
	}

	origin := common.Address{}
	if common.IsHexAddress(d.opts.Origin) {
		origin = common.HexToAddress(d.opts.Origin)
	}
	data, err := EncodeCast(spells, origin)
	if err != nil {
		return failed("", fmt.Errorf("%w: pack cast: %v", ErrExecution, err))
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	client, err := d.getClient(ctx)
	if err != nil {
		return failed("", fmt.Errorf("%w: dial rpc: %v", ErrExecution, err))
	}

	tx, err := d.buildTx(ctx, client, data)
	if err != nil {
		return failed("", fmt.Errorf("%w: %v", ErrExecution, err))
	}

	txRef := tx.Hash().Hex()
	log := d.logger.With().Str("plan_id", plan.ID).Str("tx", txRef).Logger()

	if err := client.SendTransaction(ctx, tx); err != nil {
		return failed(txRef, fmt.Errorf("%w: send transaction: %v", ErrExecution, err))
	}
	log.Info().Uint64("gas", tx.Gas()).Int("steps", len(spells.Targets)).Msg("cast submitted")

	receipt, err := bind.WaitMined(ctx, client, tx)
	if err != nil {
		return failed(txRef, fmt.Errorf("%w: wait for receipt: %v", ErrExecution, err))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return failed(txRef, fmt.Errorf("%w: transaction reverted in block %s", ErrExecution, receipt.BlockNumber))
	}

	log.Info().Str("block", receipt.BlockNumber.String()).Uint64("gas_used", receipt.GasUsed).Msg("cast mined")
	return Result{Success: true, TxRef: txRef}
}

func (d *DSA) buildTx(ctx context.Context, client chainWriter, data []byte) (*types.Transaction, error) {
	to := common.HexToAddress(d.opts.AccountAddress)

	// a reverting plan fails estimation and is never broadcast
	gas, err := client.EstimateGas(ctx, ethereum.CallMsg{From: d.from, To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas += gas * uint64(d.opts.GasBufferPct) / 100

	nonce, err := client.PendingNonceAt(ctx, d.from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}

	feeCap := new(big.Int).Mul(tip, big.NewInt(2))
	if head.BaseFee != nil {
		feeCap = new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	chainID := big.NewInt(d.opts.ChainID)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), d.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}

func (d *DSA) getClient(ctx context.Context) (chainWriter, error) {
	d.clientMux.Lock()
	defer d.clientMux.Unlock()

	if d.client != nil {
		return d.client, nil
	}
	if d.opts.RPCURL == "" {
		return nil, fmt.Errorf("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, d.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	d.client = client
	return client, nil
}

var _ Executor = (*DSA)(nil)
