package fetcher

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cdpguard/internal/risk"
)

const (
	vaultTupleJSON = `{"components":[` +
		`{"internalType":"uint256","name":"id","type":"uint256"},` +
		`{"internalType":"address","name":"owner","type":"address"},` +
		`{"internalType":"string","name":"colType","type":"string"},` +
		`{"internalType":"uint256","name":"collateral","type":"uint256"},` +
		`{"internalType":"uint256","name":"art","type":"uint256"},` +
		`{"internalType":"uint256","name":"debt","type":"uint256"},` +
		`{"internalType":"uint256","name":"liquidatedCol","type":"uint256"},` +
		`{"internalType":"uint256","name":"borrowRate","type":"uint256"},` +
		`{"internalType":"uint256","name":"colPrice","type":"uint256"},` +
		`{"internalType":"uint256","name":"liquidationRatio","type":"uint256"},` +
		`{"internalType":"address","name":"vaultAddress","type":"address"}],` +
		`"internalType":"struct InstaMakerResolver.VaultData","name":"","type":"%s"}`

	resolverABIJSON = `[` +
		`{"inputs":[{"internalType":"uint256","name":"id","type":"uint256"}],"name":"getVaultById","outputs":[%s],"stateMutability":"view","type":"function"},` +
		`{"inputs":[{"internalType":"address","name":"owner","type":"address"}],"name":"getVaults","outputs":[%s],"stateMutability":"view","type":"function"}` +
		`]`

	// collateral and debt are wads, price is a ray
	wadDecimals = 18
	rayDecimals = 27
)

var resolverABI abi.ABI

func init() {
	raw := fmt.Sprintf(resolverABIJSON, fmt.Sprintf(vaultTupleJSON, "tuple"), fmt.Sprintf(vaultTupleJSON, "tuple[]"))
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("failed to parse maker resolver ABI: " + err.Error())
	}
	resolverABI = parsed
}

// vaultData mirrors the resolver's VaultData tuple; field names follow the ABI.
type vaultData struct {
	Id               *big.Int
	Owner            common.Address
	ColType          string
	Collateral       *big.Int
	Art              *big.Int
	Debt             *big.Int
	LiquidatedCol    *big.Int
	BorrowRate       *big.Int
	ColPrice         *big.Int
	LiquidationRatio *big.Int
	VaultAddress     common.Address
}

type chainReader interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// VaultOptions parameterise the on-chain vault reader.
type VaultOptions struct {
	RPCURL          string
	ResolverAddress string
	Timeout         time.Duration
}

// Vaults reads vault state through the Maker resolver contract.
type Vaults struct {
	opts      VaultOptions
	logger    zerolog.Logger
	client    chainReader
	clientMux sync.Mutex
}

// NewVaults builds a new vault reader.
func NewVaults(opts VaultOptions, logger zerolog.Logger) *Vaults {
	return &Vaults{opts: opts, logger: logger.With().Str("component", "vault_fetcher").Logger()}
}

// FetchSnapshot retrieves the vault identified by positionID.
func (v *Vaults) FetchSnapshot(ctx context.Context, positionID string) (risk.Snapshot, error) {
	id, ok := new(big.Int).SetString(strings.TrimSpace(positionID), 10)
	if !ok || id.Sign() <= 0 {
		return risk.Snapshot{}, fmt.Errorf("%w: invalid vault id %q", ErrFetch, positionID)
	}

	ctx, cancel, client, err := v.prepare(ctx)
	if err != nil {
		return risk.Snapshot{}, err
	}
	defer cancel()

	res, err := v.call(ctx, client, "getVaultById", id)
	if err != nil {
		return risk.Snapshot{}, err
	}

	var vault vaultData
	if err := decodeOutput(&vault, "getVaultById", res); err != nil {
		return risk.Snapshot{}, err
	}
	if vault.Id == nil || vault.Id.Sign() == 0 {
		return risk.Snapshot{}, fmt.Errorf("%w: vault %s not found", ErrFetch, positionID)
	}

	snap, err := snapshotFromVault(vault)
	if err != nil {
		return risk.Snapshot{}, err
	}

	blockNumber, err := client.BlockNumber(ctx)
	if err != nil {
		v.logger.Warn().Err(err).Str("position_id", positionID).Msg("block number unavailable")
	}
	snap.BlockNumber = blockNumber
	snap.FetchedAt = time.Now().UTC()
	return snap, nil
}

// ListVaults returns every vault owned by owner.
func (v *Vaults) ListVaults(ctx context.Context, owner string) ([]VaultSummary, error) {
	if !common.IsHexAddress(owner) {
		return nil, fmt.Errorf("%w: invalid owner address %q", ErrFetch, owner)
	}

	ctx, cancel, client, err := v.prepare(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	res, err := v.call(ctx, client, "getVaults", common.HexToAddress(owner))
	if err != nil {
		return nil, err
	}

	var vaults []vaultData
	if err := decodeOutput(&vaults, "getVaults", res); err != nil {
		return nil, err
	}

	out := make([]VaultSummary, 0, len(vaults))
	for _, vault := range vaults {
		summary := VaultSummary{
			ID:             vault.Id.String(),
			CollateralType: vault.ColType,
			Collateral:     decimal.NewFromBigInt(vault.Collateral, -wadDecimals),
			Debt:           decimal.NewFromBigInt(vault.Debt, -wadDecimals),
			PriceUSD:       decimal.NewFromBigInt(vault.ColPrice, -rayDecimals),
		}
		if snap, err := snapshotFromVault(vault); err == nil {
			summary.StatusRatio = snap.StatusRatio
		}
		out = append(out, summary)
	}
	return out, nil
}

func (v *Vaults) prepare(ctx context.Context) (context.Context, context.CancelFunc, chainReader, error) {
	if v.opts.RPCURL == "" && v.client == nil {
		return nil, nil, nil, fmt.Errorf("%w: ethereum rpc url not configured", ErrFetch)
	}
	if v.opts.ResolverAddress == "" {
		return nil, nil, nil, fmt.Errorf("%w: maker resolver address not configured", ErrFetch)
	}

	timeout := v.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)

	client, err := v.getClient(ctx)
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("%w: dial rpc: %v", ErrFetch, err)
	}
	return ctx, cancel, client, nil
}

func (v *Vaults) call(ctx context.Context, client chainReader, method string, args ...interface{}) ([]byte, error) {
	payload, err := resolverABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: pack %s: %v", ErrFetch, method, err)
	}
	addr := common.HexToAddress(v.opts.ResolverAddress)
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: call %s: %v", ErrFetch, method, err)
	}
	return res, nil
}

func (v *Vaults) getClient(ctx context.Context) (chainReader, error) {
	v.clientMux.Lock()
	defer v.clientMux.Unlock()

	if v.client != nil {
		return v.client, nil
	}

	client, err := ethclient.DialContext(ctx, v.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	v.client = client
	return client, nil
}

func decodeOutput(dst interface{}, method string, res []byte) (err error) {
	outputs, err := resolverABI.Unpack(method, res)
	if err != nil {
		return fmt.Errorf("%w: unpack %s: %v", ErrFetch, method, err)
	}
	if len(outputs) != 1 {
		return fmt.Errorf("%w: unexpected %s response", ErrFetch, method)
	}

	// abi.ConvertType panics on shape mismatch
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: decode %s: %v", ErrFetch, method, r)
		}
	}()
	abi.ConvertType(outputs[0], dst)
	return nil
}

// snapshotFromVault derives the status ratio debt / (collateral * price).
func snapshotFromVault(vault vaultData) (risk.Snapshot, error) {
	if vault.Collateral == nil || vault.Debt == nil || vault.ColPrice == nil {
		return risk.Snapshot{}, fmt.Errorf("%w: incomplete vault data", ErrFetch)
	}

	collateral := decimal.NewFromBigInt(vault.Collateral, -wadDecimals)
	debt := decimal.NewFromBigInt(vault.Debt, -wadDecimals)
	price := decimal.NewFromBigInt(vault.ColPrice, -rayDecimals)

	value := collateral.Mul(price)
	if value.Sign() <= 0 {
		return risk.Snapshot{}, fmt.Errorf("%w: vault has no collateral value", ErrFetch)
	}

	id := ""
	if vault.Id != nil {
		id = vault.Id.String()
	}

	return risk.Snapshot{
		PositionID:         id,
		Collateral:         collateral,
		CollateralPriceUSD: price,
		Debt:               debt,
		StatusRatio:        debt.Div(value),
	}, nil
}

var (
	_ SnapshotProvider = (*Vaults)(nil)
	_ VaultLister      = (*Vaults)(nil)
)
