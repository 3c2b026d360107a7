package executor

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"cdpguard/internal/planner"
)

const (
	connectorABIJSON = `[
{"inputs":[{"name":"token","type":"address"},{"name":"amt","type":"uint256"},{"name":"getId","type":"uint256"},{"name":"setId","type":"uint256"}],"name":"flashBorrow","outputs":[],"stateMutability":"payable","type":"function"},
{"inputs":[{"name":"vault","type":"uint256"},{"name":"amt","type":"uint256"},{"name":"getId","type":"uint256"},{"name":"setId","type":"uint256"}],"name":"payback","outputs":[],"stateMutability":"payable","type":"function"},
{"inputs":[{"name":"vault","type":"uint256"},{"name":"amt","type":"uint256"},{"name":"getId","type":"uint256"},{"name":"setId","type":"uint256"}],"name":"withdraw","outputs":[],"stateMutability":"payable","type":"function"},
{"inputs":[{"name":"buyAddr","type":"address"},{"name":"sellAddr","type":"address"},{"name":"sellAmt","type":"uint256"},{"name":"unitAmt","type":"uint256"},{"name":"getId","type":"uint256"},{"name":"setId","type":"uint256"}],"name":"sell","outputs":[],"stateMutability":"payable","type":"function"},
{"inputs":[{"name":"token","type":"address"},{"name":"getId","type":"uint256"},{"name":"setId","type":"uint256"}],"name":"flashPayback","outputs":[],"stateMutability":"payable","type":"function"}
]`

	accountABIJSON = `[{"inputs":[{"name":"_targetNames","type":"string[]"},{"name":"_datas","type":"bytes[]"},{"name":"_origin","type":"address"}],"name":"cast","outputs":[{"name":"","type":"bytes32"}],"stateMutability":"payable","type":"function"}]`

	// unitAmt is quoted per whole sell token with 18 decimals
	unitDecimals = 18
)

var (
	connectorABI abi.ABI
	accountABI   abi.ABI
	zeroID       = big.NewInt(0)
)

func init() {
	var err error
	connectorABI, err = abi.JSON(strings.NewReader(connectorABIJSON))
	if err != nil {
		panic("failed to parse connector ABI: " + err.Error())
	}
	accountABI, err = abi.JSON(strings.NewReader(accountABIJSON))
	if err != nil {
		panic("failed to parse account ABI: " + err.Error())
	}
}

// Spells holds the connector names and calldata of a plan, in plan order.
type Spells struct {
	Targets []string
	Datas   [][]byte
}

// EncodeSpells turns a validated plan into connector calldata without touching its order.
func EncodeSpells(plan planner.Plan) (Spells, error) {
	if err := plan.Validate(); err != nil {
		return Spells{}, err
	}

	spells := Spells{
		Targets: make([]string, 0, len(plan.Operations)),
		Datas:   make([][]byte, 0, len(plan.Operations)),
	}
	for i, op := range plan.Operations {
		data, err := encodeOperation(op)
		if err != nil {
			return Spells{}, fmt.Errorf("encode step %d (%s): %w", i, op.Kind, err)
		}
		spells.Targets = append(spells.Targets, op.Connector)
		spells.Datas = append(spells.Datas, data)
	}
	return spells, nil
}

// EncodeCast packs the account-level cast call for spells.
func EncodeCast(spells Spells, origin common.Address) ([]byte, error) {
	return accountABI.Pack("cast", spells.Targets, spells.Datas, origin)
}

func encodeOperation(op planner.Operation) ([]byte, error) {
	method := string(op.Kind)
	switch op.Kind {
	case planner.KindFlashBorrow:
		return connectorABI.Pack(method, tokenAddress(op.Asset), atoms(op.Amount, op.Asset.Decimals), zeroID, zeroID)
	case planner.KindPayback, planner.KindWithdraw:
		vault, ok := new(big.Int).SetString(op.PositionID, 10)
		if !ok {
			return nil, fmt.Errorf("invalid vault id %q", op.PositionID)
		}
		return connectorABI.Pack(method, vault, atoms(op.Amount, op.Asset.Decimals), zeroID, zeroID)
	case planner.KindSell:
		if op.Amount.Sign() <= 0 {
			return nil, fmt.Errorf("sell amount must be positive")
		}
		unit := op.MinProceeds.Div(op.Amount)
		return connectorABI.Pack(method,
			tokenAddress(op.BuyAsset),
			tokenAddress(op.Asset),
			atoms(op.Amount, op.Asset.Decimals),
			atoms(unit, unitDecimals),
			zeroID, zeroID)
	case planner.KindFlashPayback:
		return connectorABI.Pack(method, tokenAddress(op.Asset), zeroID, zeroID)
	default:
		return nil, fmt.Errorf("unsupported operation %q", op.Kind)
	}
}

func tokenAddress(t planner.Token) common.Address {
	return common.HexToAddress(t.Address)
}

func atoms(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}
