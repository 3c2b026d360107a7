package fetcher

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type fakeChain struct {
	response []byte
	err      error
	lastTo   common.Address
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if msg.To != nil {
		f.lastTo = *msg.To
	}
	return f.response, f.err
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	return 19_000_000, nil
}

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func wei(v string, decimals int32) *big.Int {
	return decimal.RequireFromString(v).Shift(decimals).BigInt()
}

func testVault() vaultData {
	return vaultData{
		Id:               big.NewInt(2096),
		Owner:            common.HexToAddress("0x1111111111111111111111111111111111111111"),
		ColType:          "ETH-A",
		Collateral:       wei("0.25", wadDecimals),
		Art:              big.NewInt(0),
		Debt:             wei("300", wadDecimals),
		LiquidatedCol:    big.NewInt(0),
		BorrowRate:       big.NewInt(0),
		ColPrice:         wei("2000", rayDecimals),
		LiquidationRatio: wei("1.5", rayDecimals),
		VaultAddress:     common.HexToAddress("0x2222222222222222222222222222222222222222"),
	}
}

func TestVaultsMissingConfig(t *testing.T) {
	v := NewVaults(VaultOptions{}, noopLogger())
	if _, err := v.FetchSnapshot(context.Background(), "2096"); !errors.Is(err, ErrFetch) {
		t.Fatalf("未配置 RPC 时应返回 ErrFetch, 实际 %v", err)
	}

	v = NewVaults(VaultOptions{RPCURL: "http://localhost"}, noopLogger())
	if _, err := v.FetchSnapshot(context.Background(), "2096"); !errors.Is(err, ErrFetch) {
		t.Fatalf("缺少 resolver 地址应报错, 实际 %v", err)
	}
}

func TestVaultsRejectsBadPositionID(t *testing.T) {
	v := NewVaults(VaultOptions{RPCURL: "http://localhost", ResolverAddress: "0x3"}, noopLogger())
	for _, id := range []string{"", "abc", "-1", "0"} {
		if _, err := v.FetchSnapshot(context.Background(), id); !errors.Is(err, ErrFetch) {
			t.Fatalf("vault id %q 应被拒绝", id)
		}
	}
}

func TestVaultsFetchSnapshot(t *testing.T) {
	packed, err := resolverABI.Methods["getVaultById"].Outputs.Pack(testVault())
	if err != nil {
		t.Fatalf("pack vault: %v", err)
	}

	chain := &fakeChain{response: packed}
	v := NewVaults(VaultOptions{ResolverAddress: "0x0000000000000000000000000000000000000abc"}, noopLogger())
	v.client = chain

	snap, err := v.FetchSnapshot(context.Background(), "2096")
	if err != nil {
		t.Fatalf("应成功读取 vault: %v", err)
	}

	if snap.PositionID != "2096" {
		t.Fatalf("position id 不正确: %s", snap.PositionID)
	}
	if !snap.Collateral.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("collateral 不正确: %s", snap.Collateral)
	}
	if !snap.CollateralPriceUSD.Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("price 不正确: %s", snap.CollateralPriceUSD)
	}
	// 300 / (0.25 * 2000)
	if !snap.StatusRatio.Equal(decimal.RequireFromString("0.6")) {
		t.Fatalf("status ratio 不正确: %s", snap.StatusRatio)
	}
	if snap.BlockNumber != 19_000_000 {
		t.Fatalf("block number 不正确: %d", snap.BlockNumber)
	}
	if chain.lastTo != common.HexToAddress("0x0000000000000000000000000000000000000abc") {
		t.Fatalf("应调用 resolver 合约, 实际 %s", chain.lastTo.Hex())
	}
}

func TestVaultsFetchSnapshotCallError(t *testing.T) {
	v := NewVaults(VaultOptions{ResolverAddress: "0x0000000000000000000000000000000000000abc"}, noopLogger())
	v.client = &fakeChain{err: errors.New("execution reverted")}

	if _, err := v.FetchSnapshot(context.Background(), "2096"); !errors.Is(err, ErrFetch) {
		t.Fatalf("合约调用失败应返回 ErrFetch, 实际 %v", err)
	}
}

func TestVaultsListVaults(t *testing.T) {
	second := testVault()
	second.Id = big.NewInt(2097)
	second.Debt = big.NewInt(0)

	packed, err := resolverABI.Methods["getVaults"].Outputs.Pack([]vaultData{testVault(), second})
	if err != nil {
		t.Fatalf("pack vaults: %v", err)
	}

	v := NewVaults(VaultOptions{ResolverAddress: "0x0000000000000000000000000000000000000abc"}, noopLogger())
	v.client = &fakeChain{response: packed}

	vaults, err := v.ListVaults(context.Background(), "0x1111111111111111111111111111111111111111")
	if err != nil {
		t.Fatalf("应成功列出 vault: %v", err)
	}
	if len(vaults) != 2 {
		t.Fatalf("期望 2 个 vault, 实际 %d", len(vaults))
	}
	if vaults[0].ID != "2096" || vaults[1].ID != "2097" {
		t.Fatalf("vault id 不正确: %#v", vaults)
	}
	if !vaults[1].StatusRatio.IsZero() {
		t.Fatalf("无债务 vault 的 status 应为 0")
	}

	if _, err := v.ListVaults(context.Background(), "not-an-address"); !errors.Is(err, ErrFetch) {
		t.Fatal("非法地址应报错")
	}
}

func TestSnapshotFromVaultWithoutCollateral(t *testing.T) {
	vault := testVault()
	vault.Collateral = big.NewInt(0)
	if _, err := snapshotFromVault(vault); !errors.Is(err, ErrFetch) {
		t.Fatalf("无抵押 vault 应报错, 实际 %v", err)
	}
}
