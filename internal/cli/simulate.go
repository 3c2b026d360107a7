package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"cdpguard/internal/app"
)

var (
	simulatePosition   string
	simulateStatus     float64
	simulateDebt       float64
	simulatePrice      float64
	simulateQuotePrice float64
	simulateNotify     bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "模拟一次 vault 状态并输出告警与去杠杆计划",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateStatus <= 0 || simulateDebt <= 0 || simulatePrice <= 0 {
			return errors.New("--status, --debt 与 --price 必须大于 0")
		}

		opts := app.SimulateOptions{
			PositionID:  simulatePosition,
			StatusRatio: decimal.NewFromFloat(simulateStatus),
			Debt:        decimal.NewFromFloat(simulateDebt),
			PriceUSD:    decimal.NewFromFloat(simulatePrice),
			Notify:      simulateNotify,
		}
		if simulateQuotePrice > 0 {
			opts.QuotePrice = decimal.NewFromFloat(simulateQuotePrice)
		}
		return getApp().Simulate(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePosition, "position", "", "已配置的 vault id，默认取第一个")
	simulateCmd.Flags().Float64Var(&simulateStatus, "status", 0, "status ratio（债务/抵押价值），如 0.65")
	simulateCmd.Flags().Float64Var(&simulateDebt, "debt", 0, "债务数量（DAI）")
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "抵押物美元价格")
	simulateCmd.Flags().Float64Var(&simulateQuotePrice, "quote-price", 0, "固定报价，替代实时 CoW 报价")
	simulateCmd.Flags().BoolVar(&simulateNotify, "notify", false, "同时发送告警到已配置的通道")
}
