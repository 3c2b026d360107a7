package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"cdpguard/internal/planner"
)

const (
	cowQuotePath   = "/quote"
	zeroAddressHex = "0x0000000000000000000000000000000000000000"
	nativeETHHex   = "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
	mainnetWETHHex = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
)

// ErrQuoteUnavailable is returned when the quote API yields no usable price.
var ErrQuoteUnavailable = errors.New("fetcher: quote unavailable")

// CowOptions parameterise the CoW Protocol quoter.
type CowOptions struct {
	BaseURL      string
	PriceQuality string
	Timeout      time.Duration
	UserAgent    string
	// TokenAliases maps on-chain token addresses to the addresses the quote API trades.
	TokenAliases map[string]string
}

// CowQuoter prices collateral sales through CoW Protocol.
type CowQuoter struct {
	opts   CowOptions
	logger zerolog.Logger
	client *resty.Client
}

// NewCowQuoter constructs a quote provider.
func NewCowQuoter(opts CowOptions, logger zerolog.Logger) *CowQuoter {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.cow.fi/mainnet/api/v1"
	}

	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "cdpguard/1.0"
	}

	aliases := map[string]string{nativeETHHex: mainnetWETHHex}
	for from, to := range opts.TokenAliases {
		aliases[strings.ToLower(from)] = to
	}
	opts.TokenAliases = aliases

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", userAgent).
		SetHeader("X-AppId", "cdpguard")

	return &CowQuoter{
		opts:   opts,
		logger: logger.With().Str("component", "cow_quoter").Logger(),
		client: client,
	}
}

// Quote asks CoW for a sell quote and applies the slippage tolerance to its buy amount.
func (c *CowQuoter) Quote(ctx context.Context, req planner.QuoteRequest) (planner.Quote, error) {
	if req.Amount.Sign() <= 0 {
		return planner.Quote{}, fmt.Errorf("%w: sell amount must be greater than zero", ErrQuoteUnavailable)
	}
	if req.SellAsset.Address == "" || req.BuyAsset.Address == "" {
		return planner.Quote{}, fmt.Errorf("%w: sell and buy token addresses required", ErrQuoteUnavailable)
	}

	sellAtoms := req.Amount.Shift(req.SellAsset.Decimals).Round(0)
	if sellAtoms.IsZero() {
		return planner.Quote{}, fmt.Errorf("%w: sell amount rounded to zero", ErrQuoteUnavailable)
	}

	payload := quoteRequest{
		SellToken:           c.alias(req.SellAsset.Address),
		BuyToken:            c.alias(req.BuyAsset.Address),
		Kind:                "sell",
		From:                zeroAddressHex,
		AppData:             `{"version":"0.7.0","appCode":"cdpguard","metadata":{}}`,
		PriceQuality:        c.opts.PriceQuality,
		SellAmountBeforeFee: sellAtoms.StringFixed(0),
		ValidTo:             uint64(time.Now().Add(5 * time.Minute).Unix()),
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(cowQuotePath)
	if err != nil {
		return planner.Quote{}, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}

	body := resp.Body()
	if resp.StatusCode() != http.StatusOK {
		return planner.Quote{}, parseHTTPError(resp.StatusCode(), body)
	}

	buyRaw := gjson.GetBytes(body, "quote.buyAmount").String()
	buyAtoms, err := decimal.NewFromString(buyRaw)
	if err != nil {
		return planner.Quote{}, fmt.Errorf("%w: parse buy amount %q: %v", ErrQuoteUnavailable, buyRaw, err)
	}
	if buyAtoms.Sign() <= 0 {
		return planner.Quote{}, fmt.Errorf("%w: buy amount returned zero", ErrQuoteUnavailable)
	}

	buyAmount := buyAtoms.Shift(-req.BuyAsset.Decimals)
	minProceeds := ApplySlippage(buyAmount, req.MaxSlippagePct)

	quality := gjson.GetBytes(body, "priceQuality").String()
	if quality == "" {
		quality = c.opts.PriceQuality
	}

	c.logger.Debug().
		Str("sell", req.SellAsset.Symbol).
		Str("buy", req.BuyAsset.Symbol).
		Str("amount", req.Amount.String()).
		Str("buy_amount", buyAmount.String()).
		Str("min_proceeds", minProceeds.String()).
		Str("quality", quality).
		Msg("quote received")

	return planner.Quote{
		BuyAmount:   buyAmount,
		MinProceeds: minProceeds,
		Source:      "cow:" + quality,
	}, nil
}

// ApplySlippage returns amount * (1 - pct/100).
func ApplySlippage(amount, pct decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Sub(pct.Div(decimal.NewFromInt(100)))
	return amount.Mul(factor)
}

func (c *CowQuoter) alias(addr string) string {
	if mapped, ok := c.opts.TokenAliases[strings.ToLower(addr)]; ok {
		return mapped
	}
	return addr
}

type quoteRequest struct {
	SellToken           string `json:"sellToken"`
	BuyToken            string `json:"buyToken"`
	Kind                string `json:"kind"`
	From                string `json:"from"`
	AppData             string `json:"appData"`
	PriceQuality        string `json:"priceQuality,omitempty"`
	SellAmountBeforeFee string `json:"sellAmountBeforeFee"`
	ValidTo             uint64 `json:"validTo"`
}

func parseHTTPError(status int, payload []byte) error {
	for _, field := range []string{"description", "message", "errorType"} {
		if msg := gjson.GetBytes(payload, field).String(); msg != "" {
			return fmt.Errorf("%w: cow api error (%d): %s", ErrQuoteUnavailable, status, msg)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%w: cow api error (%d): %s", ErrQuoteUnavailable, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%w: cow api error (%d)", ErrQuoteUnavailable, status)
}

var _ planner.QuoteProvider = (*CowQuoter)(nil)
