package pricefeed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	cowQuotePath   = "/quote"
	zeroAddressHex = "0x0000000000000000000000000000000000000000"
)

var dec1e18 = decimal.NewFromInt(1_000_000_000_000_000_000)

// MarketOptions parameterise the CoW Protocol reference quote. SellToken is
// the position token and BuyToken the stable asset.
type MarketOptions struct {
	BaseURL      string
	PriceQuality string
	Notional     decimal.Decimal
	Timeout      time.Duration
	UserAgent    string
	SellToken    string
	BuyToken     string
}

// MarketQuote prices one position unit by quoting a sell of Notional units on
// CoW Protocol.
type MarketQuote struct {
	opts    MarketOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewMarketQuote constructs a market price source.
func NewMarketQuote(opts MarketOptions, logger zerolog.Logger) *MarketQuote {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.cow.fi/mainnet/api/v1"
	}

	return &MarketQuote{
		opts:    opts,
		logger:  logger.With().Str("component", "market_price").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchPrice requests a sell quote and returns buyAmount/sellAmount.
func (m *MarketQuote) FetchPrice(ctx context.Context) (Quote, error) {
	if !m.opts.Notional.IsPositive() {
		return Quote{}, errors.New("notional must be greater than zero")
	}
	if m.opts.SellToken == "" || m.opts.BuyToken == "" {
		return Quote{}, errors.New("sellToken and buyToken addresses required")
	}

	sellAtoms := m.opts.Notional.Mul(dec1e18).Round(0)
	if sellAtoms.IsZero() {
		return Quote{}, errors.New("sell amount rounded to zero")
	}

	reqPayload := quoteRequest{
		SellToken:           m.opts.SellToken,
		BuyToken:            m.opts.BuyToken,
		Kind:                "sell",
		From:                zeroAddressHex,
		AppData:             `{"version":"0.7.0","appCode":"trancheledger","metadata":{}}`,
		PriceQuality:        m.opts.PriceQuality,
		SellAmountBeforeFee: sellAtoms.StringFixed(0),
		ValidTo:             uint64(time.Now().Add(5 * time.Minute).Unix()),
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return Quote{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+cowQuotePath, bytes.NewReader(body))
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(m.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "trancheledger/1.0")
	}
	req.Header.Set("X-AppId", "trancheledger")

	resp, err := m.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return Quote{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return Quote{}, parseHTTPError(resp.StatusCode, payloadBytes)
	}

	var quoteRes quoteResponse
	if err := json.Unmarshal(payloadBytes, &quoteRes); err != nil {
		return Quote{}, err
	}

	buyAtoms, err := decimal.NewFromString(quoteRes.Quote.BuyAmount)
	if err != nil {
		return Quote{}, fmt.Errorf("parse buy amount: %w", err)
	}
	if buyAtoms.IsZero() {
		return Quote{}, errors.New("buy amount returned zero")
	}

	quality := quoteRes.PriceQuality
	if quality == "" {
		quality = m.opts.PriceQuality
	}

	return Quote{
		Price:   buyAtoms.Div(sellAtoms),
		Source:  "cow",
		Quality: quality,
		Raw:     json.RawMessage(payloadBytes),
		At:      time.Now().UTC(),
	}, nil
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

type quoteResponse struct {
	Quote struct {
		SellAmount string `json:"sellAmount"`
		BuyAmount  string `json:"buyAmount"`
		FeeAmount  string `json:"feeAmount"`
	} `json:"quote"`
	PriceQuality string `json:"priceQuality"`
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		switch {
		case apiErr.Description != "":
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.Description)
		case apiErr.Message != "":
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.Message)
		case apiErr.ErrorType != "":
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("cow api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("cow api error (%d)", status)
}

var _ Source = (*MarketQuote)(nil)
