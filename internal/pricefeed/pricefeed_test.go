package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tranche-ledger/internal/fixedpoint"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

type stubSource struct {
	price decimal.Decimal
	err   error
}

func (s stubSource) FetchPrice(context.Context) (Quote, error) {
	return Quote{Price: s.price, Source: "stub"}, s.err
}

func TestGuardPassesWithinTolerance(t *testing.T) {
	g := NewGuard(stubSource{price: decimal.RequireFromString("1.01")}, stubSource{price: decimal.NewFromInt(1)}, decimal.NewFromInt(2), noopLogger())
	q, err := g.FetchPrice(context.Background())
	if err != nil {
		t.Fatalf("偏离 1%% 应通过: %v", err)
	}
	if !q.Price.Equal(decimal.RequireFromString("1.01")) {
		t.Fatalf("应返回主价格, 实际 %s", q.Price)
	}
}

func TestGuardRejectsDeviation(t *testing.T) {
	g := NewGuard(stubSource{price: decimal.RequireFromString("1.05")}, stubSource{price: decimal.NewFromInt(1)}, decimal.NewFromInt(2), noopLogger())
	if _, err := g.FetchPrice(context.Background()); !errors.Is(err, ErrDeviation) {
		t.Fatalf("偏离 5%% 应被拒绝, 实际 %v", err)
	}
}

func TestGuardWithoutReference(t *testing.T) {
	g := NewGuard(stubSource{price: decimal.NewFromInt(3)}, nil, decimal.Zero, noopLogger())
	q, err := g.FetchPrice(context.Background())
	if err != nil || !q.Price.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("无参考源时应直接返回主价格: %v", err)
	}
}

func TestGuardPropagatesErrors(t *testing.T) {
	boom := errors.New("rpc down")
	g := NewGuard(stubSource{err: boom}, nil, decimal.Zero, noopLogger())
	if _, err := g.FetchPrice(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("应透传主源错误, 实际 %v", err)
	}

	g = NewGuard(stubSource{price: decimal.Zero}, nil, decimal.Zero, noopLogger())
	if _, err := g.FetchPrice(context.Background()); !errors.Is(err, ErrNonPositive) {
		t.Fatalf("零价格应报错, 实际 %v", err)
	}
}

func TestQuoteFixed(t *testing.T) {
	v, err := Quote{Price: decimal.RequireFromString("1.25")}.Fixed()
	if err != nil {
		t.Fatalf("转换失败: %v", err)
	}
	if v.Cmp(fixedpoint.MustParse("1.25")) != 0 {
		t.Fatalf("期望 1.25, 实际 %s", fixedpoint.Format(v))
	}
	if _, err := (Quote{Price: decimal.NewFromInt(-1)}).Fixed(); !errors.Is(err, ErrNonPositive) {
		t.Fatal("负价格应报错")
	}
}

func TestStatic(t *testing.T) {
	q, err := Static{Price: decimal.NewFromInt(2)}.FetchPrice(context.Background())
	if err != nil || q.Source != "static" {
		t.Fatalf("静态源应成功: %v", err)
	}
	if _, err := (Static{}).FetchPrice(context.Background()); err == nil {
		t.Fatal("未配置价格应报错")
	}
}

func TestVaultRateMissingConfig(t *testing.T) {
	v := NewVaultRate(VaultOptions{}, noopLogger())
	if _, err := v.FetchPrice(context.Background()); err == nil {
		t.Fatal("未配置 RPC 时应报错")
	}

	v = NewVaultRate(VaultOptions{RPCURL: "http://localhost"}, noopLogger())
	if _, err := v.FetchPrice(context.Background()); err == nil {
		t.Fatal("缺少合约地址应报错")
	}
}

func TestMarketQuoteMissingTokens(t *testing.T) {
	m := NewMarketQuote(MarketOptions{Notional: decimal.NewFromInt(1)}, noopLogger())
	if _, err := m.FetchPrice(context.Background()); err == nil {
		t.Fatal("缺少 token 时应返回错误")
	}
}

func TestMarketQuoteHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"errorType": "bad"})
	}))
	defer srv.Close()

	m := NewMarketQuote(MarketOptions{
		BaseURL:   srv.URL,
		Notional:  decimal.NewFromInt(1),
		Timeout:   time.Second,
		SellToken: "0x1",
		BuyToken:  "0x2",
	}, noopLogger())

	if _, err := m.FetchPrice(context.Background()); err == nil {
		t.Fatal("HTTP 400 应返回错误")
	}
}

func TestMarketQuoteSuccess(t *testing.T) {
	var got quoteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != cowQuotePath {
			t.Errorf("路径应为 %s, 实际 %s", cowQuotePath, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"quote": map[string]string{
				"sellAmount": "1000000000000000000",
				"buyAmount":  "1250000000000000000",
				"feeAmount":  "0",
			},
			"priceQuality": "verified",
		})
	}))
	defer srv.Close()

	m := NewMarketQuote(MarketOptions{
		BaseURL:      srv.URL,
		PriceQuality: "optimal",
		Notional:     decimal.NewFromInt(1),
		Timeout:      time.Second,
		UserAgent:    "test",
		SellToken:    "0x1",
		BuyToken:     "0x2",
	}, noopLogger())

	q, err := m.FetchPrice(context.Background())
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if !q.Price.Equal(decimal.RequireFromString("1.25")) {
		t.Fatalf("期望价格 1.25, 实际 %s", q.Price.String())
	}
	if q.Quality != "verified" {
		t.Fatal("应返回响应中的 priceQuality")
	}
	if got.SellAmountBeforeFee != "1000000000000000000" || got.Kind != "sell" {
		t.Fatalf("请求体不正确: %#v", got)
	}
}

func TestDecodeAssets(t *testing.T) {
	packed, err := erc4626ABI.Methods["convertToAssets"].Outputs.Pack(fixedpoint.MustParse("1.1").ToBig())
	if err != nil {
		t.Fatalf("打包失败: %v", err)
	}
	assets, err := decodeAssets(packed)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if assets.String() != "1100000000000000000" {
		t.Fatalf("期望 1.1e18, 实际 %s", assets)
	}
}
