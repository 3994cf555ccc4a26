package gateway

import "testing"

func TestNormalizeSymbol(t *testing.T) {
	cases := []struct {
		exchange string
		in       string
		want     string
	}{
		{"okx", "BTC-USDT-SWAP", "BTCUSDT"},
		{"okx", "ETH-USDT-SWAP", "ETHUSDT"},
		{"binance", "BTCUSDT", "BTCUSDT"},
		{"bybit", "btcusdt", "BTCUSDT"},
	}
	for _, tc := range cases {
		if got := NormalizeSymbol(tc.exchange, tc.in); got != tc.want {
			t.Errorf("NormalizeSymbol(%s, %s) = %s, want %s", tc.exchange, tc.in, got, tc.want)
		}
	}
}

func TestExchangeSymbol(t *testing.T) {
	if got := ExchangeSymbol("okx", "BTCUSDT"); got != "BTC-USDT-SWAP" {
		t.Fatalf("okx instrument = %s", got)
	}
	if got := ExchangeSymbol("binance", "BTCUSDT"); got != "BTCUSDT" {
		t.Fatalf("binance symbol should pass through, got %s", got)
	}
	// Round trip for okx instruments.
	if got := NormalizeSymbol("okx", ExchangeSymbol("okx", "SOLUSDT")); got != "SOLUSDT" {
		t.Fatalf("okx round trip broke: %s", got)
	}
}
