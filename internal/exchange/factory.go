// Package exchange constructs venue adapters by id
package exchange

import (
	"fmt"

	"exec_gateway/internal/core"
	"exec_gateway/internal/exchange/binance"
	"exec_gateway/internal/exchange/bingx"
	"exec_gateway/internal/exchange/bitget"
	"exec_gateway/internal/exchange/bybit"
	"exec_gateway/internal/exchange/coinex"
	"exec_gateway/internal/exchange/gate"
	"exec_gateway/internal/exchange/htx"
	"exec_gateway/internal/exchange/kucoin"
	"exec_gateway/internal/exchange/lbank"
	"exec_gateway/internal/exchange/mexc"
	"exec_gateway/internal/exchange/okx"
	apperrors "exec_gateway/pkg/errors"
)

// New returns the adapter for the given exchange id. Unknown ids
// return ErrUnknownExchange so callers can surface the id verbatim.
func New(cfg *core.ExchangeConfig, logger core.ILogger) (core.Exchange, error) {
	switch cfg.ID {
	case "binance":
		return binance.NewBinanceExchange(cfg, logger), nil
	case "bybit":
		return bybit.NewBybitExchange(cfg, logger), nil
	case "okx":
		return okx.NewOkxExchange(cfg, logger), nil
	case "mexc":
		return mexc.NewMexcExchange(cfg, logger), nil
	case "bitget":
		return bitget.NewBitgetExchange(cfg, logger), nil
	case "kucoin":
		return kucoin.NewKucoinExchange(cfg, logger), nil
	case "gateio":
		return gate.NewGateExchange(cfg, logger), nil
	case "bingx":
		return bingx.NewBingxExchange(cfg, logger), nil
	case "coinex":
		return coinex.NewCoinexExchange(cfg, logger), nil
	case "lbank":
		return lbank.NewLbankExchange(cfg, logger), nil
	case "htx":
		return htx.NewHtxExchange(cfg, logger), nil
	default:
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownExchange, cfg.ID)
	}
}
