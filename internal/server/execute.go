package server

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"exec_gateway/internal/core"
	"exec_gateway/internal/slicer"
)

// executeEntry opens the paired position: long leg bought first, then the
// short leg sold, sequentially. Sim mode short-circuits without touching
// any venue.
func (s *Server) executeEntry(ctx context.Context, req *core.TradeEntryRequest) *core.ExecutionResult {
	s.logger.Info("Executing trade entry",
		"trade_id", req.TradeID.String(),
		"mode", string(req.Mode),
		"long", req.LongExchangeID,
		"short", req.ShortExchangeID,
		"size", req.SizeInCoins.String())

	if req.Mode == core.ModeSim {
		return s.simulateEntry(req)
	}

	longAdapter, ok := s.adapters[req.LongExchangeID]
	if !ok {
		return failure(req.TradeID, fmt.Sprintf("Unknown exchange: %s", req.LongExchangeID))
	}
	shortAdapter, ok := s.adapters[req.ShortExchangeID]
	if !ok {
		return failure(req.TradeID, fmt.Sprintf("Unknown exchange: %s", req.ShortExchangeID))
	}

	longCreds, err := s.creds.Get(ctx, req.LongAPIKeyID.String())
	if err != nil {
		s.logger.Error("Credential load failed for long leg",
			"trade_id", req.TradeID.String(), "api_key_id", req.LongAPIKeyID.String(), "error", err)
		return failure(req.TradeID, "Failed to load credentials for long leg")
	}
	shortCreds, err := s.creds.Get(ctx, req.ShortAPIKeyID.String())
	if err != nil {
		s.logger.Error("Credential load failed for short leg",
			"trade_id", req.TradeID.String(), "api_key_id", req.ShortAPIKeyID.String(), "error", err)
		return failure(req.TradeID, "Failed to load credentials for short leg")
	}

	sl := slicer.NewOrderSlicer(s.slicingFor(req), s.logger)

	longRes, err := sl.ExecuteSlicedOrder(ctx, longAdapter, longCreds,
		req.LongSymbol, core.SideBuy, req.SizeInCoins, false)
	if err != nil {
		s.logger.Error("Long leg entry interrupted",
			"trade_id", req.TradeID.String(), "exchange", req.LongExchangeID, "error", err)
		return failure(req.TradeID, "Execution interrupted")
	}
	shortRes, err := sl.ExecuteSlicedOrder(ctx, shortAdapter, shortCreds,
		req.ShortSymbol, core.SideSell, req.SizeInCoins, false)
	if err != nil {
		s.logger.Error("Short leg entry interrupted",
			"trade_id", req.TradeID.String(), "exchange", req.ShortExchangeID, "error", err)
		partial := aggregate(req.TradeID, longRes, emptyLeg(req.SizeInCoins))
		msg := "Execution interrupted"
		partial.Error = &msg
		return partial
	}

	return aggregate(req.TradeID, longRes, shortRes)
}

// executeExit unwinds the position: the long leg sells and the short leg
// buys, always reduce-only. Emergency exits cross the spread with a
// single aggressive order per leg instead of slicing.
func (s *Server) executeExit(ctx context.Context, req *core.TradeExitRequest) *core.ExecutionResult {
	s.logger.Info("Executing trade exit",
		"trade_id", req.TradeID.String(),
		"position_id", req.PositionID.String(),
		"emergency", req.IsEmergency)

	longAdapter, ok := s.adapters[req.LongExchangeID]
	if !ok {
		return failure(req.TradeID, fmt.Sprintf("Unknown exchange: %s", req.LongExchangeID))
	}
	shortAdapter, ok := s.adapters[req.ShortExchangeID]
	if !ok {
		return failure(req.TradeID, fmt.Sprintf("Unknown exchange: %s", req.ShortExchangeID))
	}

	longCreds, err := s.creds.Get(ctx, req.LongAPIKeyID.String())
	if err != nil {
		s.logger.Error("Credential load failed for long leg",
			"trade_id", req.TradeID.String(), "api_key_id", req.LongAPIKeyID.String(), "error", err)
		return failure(req.TradeID, "Failed to load credentials for long leg")
	}
	shortCreds, err := s.creds.Get(ctx, req.ShortAPIKeyID.String())
	if err != nil {
		s.logger.Error("Credential load failed for short leg",
			"trade_id", req.TradeID.String(), "api_key_id", req.ShortAPIKeyID.String(), "error", err)
		return failure(req.TradeID, "Failed to load credentials for short leg")
	}

	sl := slicer.NewOrderSlicer(s.slicing, s.logger)

	exec := func(adapter core.Exchange, creds *core.Credentials, symbol string, side core.Side, qty decimal.Decimal) (*core.SlicedOrderResult, error) {
		if req.IsEmergency {
			return sl.ExecuteEmergencyExit(ctx, adapter, creds, symbol, side, qty)
		}
		return sl.ExecuteSlicedOrder(ctx, adapter, creds, symbol, side, qty, true)
	}

	longRes, err := exec(longAdapter, longCreds, req.LongSymbol, core.SideSell, req.LongQuantity)
	if err != nil {
		s.logger.Error("Long leg exit failed",
			"trade_id", req.TradeID.String(), "exchange", req.LongExchangeID, "error", err)
		return failure(req.TradeID, "Execution failed on long leg")
	}
	shortRes, err := exec(shortAdapter, shortCreds, req.ShortSymbol, core.SideBuy, req.ShortQuantity)
	if err != nil {
		s.logger.Error("Short leg exit failed",
			"trade_id", req.TradeID.String(), "exchange", req.ShortExchangeID, "error", err)
		partial := aggregate(req.TradeID, longRes, emptyLeg(req.ShortQuantity))
		msg := "Execution failed on short leg"
		partial.Error = &msg
		return partial
	}

	return aggregate(req.TradeID, longRes, shortRes)
}

// simulateEntry assumes perfect fills without touching venues or
// credentials. Prices are zero; the backend fills them in from its own
// book snapshot.
func (s *Server) simulateEntry(req *core.TradeEntryRequest) *core.ExecutionResult {
	s.logger.Info("Simulating trade entry", "trade_id", req.TradeID.String())
	return &core.ExecutionResult{
		TradeID:       req.TradeID,
		Success:       true,
		LongFilled:    req.SizeInCoins,
		LongAvgPrice:  decimal.Zero,
		ShortFilled:   req.SizeInCoins,
		ShortAvgPrice: decimal.Zero,
		Error:         nil,
	}
}

// slicingFor applies the per-request overrides onto the configured
// slicing defaults. An absolute slice size is translated into the
// percent the slicer works in.
func (s *Server) slicingFor(req *core.TradeEntryRequest) core.SlicingConfig {
	cfg := s.slicing
	if req.Slicing.SliceSizeCoins != nil && req.SizeInCoins.IsPositive() {
		pct := req.Slicing.SliceSizeCoins.Div(req.SizeInCoins).InexactFloat64()
		if pct > 0 {
			if pct > 1 {
				pct = 1
			}
			cfg.SlicePercent = pct
		}
	}
	if req.Slicing.SliceIntervalMs != nil {
		cfg.IntervalMs = *req.Slicing.SliceIntervalMs
	}
	return cfg
}

// aggregate folds both legs into the consolidated result. Success means
// both legs individually reached their completion threshold.
func aggregate(tradeID uuid.UUID, long, short *core.SlicedOrderResult) *core.ExecutionResult {
	result := &core.ExecutionResult{
		TradeID:       tradeID,
		Success:       long.IsComplete && short.IsComplete,
		LongFilled:    long.FilledQuantity,
		LongAvgPrice:  long.AvgFillPrice,
		ShortFilled:   short.FilledQuantity,
		ShortAvgPrice: short.AvgFillPrice,
	}
	if !result.Success {
		msg := "Execution incomplete on one or both legs"
		result.Error = &msg
	}
	return result
}

func emptyLeg(total decimal.Decimal) *core.SlicedOrderResult {
	return &core.SlicedOrderResult{
		TotalQuantity:  total,
		FilledQuantity: decimal.Zero,
		AvgFillPrice:   decimal.Zero,
	}
}

func failure(tradeID uuid.UUID, msg string) *core.ExecutionResult {
	return &core.ExecutionResult{
		TradeID:       tradeID,
		Success:       false,
		LongFilled:    decimal.Zero,
		LongAvgPrice:  decimal.Zero,
		ShortFilled:   decimal.Zero,
		ShortAvgPrice: decimal.Zero,
		Error:         &msg,
	}
}
