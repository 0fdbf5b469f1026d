// Package slicer splits large orders into smaller child orders to
// reduce market impact and slippage.
package slicer

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"exec_gateway/internal/core"
)

// minSliceSize is the dust threshold. Totals whose computed slice size
// falls below it execute as a single order.
var minSliceSize = decimal.NewFromFloat(0.001)

// completeThreshold marks an execution complete at a 99% fill.
var completeThreshold = decimal.NewFromFloat(0.99)

// OrderSlicer executes a quantity as a sequence of limit orders. It
// holds no state between calls.
type OrderSlicer struct {
	config core.SlicingConfig
	logger core.ILogger
}

// NewOrderSlicer creates a slicer with the given configuration
func NewOrderSlicer(config core.SlicingConfig, logger core.ILogger) *OrderSlicer {
	return &OrderSlicer{config: config, logger: logger}
}

// CalculateSlices returns the child order sizes for a total quantity.
// Slices are total*slice_percent each with the remainder last; the sum
// always equals the total exactly.
func (s *OrderSlicer) CalculateSlices(total decimal.Decimal) []decimal.Decimal {
	sliceSize := total.Mul(decimal.NewFromFloat(s.config.SlicePercent))

	if sliceSize.LessThan(minSliceSize) {
		return []decimal.Decimal{total}
	}

	var slices []decimal.Decimal
	remaining := total
	for remaining.IsPositive() {
		slice := sliceSize
		if remaining.LessThan(sliceSize) {
			slice = remaining
		}
		slices = append(slices, slice)
		remaining = remaining.Sub(slice)
	}
	return slices
}

// CalculateLimitPrice offsets the touch by the configured tolerance:
// buys land slightly above the best bid, sells slightly below the best
// ask, to raise fill probability without crossing the spread.
func CalculateLimitPrice(side core.Side, bestBid, bestAsk decimal.Decimal, toleranceBps float64) decimal.Decimal {
	tolerance := decimal.NewFromFloat(toleranceBps / 10000.0)
	if side == core.SideBuy {
		return bestBid.Mul(decimal.NewFromInt(1).Add(tolerance))
	}
	return bestAsk.Mul(decimal.NewFromInt(1).Sub(tolerance))
}

// ExecuteSlicedOrder places the total as sequential limit slices. Each
// slice refreshes the reference price, places under a fresh client
// order id with a per-slice timeout, and optionally polls the venue
// for fills. A failed slice is recorded as Rejected and execution
// continues with the next one.
func (s *OrderSlicer) ExecuteSlicedOrder(
	ctx context.Context,
	adapter core.Exchange,
	creds *core.Credentials,
	symbol string,
	side core.Side,
	total decimal.Decimal,
	reduceOnly bool,
) (*core.SlicedOrderResult, error) {
	slices := s.CalculateSlices(total)

	s.logger.Info("executing sliced order",
		"exchange", adapter.ID(),
		"symbol", symbol,
		"side", string(side),
		"total", total.String(),
		"slices", len(slices))

	results := make([]core.SliceResult, 0, len(slices))
	totalFilled := decimal.Zero
	weightedPriceSum := decimal.Zero

	for index, sliceQty := range slices {
		slice := s.executeSlice(ctx, adapter, creds, symbol, side, sliceQty, index, reduceOnly)

		totalFilled = totalFilled.Add(slice.FilledQuantity)
		if slice.AvgFillPrice != nil {
			weightedPriceSum = weightedPriceSum.Add(slice.AvgFillPrice.Mul(slice.FilledQuantity))
		}
		results = append(results, slice)

		if index < len(slices)-1 {
			if err := sleepCtx(ctx, time.Duration(s.config.IntervalMs)*time.Millisecond); err != nil {
				return nil, err
			}
		}
	}

	avgFillPrice := decimal.Zero
	if totalFilled.IsPositive() {
		avgFillPrice = weightedPriceSum.Div(totalFilled)
	}

	result := &core.SlicedOrderResult{
		TotalQuantity:  total,
		FilledQuantity: totalFilled,
		AvgFillPrice:   avgFillPrice,
		Slices:         results,
		TotalFees:      decimal.Zero,
		IsComplete:     totalFilled.GreaterThanOrEqual(total.Mul(completeThreshold)),
	}

	s.logger.Info("sliced order complete",
		"exchange", adapter.ID(),
		"symbol", symbol,
		"filled", totalFilled.String(),
		"total", total.String(),
		"avg_price", avgFillPrice.String(),
		"complete", result.IsComplete)

	return result, nil
}

// executeSlice runs one child order end to end. Any failure along the
// way yields a Rejected slice rather than an error.
func (s *OrderSlicer) executeSlice(
	ctx context.Context,
	adapter core.Exchange,
	creds *core.Credentials,
	symbol string,
	side core.Side,
	quantity decimal.Decimal,
	index int,
	reduceOnly bool,
) core.SliceResult {
	clientOrderID := core.NewClientOrderID()
	slice := core.SliceResult{
		Index:          index,
		ClientOrderID:  clientOrderID,
		Quantity:       quantity,
		FilledQuantity: decimal.Zero,
		Status:         core.StatusRejected,
	}

	sliceCtx, cancel := context.WithTimeout(ctx, time.Duration(s.config.SliceTimeoutSecs)*time.Second)
	defer cancel()

	bestBid, bestAsk, err := adapter.GetBestPrice(sliceCtx, symbol)
	if err != nil {
		s.logger.Warn("slice price refresh failed",
			"exchange", adapter.ID(), "symbol", symbol, "index", index, "error", err)
		return slice
	}

	limitPrice := CalculateLimitPrice(side, bestBid, bestAsk, s.config.PriceToleranceBps)
	slice.Price = limitPrice

	req := &core.OrderRequest{
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          side,
		OrderType:     core.OrderTypeLimit,
		Price:         &limitPrice,
		Quantity:      quantity,
		ReduceOnly:    reduceOnly,
	}

	resp, err := adapter.PlaceOrder(sliceCtx, creds, req)
	if err != nil {
		s.logger.Warn("slice placement failed",
			"exchange", adapter.ID(), "symbol", symbol, "index", index, "error", err)
		return slice
	}

	slice.ExchangeOrderID = resp.ExchangeOrderID
	slice.FilledQuantity = resp.FilledQuantity
	slice.AvgFillPrice = resp.AvgFillPrice
	slice.Status = resp.Status

	if s.config.PollFills && !resp.Status.IsTerminal() {
		s.pollFills(sliceCtx, adapter, creds, symbol, &slice)
	}

	return slice
}

// pollFills refreshes the slice from GetOrder until the order reaches
// a terminal status or the slice context expires.
func (s *OrderSlicer) pollFills(
	ctx context.Context,
	adapter core.Exchange,
	creds *core.Credentials,
	symbol string,
	slice *core.SliceResult,
) {
	interval := time.Duration(s.config.PollIntervalMs) * time.Millisecond
	for {
		if err := sleepCtx(ctx, interval); err != nil {
			return
		}

		resp, err := adapter.GetOrder(ctx, creds, symbol, slice.ExchangeOrderID)
		if err != nil {
			s.logger.Warn("slice fill poll failed",
				"exchange", adapter.ID(), "symbol", symbol, "index", slice.Index, "error", err)
			return
		}

		slice.FilledQuantity = resp.FilledQuantity
		slice.AvgFillPrice = resp.AvgFillPrice
		slice.Status = resp.Status

		if resp.Status.IsTerminal() {
			return
		}
	}
}

// ExecuteEmergencyExit places a single aggressive reduce-only order
// crossing the spread: buys at ask*1.005, sells at bid*0.995.
func (s *OrderSlicer) ExecuteEmergencyExit(
	ctx context.Context,
	adapter core.Exchange,
	creds *core.Credentials,
	symbol string,
	side core.Side,
	quantity decimal.Decimal,
) (*core.SlicedOrderResult, error) {
	s.logger.Warn("executing emergency exit",
		"exchange", adapter.ID(),
		"symbol", symbol,
		"side", string(side),
		"quantity", quantity.String())

	bestBid, bestAsk, err := adapter.GetBestPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}

	var aggressivePrice decimal.Decimal
	if side == core.SideBuy {
		aggressivePrice = bestAsk.Mul(decimal.NewFromFloat(1.005))
	} else {
		aggressivePrice = bestBid.Mul(decimal.NewFromFloat(0.995))
	}

	clientOrderID := core.NewClientOrderID()
	req := &core.OrderRequest{
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          side,
		OrderType:     core.OrderTypeLimit,
		Price:         &aggressivePrice,
		Quantity:      quantity,
		ReduceOnly:    true,
	}

	resp, err := adapter.PlaceOrder(ctx, creds, req)
	if err != nil {
		return nil, err
	}

	avgFillPrice := aggressivePrice
	if resp.AvgFillPrice != nil {
		avgFillPrice = *resp.AvgFillPrice
	}

	return &core.SlicedOrderResult{
		TotalQuantity:  quantity,
		FilledQuantity: resp.FilledQuantity,
		AvgFillPrice:   avgFillPrice,
		Slices: []core.SliceResult{{
			Index:           0,
			ClientOrderID:   clientOrderID,
			ExchangeOrderID: resp.ExchangeOrderID,
			Quantity:        quantity,
			Price:           aggressivePrice,
			FilledQuantity:  resp.FilledQuantity,
			AvgFillPrice:    resp.AvgFillPrice,
			Status:          resp.Status,
		}},
		TotalFees:  decimal.Zero,
		IsComplete: resp.Status == core.StatusFilled,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
