// Package server consumes execution requests from a Redis stream, runs
// them through the order slicer, and publishes consolidated results.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"exec_gateway/internal/alert"
	"exec_gateway/internal/core"
	"exec_gateway/pkg/telemetry"
)

const (
	// StreamRequests carries inbound TradeEntryRequest / TradeExitRequest
	// payloads, one JSON document per entry under the "data" field.
	StreamRequests = "execution:requests"
	// StreamResults carries outbound ExecutionResult payloads.
	StreamResults = "execution:results"

	readBlock  = 5 * time.Second
	readCount  = 10
	maxBackoff = 30 * time.Second
)

// Server is the execution request loop. Adapters and configuration are
// immutable after construction; the loop itself is single-goroutine, so
// requests in a batch are processed in stream order.
type Server struct {
	rdb      redis.Cmdable
	adapters map[string]core.Exchange
	creds    core.CredentialSource
	slicing  core.SlicingConfig
	alerts   *alert.Manager
	logger   core.ILogger
}

// NewServer wires the request loop. alerts may be nil.
func NewServer(
	rdb redis.Cmdable,
	adapters map[string]core.Exchange,
	creds core.CredentialSource,
	slicing core.SlicingConfig,
	alerts *alert.Manager,
	logger core.ILogger,
) *Server {
	return &Server{
		rdb:      rdb,
		adapters: adapters,
		creds:    creds,
		slicing:  slicing,
		alerts:   alerts,
		logger:   logger.WithField("component", "execution_server"),
	}
}

// Run tails the request stream until ctx is cancelled. The first read
// starts at "$" (only new entries); subsequent reads continue from the
// last delivered id so entries arriving while a batch executes are not
// skipped. Read errors back off exponentially and reconnect through the
// managed client.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Listening for execution requests", "stream", StreamRequests)

	lastID := "$"
	backoff := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := s.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{StreamRequests, lastID},
			Count:   readCount,
			Block:   readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Block timeout with no entries.
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("Stream read failed, backing off", "error", err, "backoff", backoff.String())
			if serr := sleepCtx(ctx, backoff); serr != nil {
				return serr
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				s.handleMessage(ctx, msg)
				lastID = msg.ID
			}
		}
	}
}

// handleMessage decodes one stream entry and executes it. Malformed
// entries are logged and dropped; delivery is at-least-once and venue
// idempotency comes from client order ids.
func (s *Server) handleMessage(ctx context.Context, msg redis.XMessage) {
	metrics := telemetry.GetGlobalMetrics()
	if metrics.RequestsConsumedTotal != nil {
		metrics.RequestsConsumedTotal.Add(ctx, 1)
	}

	raw, ok := msg.Values["data"]
	if !ok {
		s.logger.Warn("No data field in message", "id", msg.ID)
		return
	}

	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		s.logger.Warn("Invalid message format", "id", msg.ID)
		return
	}
	if !utf8.Valid(data) {
		s.logger.Warn("Invalid UTF-8 in message", "id", msg.ID)
		return
	}

	// Entry requests carry "mode", exit requests carry "position_id";
	// anything with neither is not ours.
	var probe struct {
		Mode       *core.ExecutionMode `json:"mode"`
		PositionID *uuid.UUID          `json:"position_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		s.logger.Warn("Unknown request format", "id", msg.ID, "error", err)
		return
	}

	switch {
	case probe.Mode != nil:
		var req core.TradeEntryRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.logger.Warn("Malformed entry request", "id", msg.ID, "error", err)
			return
		}
		s.publishResult(ctx, s.executeEntry(ctx, &req))
	case probe.PositionID != nil:
		var req core.TradeExitRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.logger.Warn("Malformed exit request", "id", msg.ID, "error", err)
			return
		}
		s.publishResult(ctx, s.executeExit(ctx, &req))
	default:
		s.logger.Warn("Unknown request format", "id", msg.ID)
	}
}

// publishResult appends the result to the results stream. Publish
// failures are logged; the request is not retried.
func (s *Server) publishResult(ctx context.Context, result *core.ExecutionResult) {
	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("Failed to serialize result", "trade_id", result.TradeID.String(), "error", err)
		return
	}

	if err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamResults,
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		s.logger.Error("Failed to publish result", "trade_id", result.TradeID.String(), "error", err)
		return
	}

	metrics := telemetry.GetGlobalMetrics()
	if metrics.ResultsPublishedTotal != nil {
		metrics.ResultsPublishedTotal.Add(ctx, 1)
	}
	s.logger.Info("Published execution result",
		"trade_id", result.TradeID.String(),
		"success", result.Success)

	if !result.Success && s.alerts != nil {
		msg := "execution did not complete"
		if result.Error != nil {
			msg = *result.Error
		}
		s.alerts.Alert(ctx, "Execution failed", msg, alert.LevelError, map[string]string{
			"trade_id": result.TradeID.String(),
		})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
