// Package tests also exercises the backtest CLI's collaborators
// (data store, backtest loader, engine, results server) end to end,
// the way cmd/backtest/main.go wires them.
package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/api"
	"github.com/atlas-desktop/trading-backend/internal/backtester"
	"github.com/atlas-desktop/trading-backend/internal/backtester/strategy/pm"
	"github.com/atlas-desktop/trading-backend/internal/backtester/strategy/smacross"
	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TestFullBacktestWorkflow loads sample bars through the data store and
// backtest loader, runs them through the engine, and publishes the
// result into the read-only API server - the full path a real
// cmd/backtest invocation drives.
func TestFullBacktestWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	logger := zap.NewNop()

	store, err := data.NewStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create data store: %v", err)
	}
	loader := data.NewBacktestLoader(logger, store)

	symbols := store.GetAvailableSymbols()
	symbol := "SOL/USDT"
	if len(symbols) > 0 {
		symbol = symbols[0]
	}

	end := time.Now()
	start := end.AddDate(0, -1, 0)

	barsBySymbol, err := loader.LoadAligned(context.Background(), []string{symbol}, types.Timeframe1h, start, end)
	if err != nil {
		t.Fatalf("LoadAligned failed: %v", err)
	}
	if backtester.AlignedLen(barsBySymbol) <= 0 {
		t.Fatal("expected a non-empty aligned bar series from sample data generation")
	}

	generator := smacross.NewGenerator(10, 30)
	indicators := generator.Indicators()
	indicators = append(indicators, pm.ATR{Period: 14})

	runConfig := backtester.BacktestConfig{
		InitialCapital: 10000,
		TradingMode:    backtester.LongShort,
		CostPreset:     backtester.Frictionless,
		PathPolicy:     backtester.WorstCase,
		GapPolicy:      backtester.FillAtOpen,
	}

	pms := map[string]backtester.PositionManager{symbol: pm.NewAtrStop(14, 2.0)}
	engine := backtester.NewEngine(logger, runConfig, indicators, []backtester.SignalGenerator{generator}, nil, pms)

	serverConfig := &types.ServerConfig{Host: "localhost", WebSocketPath: "/ws", ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
	server := api.NewServer(logger, serverConfig, store)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	server.RegisterRun("integration-test", nil, engine)

	result, err := engine.Run(context.Background(), barsBySymbol)
	server.PublishResult("integration-test", result, err)
	if err != nil {
		t.Fatalf("engine run failed: %v", err)
	}

	t.Logf("Bars: %d, Fills: %d, Trades: %d", result.BarCount, len(result.Fills), len(result.Trades))

	resp, err := http.Get(ts.URL + "/api/v1/backtest/integration-test")
	if err != nil {
		t.Fatalf("Get backtest failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "completed" {
		t.Errorf("expected status 'completed', got %v", body["status"])
	}
}

// TestWebSocketProgressBroadcast confirms PublishProgress reaches a
// client subscribed to the progress channel.
func TestWebSocketProgressBroadcast(t *testing.T) {
	logger := zap.NewNop()

	store, err := data.NewStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create data store: %v", err)
	}
	serverConfig := &types.ServerConfig{Host: "localhost", WebSocketPath: "/ws", ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
	server := api.NewServer(logger, serverConfig, store)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	wsURL := "ws" + ts.URL[4:] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket connection failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(api.Message{Type: "request", Method: "subscribe", ID: "sub-1", Payload: map[string]interface{}{"channel": "backtest:progress"}}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var subResp api.Message
	if err := conn.ReadJSON(&subResp); err != nil {
		t.Fatalf("subscribe response failed: %v", err)
	}

	server.PublishProgress(types.BacktestProgress{ID: "integration-test", Status: "running", Progress: 50})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var progressMsg api.Message
	if err := conn.ReadJSON(&progressMsg); err != nil {
		t.Fatalf("expected a progress event, got error: %v", err)
	}
	if progressMsg.Method != "backtest:progress" {
		t.Errorf("expected method 'backtest:progress', got %q", progressMsg.Method)
	}
}
