// Package api_test provides tests for the API server.
package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/api"
	"github.com/atlas-desktop/trading-backend/internal/backtester"
	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func setupTestServer(t *testing.T) (*api.Server, *httptest.Server) {
	logger := zap.NewNop()

	dataStore, err := data.NewStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create data store: %v", err)
	}

	config := &types.ServerConfig{
		Host:          "localhost",
		Port:          0,
		WebSocketPath: "/ws",
		ReadTimeout:   5 * time.Second,
		WriteTimeout:  5 * time.Second,
	}

	server := api.NewServer(logger, config, dataStore)
	ts := httptest.NewServer(server.Handler())

	return server, ts
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if result["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got '%v'", result["status"])
	}
}

func TestSymbolsEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/data/symbols")
	if err != nil {
		t.Fatalf("Symbols request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var result map[string][]string
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if len(result["symbols"]) == 0 {
		t.Error("expected default symbols when the data store has none loaded")
	}
}

// TestRunBacktestQueuesWithoutRunning confirms handleRunBacktest only
// reserves an ID and never drives an engine itself - it's the server's
// read-only-results contract.
func TestRunBacktestQueuesWithoutRunning(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	config := types.BacktestConfig{
		ID:             "test-http-backtest",
		Symbols:        []string{"SOL/USDT"},
		StartDate:      time.Now().AddDate(0, -1, 0),
		EndDate:        time.Now(),
		Timeframe:      types.Timeframe1h,
		InitialCapital: decimal.NewFromInt(10000),
		Commission:     decimal.NewFromFloat(0.001),
	}
	body, _ := json.Marshal(config)

	resp, err := http.Post(ts.URL+"/api/v1/backtest/run", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Backtest run request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if result["status"] != "queued" {
		t.Errorf("expected status 'queued', got %v", result["status"])
	}

	id, _ := result["id"].(string)
	resp2, err := http.Get(ts.URL + "/api/v1/backtest/" + id)
	if err != nil {
		t.Fatalf("Backtest status request failed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp2.StatusCode)
	}

	// Cancelling a queued backtest with no registered engine is rejected.
	resp3, err := http.Post(ts.URL+"/api/v1/backtest/"+id+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("Cancel request failed: %v", err)
	}
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 cancelling a backtest with no registered engine, got %d", resp3.StatusCode)
	}
}

// TestPublishResultServesGetAndTrades confirms a result registered via
// PublishResult (as an external driver would after Engine.Run returns)
// is immediately visible through the read-only HTTP surface.
func TestPublishResultServesGetAndTrades(t *testing.T) {
	server, ts := setupTestServer(t)
	defer ts.Close()

	result := &backtester.BacktestResult{
		BarCount: 10,
		Trades: []backtester.TradeRecord{
			{Symbol: "SOL/USDT", EntryPrice: 100, ExitPrice: 110, GrossPnL: 10},
		},
	}
	server.PublishResult("published-run", result, nil)

	resp, err := http.Get(ts.URL + "/api/v1/backtest/published-run")
	if err != nil {
		t.Fatalf("Get backtest failed: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "completed" {
		t.Errorf("expected status 'completed', got %v", body["status"])
	}

	tradesResp, err := http.Get(ts.URL + "/api/v1/backtest/published-run/trades")
	if err != nil {
		t.Fatalf("Get trades failed: %v", err)
	}
	defer tradesResp.Body.Close()
	var tradesBody map[string]interface{}
	json.NewDecoder(tradesResp.Body).Decode(&tradesBody)
	if tradesBody["count"].(float64) != 1 {
		t.Errorf("expected 1 trade, got %v", tradesBody["count"])
	}
}

func TestWebSocketPing(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	wsURL := "ws" + ts.URL[4:] + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket connection failed: %v (response: %v)", err, resp)
	}
	defer conn.Close()

	if err := conn.WriteJSON(api.Message{Type: "request", Method: "ping", ID: "test-ping-1"}); err != nil {
		t.Fatalf("Failed to send ping: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var response api.Message
	if err := conn.ReadJSON(&response); err != nil {
		t.Fatalf("Failed to read pong: %v", err)
	}
	if response.ID != "test-ping-1" {
		t.Errorf("response ID mismatch: got %q", response.ID)
	}
}

func TestWebSocketSubscription(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	wsURL := "ws" + ts.URL[4:] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket connection failed: %v", err)
	}
	defer conn.Close()

	subMsg := api.Message{Type: "request", Method: "subscribe", ID: "test-sub-1", Payload: map[string]interface{}{"channel": "backtest:progress"}}
	if err := conn.WriteJSON(subMsg); err != nil {
		t.Fatalf("Failed to send subscribe: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var response api.Message
	if err := conn.ReadJSON(&response); err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	if response.Error != "" {
		t.Errorf("subscribe failed: %s", response.Error)
	}
}
