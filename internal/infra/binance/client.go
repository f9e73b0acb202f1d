package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marketsync/internal/domain"

	"golang.org/x/time/rate"
)

// Binance USD-M futures endpoints
const (
	RESTMainnet = "https://fapi.binance.com"
	RESTTestnet = "https://testnet.binancefuture.com"
	WSMainnet   = "wss://fstream.binance.com"
	WSTestnet   = "wss://stream.binancefuture.com"

	depthPath    = "/fapi/v1/depth"
	apiKeyHeader = "X-MBX-APIKEY"
)

// Endpoints is a REST/websocket base URL pair.
type Endpoints struct {
	REST string
	WS   string
}

// EndpointsFor returns the mainnet or testnet endpoints.
func EndpointsFor(testnet bool) Endpoints {
	if testnet {
		return Endpoints{REST: RESTTestnet, WS: WSTestnet}
	}
	return Endpoints{REST: RESTMainnet, WS: WSMainnet}
}

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64 // shared across all symbols
	Burst             int
}

// Client is the Binance futures REST client. It only fetches depth snapshots.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a REST client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = RESTMainnet
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  slog.Default().With("module", "binance_client"),
	}
}

// Snapshot fetches the full order book of symbol. Implements domain.SnapshotFetcher.
func (c *Client) Snapshot(ctx context.Context, symbol string, limit int) (*domain.Snapshot, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &domain.SnapshotError{Symbol: symbol, Err: err}
	}

	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+depthPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, &domain.SnapshotError{Symbol: symbol, Err: err}
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.SnapshotError{Symbol: symbol, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.SnapshotError{Symbol: symbol, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
			return nil, &domain.SnapshotError{Symbol: symbol, Err: fmt.Errorf("status=%d: %w", resp.StatusCode, &apiErr)}
		}
		return nil, &domain.SnapshotError{Symbol: symbol, Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	var raw depthSnapshot
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &domain.SnapshotError{Symbol: symbol, Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	snap, err := raw.toDomain(strings.ToUpper(symbol))
	if err != nil {
		return nil, &domain.SnapshotError{Symbol: symbol, Err: err}
	}

	c.logger.Debug("Snapshot fetched",
		slog.String("symbol", snap.Symbol),
		slog.Uint64("last_update_id", snap.SequenceID),
		slog.Int("bids", len(snap.Bids)),
		slog.Int("asks", len(snap.Asks)),
		slog.Duration("took", time.Since(start)),
	)
	return snap, nil
}
