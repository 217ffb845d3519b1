package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"perp-autopilot/internal/domain"
)

// HTTPConfig holds remote pipeline configuration
type HTTPConfig struct {
	BaseURL string        `json:"base_url"`
	APIKey  string        `json:"api_key"`
	Timeout time.Duration `json:"timeout"`
}

// HTTPPipeline calls a remote analysis service over JSON. Each stage is a
// POST; 204 No Content means no result.
type HTTPPipeline struct {
	config     HTTPConfig
	httpClient *http.Client
}

// NewHTTPPipeline creates a new remote pipeline client
func NewHTTPPipeline(config HTTPConfig) *HTTPPipeline {
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	return &HTTPPipeline{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// post returns false when the service answered 204
func (p *HTTPPipeline) post(ctx context.Context, path string, in, out interface{}) (bool, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return false, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(p.config.BaseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var e errorBody
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			return false, fmt.Errorf("pipeline %s returned %d: %s", path, resp.StatusCode, e.Error)
		}
		return false, fmt.Errorf("pipeline %s returned %d", path, resp.StatusCode)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return true, nil
}

func (p *HTTPPipeline) SelectSymbol(ctx context.Context, market map[string]MarketData) (*Selection, error) {
	var sel Selection
	ok, err := p.post(ctx, "/select-symbol", map[string]interface{}{"market": market}, &sel)
	if err != nil || !ok || sel.Symbol == "" {
		return nil, err
	}
	return &sel, nil
}

func (p *HTTPPipeline) AnalyzeSpecialists(ctx context.Context, symbol string, market MarketData, direction domain.Side) ([]SpecialistAnalysis, error) {
	var resp struct {
		Analyses []SpecialistAnalysis `json:"analyses"`
	}
	req := map[string]interface{}{"symbol": symbol, "market": market, "direction": direction}
	if _, err := p.post(ctx, "/analyze", req, &resp); err != nil {
		return nil, err
	}
	return resp.Analyses, nil
}

func (p *HTTPPipeline) Adjudicate(ctx context.Context, analyses []SpecialistAnalysis, market MarketData) (*ChampionDecision, error) {
	var champion ChampionDecision
	req := map[string]interface{}{"analyses": analyses, "market": market}
	ok, err := p.post(ctx, "/adjudicate", req, &champion)
	if err != nil || !ok || champion.Symbol == "" {
		return nil, err
	}
	return &champion, nil
}

func (p *HTTPPipeline) ReviewRisk(ctx context.Context, champion ChampionDecision, market MarketData, account AccountView) (*RiskReview, error) {
	var review RiskReview
	req := map[string]interface{}{"champion": champion, "market": market, "account": account}
	ok, err := p.post(ctx, "/review-risk", req, &review)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &review, nil
}
