package review

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"risk-gated-trader/internal/domain"
)

// Provider represents the LLM provider type
type Provider string

const (
	ProviderClaude   Provider = "claude"
	ProviderOpenAI   Provider = "openai"
	ProviderDeepSeek Provider = "deepseek"
)

var defaultEndpoints = map[Provider]string{
	ProviderClaude:   "https://api.anthropic.com/v1/messages",
	ProviderOpenAI:   "https://api.openai.com/v1/chat/completions",
	ProviderDeepSeek: "https://api.deepseek.com/v1/chat/completions",
}

// ClientConfig holds LLM client configuration
type ClientConfig struct {
	Provider    Provider      `json:"provider"`
	Endpoint    string        `json:"endpoint"` // overrides the provider default
	APIKey      string        `json:"api_key"`
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Timeout     time.Duration `json:"timeout"`
}

// DefaultClientConfig returns default configuration
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Provider:    ProviderClaude,
		Model:       "claude-sonnet-4-20250514",
		MaxTokens:   512,
		Temperature: 0.2,
		Timeout:     20 * time.Second,
	}
}

// LLMReviewer asks a chat model to review a trade
type LLMReviewer struct {
	config     ClientConfig
	httpClient *http.Client
}

// NewLLMReviewer creates a reviewer backed by an LLM provider
func NewLLMReviewer(config ClientConfig) *LLMReviewer {
	if config.Timeout <= 0 {
		config.Timeout = 20 * time.Second
	}
	if config.Endpoint == "" {
		config.Endpoint = defaultEndpoints[config.Provider]
	}
	return &LLMReviewer{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// IsConfigured checks if the client is properly configured
func (r *LLMReviewer) IsConfigured() bool {
	return r.config.APIKey != "" && r.config.Endpoint != ""
}

const systemPromptReview = `You are a forex prop-firm risk reviewer.

Review the proposed trade against the account constraints. Capital
preservation outranks profit: deny when the trade risks the daily loss or
drawdown buffers, or when the setup is weak for the pacing urgency.

Your response must be in valid JSON format:
{
  "action": "approve" | "deny" | "adjust",
  "reasoning": "brief explanation",
  "stop_price": number (only when adjusting),
  "target_price": number (only when adjusting),
  "risk_pct": number (only when reducing risk)
}`

func buildReviewPrompt(opp domain.Opportunity, account AccountContext) string {
	trade, _ := json.Marshal(map[string]interface{}{
		"symbol":              opp.Symbol,
		"direction":           opp.Direction,
		"confidence":          opp.Confidence,
		"entry_price":         opp.EntryPrice,
		"stop_price":          opp.StopPrice,
		"target_price":        opp.TargetPrice,
		"timeframe_agreement": opp.TimeframeAgreement,
		"tier":                opp.Tier,
	})
	acct, _ := json.Marshal(account)

	return `Review this proposed trade:

Trade Details:
` + string(trade) + `

Account Information:
` + string(acct) + `

Provide your review in the specified JSON format.`
}

// Review sends the trade to the LLM and parses its verdict
func (r *LLMReviewer) Review(ctx context.Context, opp domain.Opportunity, account AccountContext) (Verdict, error) {
	if !r.IsConfigured() {
		return Verdict{}, fmt.Errorf("review client not configured")
	}

	text, err := r.complete(ctx, systemPromptReview, buildReviewPrompt(opp, account))
	if err != nil {
		return Verdict{}, err
	}

	var raw struct {
		Action      string  `json:"action"`
		Reasoning   string  `json:"reasoning"`
		StopPrice   float64 `json:"stop_price"`
		TargetPrice float64 `json:"target_price"`
		RiskPct     float64 `json:"risk_pct"`
	}
	if err := json.Unmarshal([]byte(stripMarkdownCodeBlock(text)), &raw); err != nil {
		return Verdict{}, fmt.Errorf("failed to parse LLM response: %w", err)
	}
	return Verdict{
		Action:      ParseAction(raw.Action),
		Reasoning:   raw.Reasoning,
		StopPrice:   raw.StopPrice,
		TargetPrice: raw.TargetPrice,
		RiskPct:     raw.RiskPct,
	}, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
	Messages    []message `json:"messages"`
	System      string    `json:"system,omitempty"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (r *LLMReviewer) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var payload interface{}
	switch r.config.Provider {
	case ProviderClaude:
		payload = claudeRequest{
			Model:       r.config.Model,
			MaxTokens:   r.config.MaxTokens,
			Temperature: r.config.Temperature,
			System:      systemPrompt,
			Messages:    []message{{Role: "user", Content: userPrompt}},
		}
	case ProviderOpenAI, ProviderDeepSeek:
		payload = openAIRequest{
			Model:       r.config.Model,
			MaxTokens:   r.config.MaxTokens,
			Temperature: r.config.Temperature,
			Messages: []message{
				{Role: "system", Content: systemPrompt},
				{Role: "user", Content: userPrompt},
			},
		}
	default:
		return "", fmt.Errorf("unsupported provider: %s", r.config.Provider)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.config.Provider == ProviderClaude {
		httpReq.Header.Set("x-api-key", r.config.APIKey)
		httpReq.Header.Set("anthropic-version", "2023-06-01")
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+r.config.APIKey)
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return "", domain.Transient("review.complete", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", domain.Transient("review.complete", fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", domain.Transient("review.complete", fmt.Errorf("status %d", resp.StatusCode))
	}

	if r.config.Provider == ProviderClaude {
		var cr claudeResponse
		if err := json.Unmarshal(respBody, &cr); err != nil {
			return "", fmt.Errorf("failed to unmarshal response: %w", err)
		}
		if cr.Error != nil {
			return "", fmt.Errorf("API error: %s - %s", cr.Error.Type, cr.Error.Message)
		}
		if len(cr.Content) == 0 {
			return "", fmt.Errorf("empty response from %s", r.config.Provider)
		}
		return cr.Content[0].Text, nil
	}

	var or openAIResponse
	if err := json.Unmarshal(respBody, &or); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if or.Error != nil {
		return "", fmt.Errorf("API error: %s - %s", or.Error.Type, or.Error.Message)
	}
	if len(or.Choices) == 0 {
		return "", fmt.Errorf("empty response from %s", r.config.Provider)
	}
	return or.Choices[0].Message.Content, nil
}

var codeBlock = regexp.MustCompile("(?s)^```(?:json)?\\s*\\n?(.*?)\\n?```$")

// stripMarkdownCodeBlock removes ```json fences from LLM responses
func stripMarkdownCodeBlock(response string) string {
	response = strings.TrimSpace(response)
	if matches := codeBlock.FindStringSubmatch(response); len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}
	return response
}
