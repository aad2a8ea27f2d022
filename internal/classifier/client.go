// Package classifier asks an OpenAI compatible chat model whether an email is
// a purchase request and, if so, what is being asked for.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"procure/internal"
	"procure/internal/config"
	"procure/internal/util"
)

var (
	ErrAPICallFailed   = errors.New("classifier API call failed")
	ErrInvalidResponse = errors.New("invalid classifier response")
)

type Client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	excerpt     int
	httpClient  *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// rawVerdict tolerates models that quote numbers or omit fields.
type rawVerdict struct {
	IsProcurementRequest any    `json:"is_procurement_request"`
	ProductName          string `json:"product_name"`
	Quantity             any    `json:"quantity"`
	TargetPrice          any    `json:"target_price"`
	Category             string `json:"category"`
	Reasoning            string `json:"reasoning"`
}

func NewClient(cfg config.Config) (*Client, error) {
	if err := cfg.Require("OPENAI_API_KEY", cfg.OpenAIAPIKey); err != nil {
		return nil, err
	}
	return &Client{
		apiKey:      cfg.OpenAIAPIKey,
		baseURL:     strings.TrimRight(cfg.OpenAIBaseURL, "/"),
		model:       cfg.OpenAIModel,
		temperature: cfg.OpenAITemperature,
		maxTokens:   cfg.ClassifierMaxTokens,
		excerpt:     cfg.ClassifierExcerpt,
		httpClient:  &http.Client{Timeout: time.Duration(cfg.OpenAITimeoutMs) * time.Millisecond},
	}, nil
}

// Classify makes a single attempt. Any error means the email could not be
// classified and should be skipped.
func (c *Client) Classify(ctx context.Context, msg internal.EmailMessage) (*internal.Verdict, error) {
	content, err := c.complete(ctx, []chatMessage{{Role: "user", Content: c.prompt(msg)}})
	if err != nil {
		return nil, err
	}
	return ParseVerdict(content)
}

func (c *Client) prompt(msg internal.EmailMessage) string {
	b := strings.Builder{}
	b.WriteString("You analyze emails to identify procurement requests: someone asking to buy, order or purchase something.\n\n")
	b.WriteString("Email Subject: " + msg.Subject + "\n")
	b.WriteString("Email From: " + msg.From + "\n")
	b.WriteString(fmt.Sprintf("Email Body (first %d chars): %s\n\n", c.excerpt, util.Excerpt(msg.Body, c.excerpt)))
	b.WriteString("If it IS a procurement request, extract:\n")
	b.WriteString("- product_name: the item being requested\n")
	b.WriteString("- quantity: quantity needed (1 if not specified)\n")
	b.WriteString("- target_price: budget or estimated price (0 if not specified)\n")
	b.WriteString("- category: one of " + strings.Join(internal.Categories, ", ") + "\n")
	b.WriteString("- is_procurement_request: true\n")
	b.WriteString("- reasoning: why this is a procurement request\n\n")
	b.WriteString("If it is NOT (spam, newsletter, personal email), set is_procurement_request to false and explain in reasoning.\n\n")
	b.WriteString(`Respond ONLY with a JSON object: {"product_name": string, "quantity": number, "target_price": number, "category": string, "is_procurement_request": boolean, "reasoning": string}`)
	return b.String()
}

func (c *Client) complete(ctx context.Context, messages []chatMessage) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:          c.model,
		Messages:       messages,
		Temperature:    c.temperature,
		MaxTokens:      c.maxTokens,
		ResponseFormat: responseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAPICallFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAPICallFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAPICallFailed, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAPICallFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %d: %s", ErrAPICallFailed, resp.StatusCode, util.Excerpt(string(respBody), 300))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("%w: %s", ErrAPICallFailed, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("%w: empty content", ErrInvalidResponse)
	}
	return parsed.Choices[0].Message.Content, nil
}

// ParseVerdict decodes the model's JSON answer and clamps it into range.
func ParseVerdict(content string) (*internal.Verdict, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var raw rawVerdict
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	verdict := &internal.Verdict{
		IsProcurementRequest: toBool(raw.IsProcurementRequest),
		ProductName:          util.NormalizeSpaces(raw.ProductName),
		Reasoning:            strings.TrimSpace(raw.Reasoning),
		Category:             normalizeCategory(raw.Category),
		Quantity:             1,
	}
	if q, ok := toFloat(raw.Quantity); ok && q >= 1 {
		verdict.Quantity = int(math.Round(q))
	}
	if p, ok := toFloat(raw.TargetPrice); ok && p > 0 {
		verdict.TargetPrice = math.Round(p*100) / 100
	}

	if verdict.IsProcurementRequest && verdict.ProductName == "" {
		return nil, fmt.Errorf("%w: procurement request without product_name", ErrInvalidResponse)
	}
	return verdict, nil
}

func normalizeCategory(value string) string {
	value = strings.TrimSpace(value)
	for _, c := range internal.Categories {
		if strings.EqualFold(c, value) {
			return c
		}
	}
	return internal.CategoryOther
}

func toBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(t, ",", ".")), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
