package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brojonat/payflow/service/errs"
	"github.com/brojonat/payflow/service/quote"
	"github.com/shopspring/decimal"
)

// QuoteClient fetches swap quotes from an external quote API. It implements quote.Source.
type QuoteClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewQuoteClient creates a quote API client. apiKey may be empty.
func NewQuoteClient(baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *QuoteClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &QuoteClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
		logger:     logger,
	}
}

// quoteResponse is the quote API's wire format.
type quoteResponse struct {
	QuoteID        string          `json:"quote_id"`
	InputAmount    decimal.Decimal `json:"input_amount"`
	OutputAmount   decimal.Decimal `json:"output_amount"`
	Rate           decimal.Decimal `json:"rate"`
	NetworkFee     decimal.Decimal `json:"network_fee"`
	PlatformFee    decimal.Decimal `json:"platform_fee"`
	PriceImpact    decimal.Decimal `json:"price_impact"`
	Route          []string        `json:"route"`
	DepositAddress string          `json:"deposit_address"`
}

// Quote prices req. Transport failures and 5xx responses are retryable; 4xx responses are
// terminal.
func (c *QuoteClient) Quote(ctx context.Context, req quote.Request) (*quote.Quote, error) {
	amount, ok := req.Amount()
	if !ok {
		return nil, errs.Validation(errs.ErrInvalidAmount, "input amount %q", req.InputAmount)
	}

	q := url.Values{}
	q.Set("input", req.InputToken)
	q.Set("output", req.OutputToken)
	q.Set("amount", amount.String())
	q.Set("slippage", req.Slippage.String())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errs.Retryable(errs.ErrNoQuote, "quote request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Retryable(errs.ErrNoQuote, "failed to read quote response: %v", err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, errs.Retryable(errs.ErrNoQuote, "quote api returned %d: %s", resp.StatusCode, errorMessage(body))
	case resp.StatusCode >= 400:
		return nil, errs.Terminal(errs.ErrRejected, "quote api returned %d: %s", resp.StatusCode, errorMessage(body))
	case resp.StatusCode != http.StatusOK:
		return nil, errs.Retryable(errs.ErrNoQuote, "unexpected quote api status %d", resp.StatusCode)
	}

	var qr quoteResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return nil, errs.Retryable(errs.ErrNoQuote, "failed to decode quote: %v", err)
	}
	if qr.InputAmount.IsZero() {
		qr.InputAmount = amount
	}

	c.logger.DebugContext(ctx, "quote fetched",
		"quote_id", qr.QuoteID,
		"input", req.InputToken,
		"output", req.OutputToken,
		"amount", amount.String(),
		"output_amount", qr.OutputAmount.String(),
	)

	return &quote.Quote{
		InputToken:     req.InputToken,
		OutputToken:    req.OutputToken,
		InputAmount:    qr.InputAmount,
		OutputAmount:   qr.OutputAmount,
		Rate:           qr.Rate,
		NetworkFee:     qr.NetworkFee,
		PlatformFee:    qr.PlatformFee,
		PriceImpact:    qr.PriceImpact,
		Slippage:       req.Slippage,
		Route:          qr.Route,
		DepositAddress: qr.DepositAddress,
		QuoteID:        qr.QuoteID,
	}, nil
}

func errorMessage(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	return strings.TrimSpace(string(body))
}
