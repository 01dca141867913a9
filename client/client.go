// Package client provides HTTP clients for the payflow API and for the external quote API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/payflow/service/errs"
	"github.com/brojonat/payflow/service/events"
	"github.com/brojonat/payflow/service/fees"
	"github.com/brojonat/payflow/service/outbox"
	"github.com/brojonat/payflow/service/quote"
	"github.com/brojonat/payflow/service/requests"
	"github.com/brojonat/payflow/service/split"
	"github.com/shopspring/decimal"
)

// APIError is a non-2xx response from the payflow server.
type APIError struct {
	StatusCode int
	Message    string
	Kind       errs.Kind
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is the HTTP client for the payflow service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new payflow service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// FeePreset is one row of the fee table.
type FeePreset struct {
	Preset        fees.Preset `json:"preset"`
	Label         string      `json:"label"`
	MicroLamports uint64      `json:"micro_lamports_per_cu"`
}

// FeeRecommendation is the preset the server would use right now.
type FeeRecommendation struct {
	Congestion    fees.CongestionSignal `json:"congestion"`
	Selected      fees.Preset           `json:"selected"`
	Label         string                `json:"label"`
	MicroLamports uint64                `json:"micro_lamports"`
	Recommended   bool                  `json:"recommended"`
}

// Fees returns the fee preset table.
func (c *Client) Fees(ctx context.Context) ([]FeePreset, error) {
	var resp struct {
		Presets []FeePreset `json:"presets"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/fees", nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Presets, nil
}

// FeeRecommendation returns the current congestion signal and the selected preset. A non-empty
// explicit preset overrides the recommendation.
func (c *Client) FeeRecommendation(ctx context.Context, explicit fees.Preset) (*FeeRecommendation, error) {
	path := "/api/v1/fees/recommendation"
	if explicit != "" {
		path += "?preset=" + url.QueryEscape(string(explicit))
	}
	var resp FeeRecommendation
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SplitRequest describes a split to calculate or submit.
type SplitRequest struct {
	SplitID      string              `json:"split_id,omitempty"`
	Total        decimal.Decimal     `json:"total"`
	Mode         split.Mode          `json:"mode"`
	Participants []split.Participant `json:"participants"`
	Memo         *string             `json:"memo,omitempty"`
	FeePreset    fees.Preset         `json:"fee_preset,omitempty"`
}

// SplitTransfer is the outcome of one participant's transfer.
type SplitTransfer struct {
	ParticipantID string                     `json:"participant_id"`
	Entry         *outbox.PendingTransaction `json:"entry,omitempty"`
	Error         string                     `json:"error,omitempty"`
}

// SplitSubmission is the response to SubmitSplit.
type SplitSubmission struct {
	SplitID   string          `json:"split_id"`
	Split     split.Result    `json:"split"`
	Transfers []SplitTransfer `json:"transfers"`
}

// CalculateSplit previews a split.
func (c *Client) CalculateSplit(ctx context.Context, req SplitRequest) (*split.Result, error) {
	var resp split.Result
	if err := c.do(ctx, http.MethodPost, "/api/v1/splits", req, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitSplit sends one transfer per participant. Per-participant failures are reported in the
// result, not as an error.
func (c *Client) SubmitSplit(ctx context.Context, req SplitRequest) (*SplitSubmission, error) {
	var resp SplitSubmission
	if err := c.do(ctx, http.MethodPost, "/api/v1/splits/submit", req, http.StatusOK, &resp, http.StatusMultiStatus); err != nil {
		return nil, err
	}
	c.logger.Debug("split submitted", "split_id", resp.SplitID, "transfers", len(resp.Transfers))
	return &resp, nil
}

// EnqueueRequest is a transfer intent.
type EnqueueRequest struct {
	IntentKey   string          `json:"intent_key,omitempty"`
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
	Memo        *string         `json:"memo,omitempty"`
	FeePreset   fees.Preset     `json:"fee_preset,omitempty"`
}

// Enqueue stores a transfer intent. With attempt set, the server also delivers it once; a failed
// delivery returns the recorded entry together with the error.
func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest, attempt bool) (*outbox.PendingTransaction, error) {
	path := "/api/v1/outbox"
	if attempt {
		path += "?attempt=true"
	}
	return c.entryCall(ctx, http.MethodPost, path, req, http.StatusCreated)
}

// GetEntry returns one outbox entry.
func (c *Client) GetEntry(ctx context.Context, id string) (*outbox.PendingTransaction, error) {
	var entry outbox.PendingTransaction
	if err := c.do(ctx, http.MethodGet, "/api/v1/outbox/"+url.PathEscape(id), nil, http.StatusOK, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListEntries lists outbox entries, oldest first. Empty status and zero limit use server defaults.
func (c *Client) ListEntries(ctx context.Context, status outbox.Status, limit int) ([]outbox.PendingTransaction, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Entries []outbox.PendingTransaction `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, withQuery("/api/v1/outbox", q), nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// AttemptEntry delivers an entry once.
func (c *Client) AttemptEntry(ctx context.Context, id string) (*outbox.PendingTransaction, error) {
	return c.entryCall(ctx, http.MethodPost, "/api/v1/outbox/"+url.PathEscape(id)+"/attempt", nil, http.StatusOK)
}

// RemoveEntry deletes an entry that is not being submitted.
func (c *Client) RemoveEntry(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/outbox/"+url.PathEscape(id), nil, http.StatusNoContent, nil)
}

// Sweep runs one retry sweep on the server.
func (c *Client) Sweep(ctx context.Context) (*outbox.SweepResult, error) {
	var resp outbox.SweepResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/outbox/sweep", nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// entryCall handles endpoints that report failed deliveries alongside the entry.
func (c *Client) entryCall(ctx context.Context, method, path string, body interface{}, want int) (*outbox.PendingTransaction, error) {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == want {
		var entry outbox.PendingTransaction
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return &entry, nil
	}

	var failed struct {
		Error     string                     `json:"error"`
		ErrorKind errs.Kind                  `json:"error_kind"`
		Entry     *outbox.PendingTransaction `json:"entry"`
	}
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(data)}
	if json.Unmarshal(data, &failed) == nil && failed.Error != "" {
		apiErr.Message = failed.Error
		apiErr.Kind = failed.ErrorKind
	}
	return failed.Entry, apiErr
}

// CreatePaymentRequest asks to to pay amount to from.
func (c *Client) CreatePaymentRequest(ctx context.Context, from, to string, amount decimal.Decimal, memo *string) (*requests.PaymentRequest, error) {
	body := map[string]interface{}{
		"from_address": from,
		"to_address":   to,
		"amount":       amount,
	}
	if memo != nil {
		body["memo"] = *memo
	}
	var resp requests.PaymentRequest
	if err := c.do(ctx, http.MethodPost, "/api/v1/requests", body, http.StatusCreated, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetPaymentRequest returns one request.
func (c *Client) GetPaymentRequest(ctx context.Context, id string) (*requests.PaymentRequest, error) {
	var resp requests.PaymentRequest
	if err := c.do(ctx, http.MethodGet, "/api/v1/requests/"+url.PathEscape(id), nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestQuery filters ListPaymentRequests. Direction is "", "incoming" or "outgoing".
type RequestQuery struct {
	Address   string
	Direction string
	Status    requests.Status
	Limit     int
}

// ListPaymentRequests lists requests, newest first.
func (c *Client) ListPaymentRequests(ctx context.Context, query RequestQuery) ([]requests.PaymentRequest, error) {
	q := url.Values{}
	if query.Address != "" {
		q.Set("address", query.Address)
	}
	if query.Direction != "" {
		q.Set("direction", query.Direction)
	}
	if query.Status != "" {
		q.Set("status", string(query.Status))
	}
	if query.Limit > 0 {
		q.Set("limit", strconv.Itoa(query.Limit))
	}
	var resp struct {
		Requests []requests.PaymentRequest `json:"requests"`
	}
	if err := c.do(ctx, http.MethodGet, withQuery("/api/v1/requests", q), nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Requests, nil
}

// AcceptPaymentRequest pays a pending request.
func (c *Client) AcceptPaymentRequest(ctx context.Context, id string, preset fees.Preset) (*requests.PaymentRequest, error) {
	var resp requests.PaymentRequest
	body := map[string]string{"fee_preset": string(preset)}
	if err := c.do(ctx, http.MethodPost, "/api/v1/requests/"+url.PathEscape(id)+"/accept", body, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeclinePaymentRequest rejects a pending request.
func (c *Client) DeclinePaymentRequest(ctx context.Context, id string) (*requests.PaymentRequest, error) {
	var resp requests.PaymentRequest
	if err := c.do(ctx, http.MethodPost, "/api/v1/requests/"+url.PathEscape(id)+"/decline", nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SwapView mirrors a server-side swap session.
type SwapView struct {
	ID        string          `json:"id"`
	FeePreset fees.Preset     `json:"fee_preset"`
	Quote     quote.Snapshot  `json:"quote"`
	Execution quote.Execution `json:"execution"`
	CreatedAt time.Time       `json:"created_at"`
}

// CreateSwap opens a swap session.
func (c *Client) CreateSwap(ctx context.Context, req quote.Request, preset fees.Preset) (*SwapView, error) {
	body := struct {
		quote.Request
		FeePreset fees.Preset `json:"fee_preset,omitempty"`
	}{req, preset}
	var resp SwapView
	if err := c.do(ctx, http.MethodPost, "/api/v1/swaps", body, http.StatusCreated, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetSwap returns a session's quote and execution state.
func (c *Client) GetSwap(ctx context.Context, id string) (*SwapView, error) {
	var resp SwapView
	if err := c.do(ctx, http.MethodGet, "/api/v1/swaps/"+url.PathEscape(id), nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetSwapInput replaces a session's input.
func (c *Client) SetSwapInput(ctx context.Context, id string, req quote.Request) (*SwapView, error) {
	var resp SwapView
	if err := c.do(ctx, http.MethodPut, "/api/v1/swaps/"+url.PathEscape(id)+"/input", req, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SwapAction is one of confirm, retry or dismiss.
type SwapAction string

const (
	SwapConfirm SwapAction = "confirm"
	SwapRetry   SwapAction = "retry"
	SwapDismiss SwapAction = "dismiss"
)

// Swap applies action to a session. A swap that ran and failed is returned as an execution in
// the error state, not as an error.
func (c *Client) Swap(ctx context.Context, id string, action SwapAction) (*quote.Execution, error) {
	var resp quote.Execution
	if err := c.do(ctx, http.MethodPost, "/api/v1/swaps/"+url.PathEscape(id)+"/"+string(action), nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteSwap closes a session.
func (c *Client) DeleteSwap(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/swaps/"+url.PathEscape(id), nil, http.StatusNoContent, nil)
}

// Schedule describes a recurring send.
type Schedule struct {
	ID          string          `json:"id"`
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
	Memo        *string         `json:"memo,omitempty"`
	FeePreset   fees.Preset     `json:"fee_preset,omitempty"`
	Interval    time.Duration   `json:"-"`
}

// CreateSchedule registers a recurring send.
func (c *Client) CreateSchedule(ctx context.Context, s Schedule) error {
	body := struct {
		Schedule
		Interval string `json:"interval"`
	}{s, s.Interval.String()}
	if err := c.do(ctx, http.MethodPost, "/api/v1/schedules", body, http.StatusCreated, nil); err != nil {
		return err
	}
	c.logger.Debug("recurring send scheduled", "id", s.ID, "interval", s.Interval)
	return nil
}

// DeleteSchedule removes a recurring send.
func (c *Client) DeleteSchedule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/schedules/"+url.PathEscape(id), nil, http.StatusNoContent, nil)
}

// Stream reads lifecycle events until ctx is done, the server closes the stream or handle
// returns an error. kindPrefix and subject filter server-side.
func (c *Client) Stream(ctx context.Context, kindPrefix, subject string, handle func(events.Event) error) error {
	q := url.Values{}
	if kindPrefix != "" {
		q.Set("kind", kindPrefix)
	}
	if subject != "" {
		q.Set("subject", subject)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+withQuery("/api/v1/stream/events", q), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// the configured client's timeout would cut the stream
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	var currentEvent, currentData string
	for scanner.Scan() {
		line := scanner.Text()

		// Empty line indicates end of event
		if line == "" {
			if currentEvent != "" && currentEvent != "connected" && currentData != "" {
				var ev events.Event
				if err := json.Unmarshal([]byte(currentData), &ev); err != nil {
					c.logger.Warn("failed to decode event", "event", currentEvent, "error", err)
				} else if err := handle(ev); err != nil {
					return err
				}
			}
			currentEvent, currentData = "", ""
			continue
		}

		if strings.HasPrefix(line, "event:") {
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			currentData = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("error reading event stream: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// do sends a request and decodes the response into out when the status is want or one of also.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, want int, out interface{}, also ...int) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	ok := resp.StatusCode == want
	for _, s := range also {
		ok = ok || resp.StatusCode == s
	}
	if !ok {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
