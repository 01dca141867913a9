package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/payflow/service/errs"
	"github.com/brojonat/payflow/service/events"
	"github.com/brojonat/payflow/service/fees"
	"github.com/brojonat/payflow/service/outbox"
	"github.com/brojonat/payflow/service/quote"
	"github.com/brojonat/payflow/service/requests"
	"github.com/brojonat/payflow/service/split"
	"github.com/brojonat/payflow/service/temporal"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSubmitter confirms every transfer except those to destinations listed in fail.
type scriptedSubmitter struct {
	mu    sync.Mutex
	fail  map[string]error
	calls map[string]int
}

func newScriptedSubmitter() *scriptedSubmitter {
	return &scriptedSubmitter{fail: make(map[string]error), calls: make(map[string]int)}
}

func (s *scriptedSubmitter) Submit(_ context.Context, req outbox.SubmitRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[req.Destination]++
	if err, ok := s.fail[req.Destination]; ok {
		return "", err
	}
	return "sig-" + req.ID, nil
}

func (s *scriptedSubmitter) setFailure(destination string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, destination)
		return
	}
	s.fail[destination] = err
}

func (s *scriptedSubmitter) callsTo(destination string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[destination]
}

type staticCongestion struct {
	level fees.CongestionLevel
	err   error
}

func (c staticCongestion) Congestion(context.Context) (fees.CongestionSignal, error) {
	if c.err != nil {
		return fees.CongestionSignal{}, c.err
	}
	return fees.NewSignal(c.level, time.Now()), nil
}

type testEnv struct {
	handler   http.Handler
	submitter *scriptedSubmitter
	outbox    *outbox.Outbox
	ledger    *requests.Ledger
	swaps     *SwapRegistry
	scheduler *temporal.MockScheduler
	bus       *events.Bus
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()
	bus := events.NewBus()
	sub := newScriptedSubmitter()

	ob, err := outbox.New(outbox.Config{
		Store:     outbox.NewMemoryStore(),
		Submitter: sub,
		Events:    bus,
		Logger:    logger,
	})
	require.NoError(t, err)

	ledger, err := requests.New(requests.Config{
		Store:     requests.NewMemoryStore(),
		Transfers: ob,
		Events:    bus,
		Logger:    logger,
	})
	require.NoError(t, err)

	swaps, err := NewSwapRegistry(SwapRegistryConfig{
		Source: quote.SourceFunc(func(_ context.Context, req quote.Request) (*quote.Quote, error) {
			amount, _ := req.Amount()
			return &quote.Quote{
				InputToken:     req.InputToken,
				OutputToken:    req.OutputToken,
				InputAmount:    amount,
				OutputAmount:   amount.Mul(decimal.NewFromInt(150)),
				Rate:           decimal.NewFromInt(150),
				DepositAddress: "deposit-address",
				QuoteID:        "q-" + req.InputAmount,
			}, nil
		}),
		Outbox:    ob,
		RateLimit: 100,
		Events:    bus,
		Logger:    logger,
	})
	require.NoError(t, err)
	t.Cleanup(swaps.Close)

	scheduler := temporal.NewMockScheduler()
	srv := New(Config{
		Outbox:     ob,
		Requests:   ledger,
		Swaps:      swaps,
		Congestion: staticCongestion{level: fees.CongestionHigh},
		Scheduler:  scheduler,
		Bus:        bus,
		Logger:     logger,
	})

	return &testEnv{
		handler:   srv.Handler(),
		submitter: sub,
		outbox:    ob,
		ledger:    ledger,
		swaps:     swaps,
		scheduler: scheduler,
		bus:       bus,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndCORS(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = env.do(t, http.MethodOptions, "/api/v1/outbox", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PUT")
}

func TestFees(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/fees", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeJSON[struct {
		Presets []struct {
			Preset        fees.Preset `json:"preset"`
			Label         string      `json:"label"`
			MicroLamports uint64      `json:"micro_lamports_per_cu"`
		} `json:"presets"`
	}](t, rec)
	require.Len(t, list.Presets, 3)
	assert.Equal(t, fees.Normal, list.Presets[0].Preset)
	assert.Equal(t, uint64(5000), list.Presets[2].MicroLamports)

	t.Run("recommendation follows congestion", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/fees/recommendation", "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeJSON[map[string]interface{}](t, rec)
		assert.Equal(t, "express", body["selected"])
		assert.Equal(t, true, body["recommended"])
	})

	t.Run("explicit preset wins", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/fees/recommendation?preset=normal", "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeJSON[map[string]interface{}](t, rec)
		assert.Equal(t, "normal", body["selected"])
		assert.Equal(t, false, body["recommended"])
	})

	t.Run("unknown preset", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/fees/recommendation?preset=turbo", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestFeeRecommendation_SourceFailureDegrades(t *testing.T) {
	h := handleFeeRecommendation(staticCongestion{err: errors.New("rpc down")}, time.Now, testLogger())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/fees/recommendation", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON[map[string]interface{}](t, rec)
	assert.Equal(t, "normal", body["selected"])
	congestion := body["congestion"].(map[string]interface{})
	assert.Equal(t, "unknown", congestion["level"])
}

func TestCalculateSplit(t *testing.T) {
	env := newTestEnv(t)

	t.Run("even split keeps every lamport", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/splits", `{
			"total": "100",
			"mode": "even",
			"participants": [{"id":"a","address":"addr-a"},{"id":"b","address":"addr-b"},{"id":"c","address":"addr-c"}]
		}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		result := decodeJSON[split.Result](t, rec)
		require.Len(t, result.Participants, 3)
		assert.True(t, decimal.RequireFromString("33.333333334").Equal(result.Participants[0].Amount))
		assert.True(t, decimal.RequireFromString("33.333333333").Equal(result.Participants[1].Amount))
		assert.True(t, decimal.RequireFromString("100").Equal(split.Sum(result.Participants)))
	})

	tests := []struct {
		name   string
		body   string
		status int
		errMsg string
	}{
		{
			name:   "custom shares must total 100",
			body:   `{"total":"10","mode":"custom","participants":[{"id":"a","address":"x","share_percent":"60"},{"id":"b","address":"y","share_percent":"30"}]}`,
			status: http.StatusBadRequest,
			errMsg: "percentage mismatch",
		},
		{
			name:   "zero total",
			body:   `{"total":"0","participants":[{"id":"a","address":"x"}]}`,
			status: http.StatusBadRequest,
			errMsg: "invalid total",
		},
		{
			name:   "duplicate participant",
			body:   `{"total":"10","participants":[{"id":"a","address":"x"},{"id":"a","address":"y"}]}`,
			status: http.StatusBadRequest,
			errMsg: "duplicate participant",
		},
		{
			name:   "no participants",
			body:   `{"total":"1","participants":[]}`,
			status: http.StatusBadRequest,
			errMsg: "no participants",
		},
		{
			name:   "malformed JSON",
			body:   `{"total":`,
			status: http.StatusBadRequest,
			errMsg: "invalid request body",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/splits", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.errMsg)
		})
	}
}

func TestSubmitSplit(t *testing.T) {
	env := newTestEnv(t)
	env.submitter.setFailure("addr-b", errs.Terminal(errs.ErrRejected, "insufficient funds"))

	body := `{
		"split_id": "dinner",
		"total": "3",
		"mode": "custom",
		"fee_preset": "fast",
		"participants": [
			{"id":"a","address":"addr-a","share_percent":"50"},
			{"id":"b","address":"addr-b","share_percent":"50"}
		]
	}`
	rec := env.do(t, http.MethodPost, "/api/v1/splits/submit", body)
	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())

	resp := decodeJSON[struct {
		SplitID   string          `json:"split_id"`
		Transfers []splitTransfer `json:"transfers"`
	}](t, rec)
	assert.Equal(t, "dinner", resp.SplitID)
	require.Len(t, resp.Transfers, 2)
	assert.Equal(t, outbox.StatusConfirmed, resp.Transfers[0].Entry.Status)
	assert.Equal(t, fees.Fast, resp.Transfers[0].Entry.FeePreset)
	assert.Equal(t, "split:dinner:a", resp.Transfers[0].Entry.IntentKey)
	assert.Equal(t, outbox.StatusFailedTerminal, resp.Transfers[1].Entry.Status)
	assert.Contains(t, resp.Transfers[1].Error, "insufficient funds")

	// submitting the same split again never pays a participant twice
	rec = env.do(t, http.MethodPost, "/api/v1/splits/submit", body)
	require.Equal(t, http.StatusMultiStatus, rec.Code)
	assert.Equal(t, 1, env.submitter.callsTo("addr-a"))
	assert.Equal(t, 1, env.submitter.callsTo("addr-b"))
}

func TestSubmitSplit_ValidatesBeforeSending(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/splits/submit", `{
		"total": "2",
		"participants": [{"id":"a","address":"addr-a"},{"id":"b","address":"   "}]
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `participant \"b\"`)

	rec = env.do(t, http.MethodPost, "/api/v1/splits/submit", `{
		"total": "2",
		"participants": [{"id":"a","address":"addr-a"},{"id":"a","address":"addr-b"}]
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "duplicate participant")

	entries, err := env.outbox.List(context.Background(), outbox.Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 0, env.submitter.callsTo("addr-a"))
}

func TestOutboxLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.submitter.setFailure("dest-1", errs.Retryable(errs.ErrDeliveryFailed, "429 too many requests"))

	rec := env.do(t, http.MethodPost, "/api/v1/outbox", `{"destination":"dest-1","amount":"1.5","fee_preset":"express"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeJSON[outbox.PendingTransaction](t, rec)
	assert.Equal(t, outbox.StatusCreated, created.Status)
	assert.Equal(t, fees.Express, created.FeePreset)

	rec = env.do(t, http.MethodPost, "/api/v1/outbox/"+created.ID+"/attempt", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	failed := decodeJSON[struct {
		ErrorKind errs.Kind                 `json:"error_kind"`
		Entry     outbox.PendingTransaction `json:"entry"`
	}](t, rec)
	assert.Equal(t, errs.KindRetryable, failed.ErrorKind)
	assert.Equal(t, outbox.StatusFailedRetryable, failed.Entry.Status)
	assert.Equal(t, 1, failed.Entry.Attempts)
	require.NotNil(t, failed.Entry.NextAttemptAt)

	rec = env.do(t, http.MethodGet, "/api/v1/outbox?status=failed_retryable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeJSON[struct {
		Entries []outbox.PendingTransaction `json:"entries"`
		Count   int                         `json:"count"`
	}](t, rec)
	assert.Equal(t, 1, list.Count)

	env.submitter.setFailure("dest-1", nil)
	rec = env.do(t, http.MethodPost, "/api/v1/outbox/"+created.ID+"/attempt", "")
	require.Equal(t, http.StatusOK, rec.Code)
	confirmed := decodeJSON[outbox.PendingTransaction](t, rec)
	assert.Equal(t, outbox.StatusConfirmed, confirmed.Status)
	assert.Equal(t, "sig-"+created.ID, confirmed.TxHash)

	// a confirmed entry is never attempted again
	rec = env.do(t, http.MethodPost, "/api/v1/outbox/"+created.ID+"/attempt", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, env.submitter.callsTo("dest-1"))

	rec = env.do(t, http.MethodDelete, "/api/v1/outbox/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/outbox/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOutbox_SubmitImmediatelyAndIdempotentKey(t *testing.T) {
	env := newTestEnv(t)
	body := `{"intent_key":"invoice-7","destination":"dest-2","amount":"0.25"}`

	rec := env.do(t, http.MethodPost, "/api/v1/outbox?attempt=true", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeJSON[outbox.PendingTransaction](t, rec)
	assert.Equal(t, outbox.StatusConfirmed, first.Status)

	rec = env.do(t, http.MethodPost, "/api/v1/outbox?attempt=true", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	second := decodeJSON[outbox.PendingTransaction](t, rec)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, env.submitter.callsTo("dest-2"))

	rec = env.do(t, http.MethodPost, "/api/v1/outbox", `{"intent_key":"invoice-7","destination":"dest-2","amount":"9"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestOutbox_PathologicalInput(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		errMsg string
	}{
		{"body too large", http.MethodPost, "/api/v1/outbox", `{"destination":"` + strings.Repeat("A", 2<<20) + `"}`, http.StatusBadRequest, "request body too large"},
		{"malformed JSON", http.MethodPost, "/api/v1/outbox", `{"destination":`, http.StatusBadRequest, "invalid request body"},
		{"blank destination", http.MethodPost, "/api/v1/outbox", `{"destination":"","amount":"1"}`, http.StatusBadRequest, "invalid address"},
		{"negative amount", http.MethodPost, "/api/v1/outbox", `{"destination":"d","amount":"-1"}`, http.StatusBadRequest, "invalid amount"},
		{"too many decimals", http.MethodPost, "/api/v1/outbox", `{"destination":"d","amount":"0.0000000001"}`, http.StatusBadRequest, "decimal places"},
		{"unknown preset", http.MethodPost, "/api/v1/outbox", `{"destination":"d","amount":"1","fee_preset":"turbo"}`, http.StatusBadRequest, "unknown preset"},
		{"unknown status filter", http.MethodGet, "/api/v1/outbox?status=lost", "", http.StatusBadRequest, "unknown outbox status"},
		{"limit out of range", http.MethodGet, "/api/v1/outbox?limit=0", "", http.StatusBadRequest, "invalid limit"},
		{"attempt missing entry", http.MethodPost, "/api/v1/outbox/nope/attempt", "", http.StatusNotFound, "not found"},
		{"remove missing entry", http.MethodDelete, "/api/v1/outbox/nope", "", http.StatusNotFound, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.errMsg)
		})
	}
}

func TestOutboxSweep(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		_, err := env.outbox.Enqueue(context.Background(), outbox.Intent{
			Destination: fmt.Sprintf("sweep-%d", i),
			Amount:      decimal.NewFromInt(1),
		})
		require.NoError(t, err)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/outbox/sweep", "")
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeJSON[outbox.SweepResult](t, rec)
	assert.Equal(t, 3, result.Attempted)
	assert.Equal(t, 3, result.Confirmed)
}

func TestPaymentRequests(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/requests", `{"from_address":"alice","to_address":"bob","amount":"2","memo":"lunch"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeJSON[requests.PaymentRequest](t, rec)
	assert.Equal(t, requests.StatusPending, created.Status)

	rec = env.do(t, http.MethodGet, "/api/v1/requests?address=bob&direction=incoming", "")
	require.Equal(t, http.StatusOK, rec.Code)
	incoming := decodeJSON[struct {
		Requests []requests.PaymentRequest `json:"requests"`
	}](t, rec)
	require.Len(t, incoming.Requests, 1)
	assert.Equal(t, created.ID, incoming.Requests[0].ID)

	rec = env.do(t, http.MethodGet, "/api/v1/requests?address=bob&direction=outgoing", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decodeJSON[struct {
		Count int `json:"count"`
	}](t, rec).Count)

	rec = env.do(t, http.MethodPost, "/api/v1/requests/"+created.ID+"/accept", `{"fee_preset":"fast"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	accepted := decodeJSON[requests.PaymentRequest](t, rec)
	assert.Equal(t, requests.StatusAccepted, accepted.Status)
	assert.NotEmpty(t, accepted.TransferID)
	assert.Equal(t, 1, env.submitter.callsTo("alice"))

	// resolved requests are final
	rec = env.do(t, http.MethodPost, "/api/v1/requests/"+created.ID+"/accept", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/v1/requests/"+created.ID+"/decline", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 1, env.submitter.callsTo("alice"))
}

func TestPaymentRequests_FailedAcceptStaysPending(t *testing.T) {
	env := newTestEnv(t)
	env.submitter.setFailure("carol", errs.Terminal(errs.ErrRejected, "insufficient funds"))

	req, err := env.ledger.Create(context.Background(), "carol", "dave", decimal.NewFromInt(5), nil)
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/v1/requests/"+req.ID+"/accept", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/requests/"+req.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, requests.StatusPending, decodeJSON[requests.PaymentRequest](t, rec).Status)

	rec = env.do(t, http.MethodPost, "/api/v1/requests/"+req.ID+"/decline", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, requests.StatusDeclined, decodeJSON[requests.PaymentRequest](t, rec).Status)
}

func TestPaymentRequests_DeclineCancelsQueuedTransfer(t *testing.T) {
	env := newTestEnv(t)
	env.submitter.setFailure("erin", errs.Retryable(errs.ErrDeliveryFailed, "node is behind"))
	ctx := context.Background()

	req, err := env.ledger.Create(ctx, "erin", "frank", decimal.NewFromInt(2), nil)
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/v1/requests/"+req.ID+"/accept", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/requests/"+req.ID+"/decline", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, requests.StatusDeclined, decodeJSON[requests.PaymentRequest](t, rec).Status)

	env.submitter.setFailure("erin", nil)
	_, err = env.outbox.RetryDue(ctx)
	require.NoError(t, err)
	entries, err := env.outbox.List(ctx, outbox.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, outbox.StatusFailedTerminal, entries[0].Status)
	assert.Equal(t, 1, env.submitter.callsTo("erin"))
}

func TestPaymentRequests_PathologicalInput(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"same address", http.MethodPost, "/api/v1/requests", `{"from_address":"a","to_address":"a","amount":"1"}`, http.StatusBadRequest},
		{"zero amount", http.MethodPost, "/api/v1/requests", `{"from_address":"a","to_address":"b","amount":"0"}`, http.StatusBadRequest},
		{"missing request", http.MethodGet, "/api/v1/requests/nope", "", http.StatusNotFound},
		{"accept missing request", http.MethodPost, "/api/v1/requests/nope/accept", "", http.StatusNotFound},
		{"bad direction", http.MethodGet, "/api/v1/requests?address=a&direction=sideways", "", http.StatusBadRequest},
		{"direction without address", http.MethodGet, "/api/v1/requests?direction=incoming", "", http.StatusBadRequest},
		{"bad status", http.MethodGet, "/api/v1/requests?status=maybe", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestSwaps(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/swaps", `{"input_token":"SOL","output_token":"USDC","input_amount":"2","slippage":"1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	view := decodeJSON[SwapView](t, rec)
	assert.Equal(t, quote.StateIdle, view.Execution.State)
	assert.Equal(t, fees.Normal, view.FeePreset)

	session, err := env.swaps.Get(view.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return session.Manager.Snapshot().Quote != nil
	}, 2*time.Second, 10*time.Millisecond)

	rec = env.do(t, http.MethodGet, "/api/v1/swaps/"+view.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	view = decodeJSON[SwapView](t, rec)
	require.NotNil(t, view.Quote.Quote)
	assert.True(t, decimal.RequireFromString("297").Equal(view.Quote.MinimumReceived))

	rec = env.do(t, http.MethodPost, "/api/v1/swaps/"+view.ID+"/confirm", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	execution := decodeJSON[quote.Execution](t, rec)
	assert.Equal(t, quote.StateSuccess, execution.State)
	assert.NotEmpty(t, execution.TxHash)
	assert.Equal(t, 1, env.submitter.callsTo("deposit-address"))

	// success must be dismissed before another confirm
	rec = env.do(t, http.MethodPost, "/api/v1/swaps/"+view.ID+"/confirm", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/v1/swaps/"+view.ID+"/retry", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/swaps/"+view.ID+"/dismiss", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, quote.StateIdle, decodeJSON[quote.Execution](t, rec).State)

	rec = env.do(t, http.MethodDelete, "/api/v1/swaps/"+view.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/swaps/"+view.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSwaps_FailedSwapIsReportedAsState(t *testing.T) {
	env := newTestEnv(t)
	env.submitter.setFailure("deposit-address", errs.Retryable(errs.ErrDeliveryFailed, "node is behind"))

	session, err := env.swaps.Create(quote.Request{InputToken: "SOL", OutputToken: "USDC", InputAmount: "1"}, fees.Fast)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return session.Manager.Snapshot().Quote != nil
	}, 2*time.Second, 10*time.Millisecond)

	rec := env.do(t, http.MethodPost, "/api/v1/swaps/"+session.ID+"/confirm", "")
	require.Equal(t, http.StatusOK, rec.Code)
	execution := decodeJSON[quote.Execution](t, rec)
	assert.Equal(t, quote.StateError, execution.State)
	assert.Contains(t, execution.Reason, "node is behind")

	env.submitter.setFailure("deposit-address", nil)
	rec = env.do(t, http.MethodPost, "/api/v1/swaps/"+session.ID+"/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, quote.StateSuccess, decodeJSON[quote.Execution](t, rec).State)
}

func TestSwaps_NoQuoteYet(t *testing.T) {
	env := newTestEnv(t)

	// an empty amount never fetches
	session, err := env.swaps.Create(quote.Request{InputToken: "SOL", OutputToken: "USDC"}, fees.Normal)
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/v1/swaps/"+session.ID+"/confirm", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "no quote available")

	rec = env.do(t, http.MethodPut, "/api/v1/swaps/"+session.ID+"/input", `{"input_token":"SOL","output_token":"USDC","input_amount":"3"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Eventually(t, func() bool {
		snap := session.Manager.Snapshot()
		return snap.Quote != nil && snap.Quote.QuoteID == "q-3"
	}, 2*time.Second, 10*time.Millisecond)

	rec = env.do(t, http.MethodPost, "/api/v1/swaps", `{"input_token":"","output_token":"USDC"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSchedules(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/schedules", `{"id":"rent","destination":"landlord","amount":"10","fee_preset":"fast","interval":"720h"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	send, ok := env.scheduler.RecurringSend("rent")
	require.True(t, ok)
	assert.Equal(t, "landlord", send.Destination)
	assert.Equal(t, fees.Fast, send.FeePreset)
	assert.Equal(t, 720*time.Hour, send.Interval)

	tests := []struct {
		name string
		body string
	}{
		{"missing id", `{"destination":"d","amount":"1","interval":"1h"}`},
		{"missing destination", `{"id":"x","amount":"1","interval":"1h"}`},
		{"zero amount", `{"id":"x","destination":"d","amount":"0","interval":"1h"}`},
		{"bad interval", `{"id":"x","destination":"d","amount":"1","interval":"soon"}`},
		{"interval too short", `{"id":"x","destination":"d","amount":"1","interval":"30s"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/schedules", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	rec = env.do(t, http.MethodDelete, "/api/v1/schedules/rent", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, ok = env.scheduler.RecurringSend("rent")
	assert.False(t, ok)

	env.scheduler.SetCreateError(errors.New("temporal unavailable"))
	rec = env.do(t, http.MethodPost, "/api/v1/schedules", `{"id":"rent","destination":"landlord","amount":"10","interval":"1h"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestOptionalRoutesDisabled(t *testing.T) {
	env := newTestEnv(t)
	srv := New(Config{Outbox: env.outbox, Requests: env.ledger, Logger: testLogger()})
	h := srv.Handler()

	for _, path := range []string{"/api/v1/swaps", "/api/v1/schedules"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}")))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamEvents(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/stream/events?kind=outbox", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: connected\n", line)

	require.NoError(t, env.bus.Publish(ctx, events.Event{Kind: events.RequestCreated, ID: "filtered-out"}))
	require.NoError(t, env.bus.Publish(ctx, events.Event{Kind: events.OutboxConfirmed, ID: "tx-1", Status: "confirmed"}))

	var dataLine string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line == "event: outbox.confirmed\n" {
			dataLine, err = reader.ReadString('\n')
			require.NoError(t, err)
			break
		}
		assert.NotContains(t, line, "filtered-out")
	}

	require.True(t, strings.HasPrefix(dataLine, "data: "))
	var event events.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &event))
	assert.Equal(t, "tx-1", event.ID)
}

func TestMatchesEvent(t *testing.T) {
	ev := events.Event{Kind: events.OutboxFailed, Subject: "addr-1"}

	assert.True(t, matchesEvent(ev, "", ""))
	assert.True(t, matchesEvent(ev, "outbox", ""))
	assert.True(t, matchesEvent(ev, "outbox.failed_terminal", "addr-1"))
	assert.False(t, matchesEvent(ev, "request", ""))
	assert.False(t, matchesEvent(ev, "", "addr-2"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", errs.Validation(errs.ErrNotFound, "x"), http.StatusNotFound},
		{"already resolved", errs.Validation(errs.ErrAlreadyResolved, "x"), http.StatusConflict},
		{"entry busy", errs.Retryable(errs.ErrEntryBusy, "x"), http.StatusConflict},
		{"stale quote", errs.Retryable(errs.ErrQuoteStale, "x"), http.StatusConflict},
		{"intent conflict", errs.Validation(errs.ErrIntentConflict, "x"), http.StatusConflict},
		{"validation", errs.Validation(errs.ErrInvalidAmount, "x"), http.StatusBadRequest},
		{"retryable", errs.Retryable(errs.ErrDeliveryFailed, "x"), http.StatusServiceUnavailable},
		{"terminal", errs.Terminal(errs.ErrRejected, "x"), http.StatusUnprocessableEntity},
		{"wrapped", fmt.Errorf("accept: %w", errs.Terminal(errs.ErrRejected, "x")), http.StatusUnprocessableEntity},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
