package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/payflow/service/errs"
	"github.com/brojonat/payflow/service/fees"
	"github.com/brojonat/payflow/service/outbox"
	"github.com/brojonat/payflow/service/quote"
	"github.com/brojonat/payflow/service/requests"
	"github.com/brojonat/payflow/service/split"
	"github.com/brojonat/payflow/service/temporal"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	defaultListLimit   = 100
	maxListLimit       = 1000
	minScheduleEvery   = time.Minute
)

// handleListFees returns the fee preset table.
// GET /api/v1/fees
func handleListFees() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		type presetResponse struct {
			Preset        fees.Preset `json:"preset"`
			Label         string      `json:"label"`
			MicroLamports uint64      `json:"micro_lamports_per_cu"`
		}
		all := fees.All()
		resp := make([]presetResponse, len(all))
		for i, p := range all {
			resp[i] = presetResponse{Preset: p, Label: fees.Label(p), MicroLamports: fees.FeeFor(p)}
		}
		writeJSON(w, map[string]interface{}{"presets": resp}, http.StatusOK)
	})
}

// handleFeeRecommendation returns the current congestion signal and the preset that would be
// used for a send. An explicit ?preset= overrides the recommendation.
// GET /api/v1/fees/recommendation?preset={preset}
func handleFeeRecommendation(src fees.CongestionSource, now func() time.Time, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var explicit *fees.Preset
		if raw := r.URL.Query().Get("preset"); raw != "" {
			p, err := fees.ParsePreset(raw)
			if err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			explicit = &p
		}

		signal := fees.Current(r.Context(), src, now().UTC())
		selected, recommended := fees.Select(explicit, &signal)
		logger.Debug("fee recommendation", "level", signal.Level, "selected", selected)

		writeJSON(w, map[string]interface{}{
			"congestion":     signal,
			"selected":       selected,
			"label":          fees.Label(selected),
			"micro_lamports": fees.FeeFor(selected),
			"recommended":    recommended,
		}, http.StatusOK)
	})
}

type splitRequest struct {
	SplitID      string              `json:"split_id,omitempty"`
	Total        decimal.Decimal     `json:"total"`
	Mode         string              `json:"mode"`
	Participants []split.Participant `json:"participants"`
	Memo         *string             `json:"memo,omitempty"`
	FeePreset    string              `json:"fee_preset,omitempty"`
}

// handleCalculateSplit previews a split without moving funds.
// POST /api/v1/splits
func handleCalculateSplit(logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req splitRequest
		if !decodeBody(w, r, &req, logger) {
			return
		}
		result, err := calculateSplit(req)
		if err != nil {
			writeDomainError(w, err, logger)
			return
		}
		writeJSON(w, result, http.StatusOK)
	})
}

func calculateSplit(req splitRequest) (*split.Result, error) {
	mode, err := split.ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}
	return split.Calculate(req.Total, req.Participants, mode)
}

type splitTransfer struct {
	ParticipantID string                     `json:"participant_id"`
	Entry         *outbox.PendingTransaction `json:"entry,omitempty"`
	Error         string                     `json:"error,omitempty"`
}

// handleSubmitSplit calculates a split and sends one outbox transfer per participant. Every
// participant is validated before the first transfer is enqueued; after that, individual
// delivery failures are reported per participant and left to the outbox to retry.
// POST /api/v1/splits/submit
func handleSubmitSplit(ob *outbox.Outbox, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req splitRequest
		if !decodeBody(w, r, &req, logger) {
			return
		}
		preset, err := fees.ParsePreset(req.FeePreset)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, err := calculateSplit(req)
		if err != nil {
			writeDomainError(w, err, logger)
			return
		}
		if req.SplitID == "" {
			req.SplitID = uuid.NewString()
		}

		intents := make([]outbox.Intent, len(result.Participants))
		for i, p := range result.Participants {
			if p.ID == "" {
				writeError(w, fmt.Sprintf("participant %d has no id", i), http.StatusBadRequest)
				return
			}
			intents[i] = outbox.Intent{
				IntentKey:   "split:" + req.SplitID + ":" + p.ID,
				Destination: p.Address,
				Amount:      p.Amount,
				Memo:        req.Memo,
				FeePreset:   preset,
			}
			if err := ob.Validate(intents[i]); err != nil {
				writeError(w, fmt.Sprintf("participant %q: %v", p.ID, err), http.StatusBadRequest)
				return
			}
		}

		transfers := make([]splitTransfer, len(intents))
		failed := 0
		for i, in := range intents {
			transfers[i].ParticipantID = result.Participants[i].ID
			entry, err := ob.Submit(r.Context(), in)
			if entry.ID != "" {
				e := entry
				transfers[i].Entry = &e
			}
			if err != nil {
				failed++
				transfers[i].Error = err.Error()
			}
		}

		logger.Info("split submitted",
			"split_id", req.SplitID,
			"participants", len(intents),
			"failed", failed,
		)

		status := http.StatusOK
		if failed > 0 {
			status = http.StatusMultiStatus
		}
		writeJSON(w, map[string]interface{}{
			"split_id":  req.SplitID,
			"split":     result,
			"transfers": transfers,
		}, status)
	})
}

// handleCreateOutboxEntry enqueues a transfer. With ?attempt=true it is attempted immediately.
// POST /api/v1/outbox
func handleCreateOutboxEntry(ob *outbox.Outbox, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IntentKey   string          `json:"intent_key,omitempty"`
			Destination string          `json:"destination"`
			Amount      decimal.Decimal `json:"amount"`
			Memo        *string         `json:"memo,omitempty"`
			FeePreset   string          `json:"fee_preset,omitempty"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}
		preset, err := fees.ParsePreset(req.FeePreset)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		in := outbox.Intent{
			IntentKey:   req.IntentKey,
			Destination: req.Destination,
			Amount:      req.Amount,
			Memo:        req.Memo,
			FeePreset:   preset,
		}

		if r.URL.Query().Get("attempt") == "true" {
			entry, err := ob.Submit(r.Context(), in)
			writeEntryResult(w, entry, err, http.StatusCreated, logger)
			return
		}

		entry, err := ob.Enqueue(r.Context(), in)
		if err != nil {
			writeDomainError(w, err, logger)
			return
		}
		writeJSON(w, entry, http.StatusCreated)
	})
}

// handleListOutboxEntries lists entries, oldest first.
// GET /api/v1/outbox?status={status}&limit={limit}
func handleListOutboxEntries(ob *outbox.Outbox, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, err := outbox.ParseStatus(r.URL.Query().Get("status"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		limit, err := parseLimit(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		entries, err := ob.List(r.Context(), outbox.Filter{Status: status, Limit: limit})
		if err != nil {
			writeDomainError(w, err, logger)
			return
		}
		writeJSON(w, map[string]interface{}{
			"entries": entries,
			"count":   len(entries),
		}, http.StatusOK)
	})
}

// GET /api/v1/outbox/{id}
func handleGetOutboxEntry(ob *outbox.Outbox, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry, err := ob.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeDomainError(w, err, logger)
			return
		}
		writeJSON(w, entry, http.StatusOK)
	})
}

// handleAttemptOutboxEntry delivers an entry once, outside the sweep schedule.
// POST /api/v1/outbox/{id}/attempt
func handleAttemptOutboxEntry(ob *outbox.Outbox, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry, err := ob.AttemptNow(r.Context(), r.PathValue("id"))
		writeEntryResult(w, entry, err, http.StatusOK, logger)
	})
}

// DELETE /api/v1/outbox/{id}
func handleRemoveOutboxEntry(ob *outbox.Outbox, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := ob.Remove(r.Context(), r.PathValue("id")); err != nil {
			writeDomainError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleSweepOutbox runs one retry sweep synchronously.
// POST /api/v1/outbox/sweep
func handleSweepOutbox(ob *outbox.Outbox, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, err := ob.RetryDue(r.Context())
		if err != nil {
			logger.Error("outbox sweep failed", "error", err)
			writeError(w, "outbox sweep failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, result, http.StatusOK)
	})
}

// writeEntryResult reports the outcome of a delivery attempt. A failed delivery still returns
// the entry so the caller can see its recorded status.
func writeEntryResult(w http.ResponseWriter, entry outbox.PendingTransaction, err error, okStatus int, logger *slog.Logger) {
	if err == nil {
		writeJSON(w, entry, okStatus)
		return
	}
	if entry.ID == "" || errs.KindOf(err) == errs.KindValidation {
		writeDomainError(w, err, logger)
		return
	}
	writeJSON(w, map[string]interface{}{
		"error":      err.Error(),
		"error_kind": errs.KindOf(err),
		"entry":      entry,
	}, statusFor(err))
}

// POST /api/v1/requests
func handleCreateRequest(ledger *requests.Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			FromAddress string          `json:"from_address"`
			ToAddress   string          `json:"to_address"`
			Amount      decimal.Decimal `json:"amount"`
			Memo        *string         `json:"memo,omitempty"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}
		created, err := ledger.Create(r.Context(), req.FromAddress, req.ToAddress, req.Amount, req.Memo)
		if err != nil {
			writeDomainError(w, err, logger)
			return
		}
		writeJSON(w, created, http.StatusCreated)
	})
}

// handleListRequests lists requests, newest first. direction=incoming|outgoing narrows an
// address query to one side of the request.
// GET /api/v1/requests?address={address}&direction={direction}&status={status}&limit={limit}
func handleListRequests(ledger *requests.Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		address := q.Get("address")
		status, err := requests.ParseStatus(q.Get("status"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		limit, err := parseLimit(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		var list []requests.PaymentRequest
		switch direction := q.Get("direction"); direction {
		case "":
			list, err = ledger.List(r.Context(), requests.Filter{Address: address, Status: status, Limit: limit})
		case "incoming", "outgoing":
			if address == "" {
				writeError(w, "address is required with direction", http.StatusBadRequest)
				return
			}
			if direction == "incoming" {
				list, err = ledger.Incoming(r.Context(), address)
			} else {
				list, err = ledger.Outgoing(r.Context(), address)
			}
			list = narrowRequests(list, status, limit)
		default:
			writeError(w, "direction must be incoming or outgoing", http.StatusBadRequest)
			return
		}
		if err != nil {
			writeDomainError(w, err, logger)
			return
		}

		writeJSON(w, map[string]interface{}{
			"requests": list,
			"count":    len(list),
		}, http.StatusOK)
	})
}

func narrowRequests(in []requests.PaymentRequest, status requests.Status, limit int) []requests.PaymentRequest {
	out := make([]requests.PaymentRequest, 0, len(in))
	for _, req := range in {
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, req)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// GET /api/v1/requests/{id}
func handleGetRequest(ledger *requests.Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := ledger.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeDomainError(w, err, logger)
			return
		}
		writeJSON(w, req, http.StatusOK)
	})
}

// handleAcceptRequest pays a pending request. The body is optional.
// POST /api/v1/requests/{id}/accept
func handleAcceptRequest(ledger *requests.Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			FeePreset string `json:"fee_preset"`
		}
		if r.ContentLength != 0 {
			if !decodeBody(w, r, &body, logger) {
				return
			}
		}
		preset, err := fees.ParsePreset(body.FeePreset)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		accepted, err := ledger.Accept(r.Context(), r.PathValue("id"), preset)
		if err != nil {
			writeDomainError(w, err, logger)
			return
		}
		writeJSON(w, accepted, http.StatusOK)
	})
}

// POST /api/v1/requests/{id}/decline
func handleDeclineRequest(ledger *requests.Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		declined, err := ledger.Decline(r.Context(), r.PathValue("id"))
		if err != nil {
			writeDomainError(w, err, logger)
			return
		}
		writeJSON(w, declined, http.StatusOK)
	})
}

// handleCreateSwap opens a swap session and starts quoting.
// POST /api/v1/swaps
func handleCreateSwap(swaps *SwapRegistry, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			quote.Request
			FeePreset string `json:"fee_preset,omitempty"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}
		preset, err := fees.ParsePreset(req.FeePreset)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		session, err := swaps.Create(req.Request, preset)
		if err != nil {
			writeDomainError(w, err, logger)
			return
		}
		writeJSON(w, session.View(), http.StatusCreated)
	})
}

// GET /api/v1/swaps/{id}
func handleGetSwap(swaps *SwapRegistry, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := swaps.Get(r.PathValue("id"))
		if err != nil {
			writeDomainError(w, err, logger)
			return
		}
		writeJSON(w, session.View(), http.StatusOK)
	})
}

// handleSetSwapInput replaces the quoted input. Results for the previous input are discarded.
// PUT /api/v1/swaps/{id}/input
func handleSetSwapInput(swaps *SwapRegistry, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := swaps.Get(r.PathValue("id"))
		if err != nil {
			writeDomainError(w, err, logger)
			return
		}
		var req quote.Request
		if !decodeBody(w, r, &req, logger) {
			return
		}
		if req.InputToken == "" || req.OutputToken == "" {
			writeError(w, "input_token and output_token are required", http.StatusBadRequest)
			return
		}
		session.Manager.SetInput(req)
		writeJSON(w, session.View(), http.StatusOK)
	})
}

// handleSwapAction drives the executor: confirm, retry or dismiss.
// POST /api/v1/swaps/{id}/{confirm|retry|dismiss}
func handleSwapAction(swaps *SwapRegistry, action swapAction, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		execution, err := swaps.apply(r.Context(), r.PathValue("id"), action)
		if err != nil && !swapRan(err, execution) {
			writeDomainError(w, err, logger)
			return
		}
		// a failed swap is a recorded outcome, not a request error
		writeJSON(w, execution, http.StatusOK)
	})
}

// swapRan reports whether err came from executing a swap rather than from a rejected action.
func swapRan(err error, execution quote.Execution) bool {
	if execution.State != quote.StateError {
		return false
	}
	for _, precondition := range []error{errs.ErrNotFound, errs.ErrNoQuote, errs.ErrQuoteStale, errs.ErrExecutionInProgress, errs.ErrInvalidTransition} {
		if errors.Is(err, precondition) {
			return false
		}
	}
	return true
}

// DELETE /api/v1/swaps/{id}
func handleDeleteSwap(swaps *SwapRegistry, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := swaps.Delete(r.PathValue("id")); err != nil {
			writeDomainError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleCreateSchedule registers a recurring send with Temporal.
// POST /api/v1/schedules
func handleCreateSchedule(scheduler temporal.Scheduler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID          string          `json:"id"`
			Destination string          `json:"destination"`
			Amount      decimal.Decimal `json:"amount"`
			Memo        *string         `json:"memo,omitempty"`
			FeePreset   string          `json:"fee_preset,omitempty"`
			Interval    string          `json:"interval"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}
		if strings.TrimSpace(req.ID) == "" {
			writeError(w, "id is required", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Destination) == "" {
			writeError(w, "destination is required", http.StatusBadRequest)
			return
		}
		if !req.Amount.IsPositive() {
			writeError(w, "amount must be greater than zero", http.StatusBadRequest)
			return
		}
		preset, err := fees.ParsePreset(req.FeePreset)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		interval, err := time.ParseDuration(req.Interval)
		if err != nil {
			writeError(w, "invalid interval: must be a valid duration (e.g. '1h', '24h')", http.StatusBadRequest)
			return
		}
		if interval < minScheduleEvery {
			writeError(w, fmt.Sprintf("interval must be at least %v", minScheduleEvery), http.StatusBadRequest)
			return
		}

		send := temporal.RecurringSend{
			ID:          req.ID,
			Destination: strings.TrimSpace(req.Destination),
			Amount:      req.Amount,
			Memo:        req.Memo,
			FeePreset:   preset,
			Interval:    interval,
		}
		if err := scheduler.CreateRecurringSendSchedule(r.Context(), send); err != nil {
			logger.Error("failed to create recurring send schedule", "id", req.ID, "error", err)
			writeError(w, "failed to create schedule", http.StatusInternalServerError)
			return
		}

		logger.Info("recurring send scheduled", "id", req.ID, "destination", send.Destination, "interval", interval)
		writeJSON(w, send, http.StatusCreated)
	})
}

// DELETE /api/v1/schedules/{id}
func handleDeleteSchedule(scheduler temporal.Scheduler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := scheduler.DeleteRecurringSendSchedule(r.Context(), id); err != nil {
			logger.Error("failed to delete recurring send schedule", "id", id, "error", err)
			writeError(w, "failed to delete schedule", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// decodeBody decodes a size-limited JSON body, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}, logger *slog.Logger) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logger.Debug("failed to decode request body", "path", r.URL.Path, "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxListLimit {
		return 0, fmt.Errorf("invalid limit: must be between 1 and %d", maxListLimit)
	}
	return limit, nil
}

// statusFor maps a classified error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrAlreadyResolved),
		errors.Is(err, errs.ErrExecutionInProgress),
		errors.Is(err, errs.ErrEntryBusy),
		errors.Is(err, errs.ErrNoQuote),
		errors.Is(err, errs.ErrQuoteStale),
		errors.Is(err, errs.ErrInvalidTransition),
		errors.Is(err, errs.ErrIntentConflict):
		return http.StatusConflict
	}
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindRetryable:
		return http.StatusServiceUnavailable
	case errs.KindTerminal:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// writeDomainError writes err with the status its classification maps to. Unclassified errors
// are logged and hidden from the client.
func writeDomainError(w http.ResponseWriter, err error, logger *slog.Logger) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
		writeError(w, "internal server error", status)
		return
	}
	logger.Debug("request rejected", "status", status, "error", err)
	writeError(w, err.Error(), status)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
