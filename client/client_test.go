package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brojonat/payflow/service/errs"
	"github.com/brojonat/payflow/service/events"
	"github.com/brojonat/payflow/service/fees"
	"github.com/brojonat/payflow/service/outbox"
	"github.com/brojonat/payflow/service/requests"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFees_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/api/v1/fees", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"presets": []map[string]interface{}{
				{"preset": "normal", "label": "Normal", "micro_lamports_per_cu": 0},
				{"preset": "fast", "label": "Fast", "micro_lamports_per_cu": 500},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	presets, err := client.Fees(context.Background())
	require.NoError(t, err)
	require.Len(t, presets, 2)
	assert.Equal(t, fees.Fast, presets[1].Preset)
	assert.Equal(t, uint64(500), presets[1].MicroLamports)
}

func TestFeeRecommendation_SendsExplicitPreset(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "express", r.URL.Query().Get("preset"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"congestion":  map[string]string{"level": "low"},
			"selected":    "express",
			"recommended": false,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	rec, err := client.FeeRecommendation(context.Background(), fees.Express)
	require.NoError(t, err)
	assert.Equal(t, fees.Express, rec.Selected)
	assert.Equal(t, fees.CongestionLow, rec.Congestion.Level)
	assert.False(t, rec.Recommended)
}

func TestEnqueue_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/outbox", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("attempt"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "dest", body["destination"])
		assert.Equal(t, "1.25", body["amount"])
		assert.Equal(t, "fast", body["fee_preset"])

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(outbox.PendingTransaction{
			ID:          "entry-1",
			Destination: "dest",
			Amount:      decimal.RequireFromString("1.25"),
			Status:      outbox.StatusConfirmed,
			TxHash:      "sig",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	entry, err := client.Enqueue(context.Background(), EnqueueRequest{
		Destination: "dest",
		Amount:      decimal.RequireFromString("1.25"),
		FeePreset:   fees.Fast,
	}, true)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusConfirmed, entry.Status)
	assert.Equal(t, "sig", entry.TxHash)
}

func TestAttemptEntry_FailedDeliveryReturnsEntry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/outbox/entry-1/attempt", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":      "delivery failed: 429",
			"error_kind": "retryable",
			"entry":      outbox.PendingTransaction{ID: "entry-1", Status: outbox.StatusFailedRetryable, Attempts: 1},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	entry, err := client.AttemptEntry(context.Background(), "entry-1")
	require.Error(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, outbox.StatusFailedRetryable, entry.Status)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, errs.KindRetryable, apiErr.Kind)
	assert.Contains(t, err.Error(), "429")
}

func TestGetEntry_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "not found: outbox entry nope"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.GetEntry(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "outbox entry nope")
}

func TestListEntries_Query(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "failed_retryable", r.URL.Query().Get("status"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"entries": []outbox.PendingTransaction{{ID: "a"}, {ID: "b"}},
			"count":   2,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	entries, err := client.ListEntries(context.Background(), outbox.StatusFailedRetryable, 5)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[1].ID)
}

func TestRemoveEntry_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "DELETE", r.Method)
		assert.Equal(t, "/api/v1/outbox/entry-1", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	assert.NoError(t, client.RemoveEntry(context.Background(), "entry-1"))
}

func TestSubmitSplit_MultiStatusIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMultiStatus)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"split_id": "s1",
			"transfers": []map[string]interface{}{
				{"participant_id": "a", "entry": map[string]string{"id": "e1", "status": "confirmed"}},
				{"participant_id": "b", "error": "rejected: insufficient funds"},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	resp, err := client.SubmitSplit(context.Background(), SplitRequest{SplitID: "s1", Total: decimal.NewFromInt(2)})
	require.NoError(t, err)
	require.Len(t, resp.Transfers, 2)
	assert.Equal(t, outbox.StatusConfirmed, resp.Transfers[0].Entry.Status)
	assert.Contains(t, resp.Transfers[1].Error, "insufficient funds")
}

func TestPaymentRequests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "POST" && r.URL.Path == "/api/v1/requests":
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "alice", body["from_address"])
			assert.Equal(t, "lunch", body["memo"])
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(requests.PaymentRequest{ID: "r1", FromAddress: "alice", ToAddress: "bob", Status: requests.StatusPending})
		case r.Method == "GET" && r.URL.Path == "/api/v1/requests":
			assert.Equal(t, "bob", r.URL.Query().Get("address"))
			assert.Equal(t, "incoming", r.URL.Query().Get("direction"))
			json.NewEncoder(w).Encode(map[string]interface{}{
				"requests": []requests.PaymentRequest{{ID: "r1"}},
			})
		case r.Method == "POST" && r.URL.Path == "/api/v1/requests/r1/accept":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "fast", body["fee_preset"])
			json.NewEncoder(w).Encode(requests.PaymentRequest{ID: "r1", Status: requests.StatusAccepted, TransferID: "e1"})
		case r.Method == "POST" && r.URL.Path == "/api/v1/requests/r1/decline":
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{"error": "already resolved: payment request r1 is accepted"})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	ctx := context.Background()
	memo := "lunch"

	created, err := client.CreatePaymentRequest(ctx, "alice", "bob", decimal.NewFromInt(2), &memo)
	require.NoError(t, err)
	assert.Equal(t, "r1", created.ID)

	list, err := client.ListPaymentRequests(ctx, RequestQuery{Address: "bob", Direction: "incoming"})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	accepted, err := client.AcceptPaymentRequest(ctx, "r1", fees.Fast)
	require.NoError(t, err)
	assert.Equal(t, requests.StatusAccepted, accepted.Status)

	_, err = client.DeclinePaymentRequest(ctx, "r1")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestCreateSchedule_SendsIntervalString(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "rent", body["id"])
		assert.Equal(t, "24h0m0s", body["interval"])
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	err := client.CreateSchedule(context.Background(), Schedule{
		ID:          "rent",
		Destination: "landlord",
		Amount:      decimal.NewFromInt(10),
		Interval:    24 * time.Hour,
	})
	assert.NoError(t, err)
}

func TestServerError_PlainBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream down")
}

func TestStream_DeliversEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/stream/events", r.URL.Path)
		assert.Equal(t, "outbox", r.URL.Query().Get("kind"))
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: connected\ndata: {\"kind\":\"outbox\"}\n\n"))
		w.Write([]byte(": keepalive\n\n"))
		for i := 1; i <= 2; i++ {
			data, _ := json.Marshal(events.Event{Kind: events.OutboxConfirmed, ID: fmt.Sprintf("tx-%d", i)})
			w.Write([]byte("event: outbox.confirmed\ndata: " + string(data) + "\n\n"))
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	var got []string
	err := client.Stream(context.Background(), "outbox", "", func(ev events.Event) error {
		got = append(got, ev.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"tx-1", "tx-2"}, got)
}

func TestStream_HandlerErrorStops(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 3; i++ {
			w.Write([]byte("event: request.created\ndata: {\"kind\":\"request.created\",\"id\":\"r\"}\n\n"))
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	calls := 0
	stop := fmt.Errorf("stop")
	err := client.Stream(context.Background(), "", "", func(events.Event) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}
