package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"topshot-backend/internal/domain"
	"topshot-backend/internal/infrastructure/mpesa"
	"topshot-backend/internal/service"
)

// stubOrders embeds the interface so individual tests override only the
// methods their route exercises; an unexpected call panics.
type stubOrders struct {
	service.OrderService
	getOrder func(ctx context.Context, user domain.User, id uuid.UUID) (*domain.Order, error)
}

func (s *stubOrders) GetOrder(ctx context.Context, user domain.User, id uuid.UUID) (*domain.Order, error) {
	return s.getOrder(ctx, user, id)
}

type stubCallbacks struct {
	err      error
	received [][]byte
}

func (s *stubCallbacks) HandleCallback(_ context.Context, raw []byte) error {
	s.received = append(s.received, raw)
	return s.err
}

func (s *stubCallbacks) ApplySettlement(context.Context, *domain.Order, *mpesa.Settlement, []byte) error {
	return nil
}

func newTestMux(t *testing.T, orders service.OrderService, callbacks service.CallbackService) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New("0", orders, callbacks, nil, logger).Handler
}

func doJSON(t *testing.T, mux http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestCallbackEndpointAcksSuccess(t *testing.T) {
	cb := &stubCallbacks{}
	mux := newTestMux(t, &stubOrders{}, cb)

	body := `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultCode":0}}}`
	rec := doJSON(t, mux, http.MethodPost, "/api/orders/mpesa/callback", body, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ResultCode":0,"ResultDesc":"Accepted"}`, rec.Body.String())
	require.Len(t, cb.received, 1)
	assert.JSONEq(t, body, string(cb.received[0]))
}

func TestCallbackEndpointRejectsMalformed(t *testing.T) {
	cb := &stubCallbacks{err: mpesa.ErrMalformedCallback}
	mux := newTestMux(t, &stubOrders{}, cb)

	rec := doJSON(t, mux, http.MethodPost, "/api/orders/mpesa/callback", `{"nothing":"usable"}`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ResultCode":1`)
}

func TestCallbackEndpointSignalsRetryOnProcessingError(t *testing.T) {
	cb := &stubCallbacks{err: errors.New("storage down")}
	mux := newTestMux(t, &stubOrders{}, cb)

	rec := doJSON(t, mux, http.MethodPost, "/api/orders/mpesa/callback", `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1"}}}`, nil)

	// 5xx tells the gateway to redeliver; the settle path is idempotent
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestOrderRoutesRequireAuth(t *testing.T) {
	mux := newTestMux(t, &stubOrders{}, &stubCallbacks{})

	rec := doJSON(t, mux, http.MethodPost, "/api/orders", `{}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/api/orders/my", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRoutesRejectNonAdmin(t *testing.T) {
	mux := newTestMux(t, &stubOrders{}, &stubCallbacks{})

	headers := map[string]string{
		"X-User-ID":   uuid.NewString(),
		"X-User-Name": "Jane Wanjiku",
	}
	rec := doJSON(t, mux, http.MethodGet, "/api/orders", "", headers)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	headers["X-User-Admin"] = "true"
	rec = doJSON(t, mux, http.MethodPut, "/api/orders/"+uuid.NewString()+"/status", `{"status":"BOXED"}`, headers)
	// admin gets past the guard; the bad status fails request binding
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetOrderMapsDomainErrors(t *testing.T) {
	userID := uuid.New()
	orderID := uuid.New()
	orders := &stubOrders{
		getOrder: func(_ context.Context, user domain.User, id uuid.UUID) (*domain.Order, error) {
			require.Equal(t, userID, user.ID)
			if id == orderID {
				return nil, domain.ErrForbidden
			}
			return nil, domain.ErrOrderNotFound
		},
	}
	mux := newTestMux(t, orders, &stubCallbacks{})

	headers := map[string]string{"X-User-ID": userID.String()}
	rec := doJSON(t, mux, http.MethodGet, "/api/orders/"+orderID.String(), "", headers)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/api/orders/"+uuid.NewString(), "", headers)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/api/orders/not-a-uuid", "", headers)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
