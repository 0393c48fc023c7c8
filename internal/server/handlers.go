package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"topshot-backend/internal/domain"
	"topshot-backend/internal/infrastructure/mpesa"
	"topshot-backend/internal/repo"
	"topshot-backend/internal/service"
)

const maxCallbackBody = 1 << 20

type orderHandler struct {
	orders    service.OrderService
	callbacks service.CallbackService
	logger    *slog.Logger
}

type createOrderRequest struct {
	Items []struct {
		BookID string `json:"bookId" binding:"required,uuid"`
		Qty    int    `json:"qty" binding:"required,min=1"`
	} `json:"items" binding:"required,min=1,dive"`
	ShippingFee float64 `json:"shippingFee" binding:"omitempty,min=0"`
}

func (h *orderHandler) createOrder(c *gin.Context) {
	user, _ := currentUser(c)

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	in := service.CreateOrderInput{ShippingFee: req.ShippingFee}
	for _, it := range req.Items {
		id, err := uuid.Parse(it.BookID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid book id"})
			return
		}
		in.Items = append(in.Items, service.CreateOrderItem{BookID: id, Qty: it.Qty})
	}

	order, stk, err := h.orders.CreateOrder(c.Request.Context(), user, in)
	if err != nil {
		// the order may exist as a FAILED attempt; include it when it does
		h.writeError(c, err, order)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"order": order,
		"mpesa": gin.H{
			"merchantRequestId":   stk.MerchantRequestID,
			"checkoutRequestId":   stk.CheckoutRequestID,
			"responseDescription": stk.ResponseDescription,
		},
	})
}

func (h *orderHandler) retryPayment(c *gin.Context) {
	user, _ := currentUser(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	order, stk, err := h.orders.RetryPayment(c.Request.Context(), user, id)
	if err != nil {
		h.writeError(c, err, order)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"mpesa": gin.H{
			"merchantRequestId": stk.MerchantRequestID,
			"checkoutRequestId": stk.CheckoutRequestID,
		},
	})
}

func (h *orderHandler) cancelOrder(c *gin.Context) {
	user, _ := currentUser(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	order, err := h.orders.CancelOrder(c.Request.Context(), user, id)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

func (h *orderHandler) getOrder(c *gin.Context) {
	user, _ := currentUser(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), user, id)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

func (h *orderHandler) listMyOrders(c *gin.Context) {
	user, _ := currentUser(c)
	orders, err := h.orders.ListMyOrders(c.Request.Context(), user)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(orders), "orders": orders})
}

func (h *orderHandler) listOrders(c *gin.Context) {
	var q struct {
		Status string `form:"status"`
		Page   int    `form:"page,default=1"`
		Limit  int    `form:"limit,default=10"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	orders, total, err := h.orders.ListOrders(c.Request.Context(), repo.OrderFilter{
		PaymentStatus: q.Status,
		Page:          q.Page,
		Limit:         q.Limit,
	})
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":  len(orders),
		"total":  total,
		"page":   q.Page,
		"orders": orders,
	})
}

func (h *orderHandler) updateFulfillment(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	var req struct {
		Status string `json:"status" binding:"required,oneof=PROCESSING SHIPPED DELIVERED CANCELLED"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := h.orders.UpdateFulfillment(c.Request.Context(), id, domain.FulfillmentStatus(req.Status))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// mpesaCallback is the public settlement endpoint. Once the payload yields a
// correlation key the gateway always gets a success acknowledgement — the
// ack means "notification received", not "payment succeeded" — so it never
// retries over a business failure. No payment detail is echoed back.
func (h *orderHandler) mpesaCallback(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ResultCode": 1, "ResultDesc": "Unreadable body"})
		return
	}

	if err := h.callbacks.HandleCallback(c.Request.Context(), raw); err != nil {
		if errors.Is(err, mpesa.ErrMalformedCallback) {
			c.JSON(http.StatusBadRequest, gin.H{"ResultCode": 1, "ResultDesc": "Invalid callback format"})
			return
		}
		// a processing error (e.g. storage down) is worth a gateway retry
		h.logger.ErrorContext(c.Request.Context(), "callback processing error", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"ResultCode": 1, "ResultDesc": "Processing error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
}

func (h *orderHandler) writeError(c *gin.Context, err error, order *domain.Order) {
	var (
		vErr  *domain.ValidationError
		sErr  *domain.InsufficientStockError
		tErr  *domain.IllegalTransitionError
		gaErr *domain.GatewayAuthError
		grErr *domain.GatewayRequestError
	)
	switch {
	case errors.As(err, &vErr):
		body := gin.H{"error": vErr.Error()}
		if len(vErr.Fields) > 0 {
			body["fields"] = vErr.Fields
		}
		c.JSON(http.StatusBadRequest, body)
	case errors.As(err, &sErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":     sErr.Error(),
			"bookId":    sErr.BookID,
			"requested": sErr.Requested,
			"available": sErr.Available,
		})
	case errors.As(err, &tErr):
		c.JSON(http.StatusConflict, gin.H{"error": tErr.Error()})
	case errors.As(err, &gaErr), errors.As(err, &grErr):
		// order was created and kept as a FAILED attempt; the caller can retry
		body := gin.H{"error": "payment initiation failed"}
		if order != nil {
			body["order"] = order
		}
		c.JSON(http.StatusPaymentRequired, body)
	case errors.Is(err, domain.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
	case errors.Is(err, domain.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	default:
		h.logger.ErrorContext(c.Request.Context(), "internal error", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
