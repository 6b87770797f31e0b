package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"storefront-service/internal/service"
)

// envelope is the body of every JSON response.
type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Errors  interface{} `json:"errors,omitempty"`
}

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, envelope{Success: true, Data: data})
}

func fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, envelope{Success: false, Message: message})
}

// writeError maps a service error to a status code and body. Internal
// details are logged and never sent to the client.
func (h *Handler) writeError(c *gin.Context, err error) {
	var stockErr *service.StockError
	var notPaid *service.PaymentNotCompletedError

	switch {
	case errors.As(err, &stockErr):
		c.AbortWithStatusJSON(http.StatusConflict, envelope{
			Message: "Some items are no longer available in the requested quantity.",
			Errors:  stockErr.Shortfalls,
		})
	case errors.As(err, &notPaid):
		c.AbortWithStatusJSON(http.StatusBadRequest, envelope{
			Message: "Payment not completed.",
			Data: gin.H{
				"orderId":        notPaid.Order.ID,
				"status":         notPaid.Order.Status,
				"paymentStatus":  notPaid.Order.PaymentStatus,
				"providerStatus": notPaid.ProviderStatus,
			},
		})
	case errors.Is(err, service.ErrUnauthenticated):
		fail(c, http.StatusUnauthorized, "Not authenticated.")
	case errors.Is(err, service.ErrEmptyCart):
		fail(c, http.StatusBadRequest, "Cart is empty.")
	case errors.Is(err, service.ErrInvalidSignature):
		fail(c, http.StatusBadRequest, "Invalid webhook signature.")
	case errors.Is(err, service.ErrValidation):
		fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotFound):
		fail(c, http.StatusNotFound, "Not found.")
	case errors.Is(err, service.ErrPaidStockUnavailable):
		h.logger.Error("Paid order needs refund", zap.String("path", c.FullPath()), zap.Error(err))
		fail(c, http.StatusConflict, "Payment received but stock is no longer available. The order was cancelled.")
	case errors.Is(err, service.ErrInsufficientStock), errors.Is(err, service.ErrStockUnavailable):
		fail(c, http.StatusConflict, "Not enough stock available.")
	case errors.Is(err, service.ErrOrderClosed):
		fail(c, http.StatusConflict, "Order is closed.")
	default:
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		fail(c, http.StatusInternalServerError, "Something went wrong. Please try again.")
	}
}
