package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"voucher-service/logging"
	"voucher-service/models"
	"voucher-service/service"
)

// SignatureHeader carries the provider's HMAC of the callback body.
const SignatureHeader = "X-Signature"

const maxCallbackBody = 1 << 20

// PaymentService is what the HTTP layer needs from the payment service.
type PaymentService interface {
	Initiate(ctx context.Context, req *models.InitiatePaymentRequest) (*models.InitiatePaymentResponse, error)
	CheckStatus(ctx context.Context, transactionID string) (*models.PaymentStatusResponse, error)
	HandleCallback(ctx context.Context, provider string, body []byte, signature string) error
}

// PaymentHandler handles HTTP requests for payments
type PaymentHandler struct {
	paymentService PaymentService
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(paymentService PaymentService) *PaymentHandler {
	return &PaymentHandler{
		paymentService: paymentService,
	}
}

// Register mounts the payment routes under group.
func (h *PaymentHandler) Register(group *gin.RouterGroup, initiateLimit gin.HandlerFunc) {
	group.POST("/initiate", initiateLimit, h.InitiatePayment)
	group.GET("/status/:transactionId", h.PaymentStatus)
	group.POST("/:provider/callback", h.Callback)
}

// InitiatePayment handles payment initiation requests
func (h *PaymentHandler) InitiatePayment(c *gin.Context) {
	ctx := c.Request.Context()
	span := trace.SpanFromContext(ctx)

	var req models.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Phone number, package ID, and provider are required"})
		return
	}

	response, err := h.paymentService.Initiate(ctx, &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Package not found"})
		case errors.Is(err, service.ErrUpstreamUnavailable):
			c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to initiate payment. Please try again."})
		default:
			logging.WithTraceContext(span).Error("Payment initiation failed",
				zap.Error(err),
				zap.String("provider", req.Provider),
				zap.Uint("package_id", req.PackageID),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}
		return
	}

	span.AddEvent("payment_initiated")
	c.JSON(http.StatusCreated, response)
}

// PaymentStatus returns the customer-facing status of a payment
func (h *PaymentHandler) PaymentStatus(c *gin.Context) {
	ctx := c.Request.Context()

	status, err := h.paymentService.CheckStatus(ctx, c.Param("transactionId"))
	if errors.Is(err, service.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
		return
	}
	if err != nil {
		logging.FromContext(ctx).Error("Payment status check failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, status)
}

// Callback receives asynchronous payment results from a provider. Anything
// but malformed input or a bad signature is acknowledged with 200 so the
// provider does not retry.
func (h *PaymentHandler) Callback(c *gin.Context) {
	ctx := c.Request.Context()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable body"})
		return
	}

	err = h.paymentService.HandleCallback(ctx, c.Param("provider"), body, c.GetHeader(SignatureHeader))
	switch {
	case errors.Is(err, service.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		if err != nil {
			logging.FromContext(ctx).Error("Callback handling failed", zap.Error(err))
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// HealthCheck handles health check requests
func (h *PaymentHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
