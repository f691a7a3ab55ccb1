package handlers

import (
	"errors"
	"log"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/tiendabot/tiendabot-backend/internal/services"
)

// PaymentHandler receives asynchronous payment gateway callbacks.
type PaymentHandler struct {
	reconciliation *services.ReconciliationService
	validate       *validator.Validate
}

// NewPaymentHandler creates the callback handler.
func NewPaymentHandler(reconciliation *services.ReconciliationService) *PaymentHandler {
	return &PaymentHandler{
		reconciliation: reconciliation,
		validate:       validator.New(),
	}
}

// PaymentCallbackPayload is the gateway's callback body. The signature is
// the HMAC proof computed with the owning tenant's payment secret.
type PaymentCallbackPayload struct {
	Reference string `json:"reference" validate:"required"`
	Status    string `json:"status" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}

// HandleCallback processes one (possibly redelivered) payment callback.
// Redeliveries return 200 like first deliveries so the gateway stops
// retrying.
func (h *PaymentHandler) HandleCallback(c *fiber.Ctx) error {
	var payload PaymentCallbackPayload
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid callback payload",
		})
	}
	if payload.Signature == "" {
		payload.Signature = c.Get("X-Payment-Signature")
	}
	if err := h.validate.Struct(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "missing callback fields",
		})
	}

	result, err := h.reconciliation.OnPaymentCallback(c.Context(), payload.Reference, payload.Status, payload.Signature)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidSignature):
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid signature",
			})
		case errors.Is(err, services.ErrUnknownReference):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "unknown payment reference",
			})
		default:
			log.Printf("payment callback failed for ref %s: %v", payload.Reference, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "callback processing failed",
			})
		}
	}

	return c.JSON(result)
}
