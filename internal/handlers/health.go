package handlers

import (
	"github.com/gofiber/fiber/v2"
)

// HealthHandler reports process and dependency status.
type HealthHandler struct {
	storageType      string
	twilioConfigured bool
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(storageType string, twilioConfigured bool) *HealthHandler {
	return &HealthHandler{storageType: storageType, twilioConfigured: twilioConfigured}
}

// HandleRoot is the informational root endpoint.
func (h *HealthHandler) HandleRoot(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"service": "TiendaBot Backend API",
		"version": "1.0.0",
		"status":  "healthy",
		"storage": h.storageType,
		"whatsapp": fiber.Map{
			"configured": h.twilioConfigured,
		},
	})
}

// HandleHealth is the monitoring endpoint.
func (h *HealthHandler) HandleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "healthy",
		"services": fiber.Map{
			"storage": h.storageType,
			"twilio":  h.twilioConfigured,
		},
	})
}
