package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/tiendabot/tiendabot-backend/internal/config"
	"github.com/tiendabot/tiendabot-backend/internal/handlers"
	"github.com/tiendabot/tiendabot-backend/internal/middleware"
)

// SetupRoutes wires the two surfaces the core exposes (message intake and
// the payment callback) plus health endpoints.
func SetupRoutes(app *fiber.App, cfg *config.Config, webhook *handlers.WebhookHandler, payment *handlers.PaymentHandler, health *handlers.HealthHandler) {
	app.Get("/", health.HandleRoot)
	app.Get("/health", health.HandleHealth)

	webhooks := app.Group("/webhook")

	if cfg.Environment == "development" || cfg.DisableWebhookValidation {
		webhooks.Post("/whatsapp", webhook.HandleWhatsApp)
	} else {
		webhooks.Post("/whatsapp", middleware.ValidateTwilioSignature(cfg.TwilioAuthToken), webhook.HandleWhatsApp)
	}

	// The payment callback authenticates itself: the per-tenant HMAC proof
	// is verified inside reconciliation, after the order is found.
	webhooks.Post("/payment", payment.HandleCallback)

	// Development-only JSON intake
	if cfg.Environment == "development" {
		app.Post("/test/whatsapp", webhook.HandleTestWebhook)
	}
}
