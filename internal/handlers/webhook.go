package handlers

import (
	"errors"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/tiendabot/tiendabot-backend/internal/services"
	"github.com/tiendabot/tiendabot-backend/internal/tenant"
)

// WebhookHandler is the message-intake entry point: inbound WhatsApp
// webhooks are resolved to a tenant, run through the conversation engine,
// and answered on the same channel.
type WebhookHandler struct {
	resolver *tenant.Resolver
	engine   *services.ConversationEngine
	notifier services.Notifier
}

// NewWebhookHandler creates the intake handler.
func NewWebhookHandler(resolver *tenant.Resolver, engine *services.ConversationEngine, notifier services.Notifier) *WebhookHandler {
	return &WebhookHandler{resolver: resolver, engine: engine, notifier: notifier}
}

// TwilioWebhookPayload is the inbound WhatsApp message form from Twilio.
type TwilioWebhookPayload struct {
	MessageSid string `form:"MessageSid"`
	AccountSid string `form:"AccountSid"`
	From       string `form:"From"` // buyer, "whatsapp:+5215512345678"
	To         string `form:"To"`   // tenant channel number
	Body       string `form:"Body"`
}

// HandleWhatsApp processes one inbound WhatsApp message.
func (h *WebhookHandler) HandleWhatsApp(c *fiber.Ctx) error {
	var payload TwilioWebhookPayload
	if err := c.BodyParser(&payload); err != nil {
		log.Printf("error parsing webhook: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid webhook payload",
		})
	}

	// Status callbacks arrive on the same URL without a body; ack them.
	if payload.Body == "" || payload.From == "" {
		return c.SendStatus(fiber.StatusOK)
	}

	conversationID := strings.TrimPrefix(payload.From, "whatsapp:")
	channel := strings.TrimPrefix(payload.To, "whatsapp:")

	tenantID, err := h.resolver.Resolve(tenant.Request{
		InternalToken: c.Get("X-Internal-Tenant-Token"),
		Channel:       channel,
		RoutingKey:    subdomain(c.Hostname()),
	})
	if err != nil {
		// No fallback tenant, ever. An unresolvable webhook is rejected.
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "unknown tenant",
		})
	}

	reply, err := h.engine.HandleMessage(c.Context(), tenantID, conversationID, payload.Body)
	if err != nil {
		log.Printf("error processing message from %s: %v", conversationID, err)
		// reply already carries the generic buyer-facing text
	}

	if reply != "" {
		if err := h.notifier.Send(c.Context(), tenantID, conversationID, reply); err != nil {
			log.Printf("failed to send reply to %s: %v", conversationID, err)
		}
	}

	return c.SendStatus(fiber.StatusOK)
}

// TestWebhookPayload lets development tooling talk to the engine without
// Twilio in the loop.
type TestWebhookPayload struct {
	TenantSlug string `json:"tenant_slug"`
	From       string `json:"from"`
	Message    string `json:"message"`
}

// HandleTestWebhook processes a JSON test message and returns the reply
// inline instead of sending it.
func (h *WebhookHandler) HandleTestWebhook(c *fiber.Ctx) error {
	var payload TestWebhookPayload
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid test payload",
		})
	}

	tenantID, err := h.resolver.Resolve(tenant.Request{RoutingKey: payload.TenantSlug})
	if err != nil {
		if errors.Is(err, tenant.ErrNotTenantScoped) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "routing key is not a tenant",
			})
		}
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "unknown tenant",
		})
	}

	reply, err := h.engine.HandleMessage(c.Context(), tenantID, payload.From, payload.Message)
	if err != nil {
		log.Printf("error processing test message: %v", err)
	}

	return c.JSON(fiber.Map{
		"success":  err == nil,
		"response": reply,
	})
}

// subdomain extracts the routing key from a host like "acme.tiendabot.mx".
func subdomain(host string) string {
	host = strings.Split(host, ":")[0]
	parts := strings.Split(host, ".")
	if len(parts) < 3 {
		return ""
	}
	return parts[0]
}
