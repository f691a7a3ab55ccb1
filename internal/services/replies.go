package services

import (
	"fmt"
	"strings"

	"github.com/tiendabot/tiendabot-backend/internal/models"
)

// Buyer-facing reply texts. Internal failures never leak here; the engine
// maps them all to genericErrorReply.

const genericErrorReply = "😓 Algo salió mal. Por favor intenta de nuevo."

const clarificationReply = "🤔 No te entendí. Escribe *catálogo* para ver los productos, o *ayuda* para las opciones."

func greetingReply(tenant *models.Tenant, products []*models.Product) string {
	var b strings.Builder
	fmt.Fprintf(&b, "👋 ¡Hola! Bienvenido a *%s*.\n\n", tenant.Name)
	b.WriteString(catalogListing(tenant, products))
	b.WriteString("\nEscribe el nombre o número del producto que quieras.")
	return b.String()
}

func catalogListing(tenant *models.Tenant, products []*models.Product) string {
	if len(products) == 0 {
		return "Por ahora no tenemos productos disponibles. ¡Vuelve pronto!"
	}
	var b strings.Builder
	b.WriteString("🛍️ Nuestros productos:\n")
	for i, product := range products {
		fmt.Fprintf(&b, "%d. %s — %s %.2f (%d disponibles)\n",
			i+1, product.Name, tenant.Currency, product.Price, product.Stock)
	}
	return b.String()
}

func askQuantityReply(line *models.DraftLine) string {
	return fmt.Sprintf("¿Cuántas unidades de *%s* quieres?", line.Name)
}

func draftSummaryReply(draft *models.DraftOrder, currency string) string {
	var b strings.Builder
	b.WriteString("🧾 Tu pedido:\n")
	for _, line := range draft.Lines {
		fmt.Fprintf(&b, "• %d × %s — %s %.2f\n", line.Quantity, line.Name, currency, line.UnitPrice*float64(line.Quantity))
	}
	fmt.Fprintf(&b, "\nTotal: *%s %.2f*\n\nResponde *sí* para confirmar o *no* para cancelar.", currency, draft.Total())
	return b.String()
}

func shortfallReply(shortages []stockShortage, draft *models.DraftOrder, currency string) string {
	var b strings.Builder
	b.WriteString("⚠️ No hay suficiente inventario:\n")
	for _, s := range shortages {
		fmt.Fprintf(&b, "• %s: pediste %d, quedan %d\n", s.Name, s.Requested, s.Available)
	}
	b.WriteString("\nAjusté tu pedido a lo disponible:\n\n")
	b.WriteString(draftSummaryReply(draft, currency))
	return b.String()
}

func outOfStockReply() string {
	return "😔 Lo sentimos, esos productos se agotaron. Escribe *catálogo* para ver lo disponible."
}

func orderPlacedReply(order *models.Order, currency string) string {
	return fmt.Sprintf("🎉 ¡Pedido %s confirmado! Total: *%s %.2f*.\n\nPaga con la referencia: *%s*\n\nCuando hayas pagado, escribe *ya pagué* y lo verifico.",
		order.ID, currency, order.Total, order.PaymentReference)
}

func paymentRefPendingReply(order *models.Order, currency string) string {
	return fmt.Sprintf("🎉 ¡Pedido %s confirmado! Total: *%s %.2f*.\n\nEstamos generando tu referencia de pago, escríbeme en un momento para recibirla.",
		order.ID, currency, order.Total)
}

func paymentNotConfirmedReply(order *models.Order) string {
	return fmt.Sprintf("⏳ Aún no veo tu pago del pedido %s. Puede tardar unos minutos; escribe *ya pagué* más tarde para verificar de nuevo.", order.ID)
}

func orderCancelledReply(orderID string) string {
	return fmt.Sprintf("🚫 Pedido %s cancelado. Escribe *catálogo* si quieres empezar de nuevo.", orderID)
}

func orderAlreadyPaidReply(orderID string) string {
	return fmt.Sprintf("✅ Tu pedido %s ya está pagado. ¡Gracias por tu compra!", orderID)
}

func draftDiscardedReply() string {
	return "👍 Listo, cancelé la selección. Escribe *catálogo* cuando quieras ver los productos."
}

func pendingOrderReminderReply(order *models.Order, currency string) string {
	if order.PaymentReference != "" {
		return fmt.Sprintf("Tienes el pedido %s pendiente de pago (%s %.2f, referencia *%s*). Escribe *ya pagué* para verificar o *cancelar* para anularlo.",
			order.ID, currency, order.Total, order.PaymentReference)
	}
	return fmt.Sprintf("Tienes el pedido %s pendiente de pago (%s %.2f). Escribe *ya pagué* para verificar o *cancelar* para anularlo.",
		order.ID, currency, order.Total)
}

func productNotFoundReply() string {
	return "🔍 No encontré ese producto. Escribe *catálogo* para ver la lista."
}

func noOrderStatusReply() string {
	return "No tienes ningún pedido pendiente. Escribe *catálogo* para ver los productos."
}

func idleWarningReply() string {
	return "👀 ¿Sigues ahí? Tu conversación se cerrará pronto por inactividad."
}
