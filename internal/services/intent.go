package services

import (
	"context"
	"strconv"
	"strings"

	"github.com/tiendabot/tiendabot-backend/internal/models"
)

// Intent types. The engine trusts only the structured Type field; free text
// riding along is never re-interpreted. Anything ambiguous arrives as
// IntentUnknown and gets a clarification, never a guessed confirmation.
const (
	IntentGreet       = "greet"
	IntentBrowse      = "browse_category"
	IntentSelectItem  = "select_item"
	IntentQuantity    = "quantity"
	IntentConfirm     = "confirm"
	IntentCancel      = "cancel"
	IntentOrderStatus = "ask_order_status"
	IntentUnknown     = "unknown"
)

// Intent is the structured classification of one inbound message.
type Intent struct {
	Type string

	// ProductQuery is set for select_item: free-text product name or a
	// 1-based listing index.
	ProductQuery string

	// Quantity is set for select_item (optional) and quantity intents.
	Quantity int
}

// IntentClassifier is the seam to the external language-understanding
// collaborator. Implementations get the raw text plus enough context to
// recognize product references.
type IntentClassifier interface {
	Classify(ctx context.Context, tenantID, text string, session *models.ConversationSession, products []*models.Product) (Intent, error)
}

// KeywordClassifier is the built-in classifier: normalized keyword and
// prefix matching, Spanish and English. It stands in when no external NLU
// service is wired up.
type KeywordClassifier struct{}

// NewKeywordClassifier creates the default classifier.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

var (
	greetWords   = []string{"HOLA", "HI", "HELLO", "HEY", "BUENAS", "START", "MENU"}
	browseWords  = []string{"CATALOGO", "CATÁLOGO", "CATALOG", "PRODUCTOS", "PRODUCTS", "BROWSE", "VER", "LIST", "LISTA"}
	confirmWords = []string{"SI", "SÍ", "YES", "CONFIRMO", "CONFIRM", "OK", "DALE", "CORRECTO"}
	cancelWords  = []string{"NO", "CANCELAR", "CANCEL", "CANCELA", "SALIR", "EXIT"}
	statusWords  = []string{"PAGUE", "PAGUÉ", "PAID", "YA PAGUE", "YA PAGUÉ", "ESTADO", "STATUS", "MI PEDIDO", "MY ORDER"}
)

func (k *KeywordClassifier) Classify(ctx context.Context, tenantID, text string, session *models.ConversationSession, products []*models.Product) (Intent, error) {
	msg := strings.TrimSpace(strings.ToUpper(text))
	if msg == "" {
		return Intent{Type: IntentUnknown}, nil
	}

	switch {
	case matchesAny(msg, greetWords):
		return Intent{Type: IntentGreet}, nil
	case matchesAny(msg, browseWords):
		return Intent{Type: IntentBrowse}, nil
	case matchesAny(msg, statusWords):
		return Intent{Type: IntentOrderStatus}, nil
	case matchesAny(msg, cancelWords):
		return Intent{Type: IntentCancel}, nil
	case matchesAny(msg, confirmWords):
		return Intent{Type: IntentConfirm}, nil
	}

	// A bare number is a quantity answer while one is owed, otherwise a
	// listing index selection.
	if n, err := strconv.Atoi(msg); err == nil && n > 0 {
		if session != nil && session.State == models.StateAwaitingQuantity {
			return Intent{Type: IntentQuantity, Quantity: n}, nil
		}
		return Intent{Type: IntentSelectItem, ProductQuery: msg}, nil
	}

	// "<product> x <qty>" or "<qty> <product>"
	if intent, ok := parseSelection(msg, products); ok {
		return intent, nil
	}

	// Plain product name match
	for _, product := range products {
		if strings.Contains(msg, strings.ToUpper(product.Name)) {
			return Intent{Type: IntentSelectItem, ProductQuery: product.Name}, nil
		}
	}

	return Intent{Type: IntentUnknown}, nil
}

func matchesAny(msg string, words []string) bool {
	for _, word := range words {
		if msg == word {
			return true
		}
	}
	return false
}

// parseSelection recognizes "COLA X 2", "2 COLA" and "COLA 2" forms against
// the tenant's product names.
func parseSelection(msg string, products []*models.Product) (Intent, bool) {
	fields := strings.Fields(strings.ReplaceAll(msg, " X ", " "))
	if len(fields) < 2 {
		return Intent{}, false
	}

	qty := 0
	var nameParts []string
	for _, field := range fields {
		if n, err := strconv.Atoi(field); err == nil && n > 0 && qty == 0 {
			qty = n
			continue
		}
		nameParts = append(nameParts, field)
	}
	if qty == 0 || len(nameParts) == 0 {
		return Intent{}, false
	}

	query := strings.Join(nameParts, " ")
	for _, product := range products {
		if strings.Contains(strings.ToUpper(product.Name), query) ||
			strings.Contains(query, strings.ToUpper(product.Name)) {
			return Intent{Type: IntentSelectItem, ProductQuery: product.Name, Quantity: qty}, true
		}
	}
	return Intent{}, false
}
