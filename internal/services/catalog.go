package services

import (
	"context"
	"log"
	"sort"

	"github.com/tiendabot/tiendabot-backend/internal/models"
	"github.com/tiendabot/tiendabot-backend/internal/storage"
)

// CatalogGateway is the engine's only view of product truth. Stock is the
// one piece of cross-conversation shared mutable state, so decrements are
// conditional at this boundary.
type CatalogGateway interface {
	GetProduct(ctx context.Context, tenantID, productID string) (*models.Product, error)
	ListActive(ctx context.Context, tenantID string) ([]*models.Product, error)
	GetStock(ctx context.Context, tenantID, productID string) (int, error)
	// DecrementStockIfAvailable subtracts qty only when enough stock exists.
	DecrementStockIfAvailable(ctx context.Context, tenantID, productID string, qty int) (bool, error)
	// RestoreStock compensates a decrement, e.g. when a later line of the
	// same order failed or the order was cancelled before payment.
	RestoreStock(ctx context.Context, tenantID, productID string, qty int) error
}

// StoreCatalog implements CatalogGateway over the storage layer. When a
// successful decrement empties the stock, the product is marked unavailable
// so it drops out of listings rather than failing buyers later.
type StoreCatalog struct {
	store storage.Store
}

// NewStoreCatalog creates a catalog gateway over the given store.
func NewStoreCatalog(store storage.Store) *StoreCatalog {
	return &StoreCatalog{store: store}
}

func (c *StoreCatalog) GetProduct(ctx context.Context, tenantID, productID string) (*models.Product, error) {
	return c.store.GetProduct(tenantID, productID)
}

// ListActive returns active products sorted by name so listing indexes are
// stable between the catalog a buyer saw and their numeric selection.
func (c *StoreCatalog) ListActive(ctx context.Context, tenantID string) ([]*models.Product, error) {
	products, err := c.store.GetActiveProducts(tenantID)
	if err != nil {
		return nil, err
	}
	sort.Slice(products, func(i, j int) bool { return products[i].Name < products[j].Name })
	return products, nil
}

func (c *StoreCatalog) GetStock(ctx context.Context, tenantID, productID string) (int, error) {
	product, err := c.store.GetProduct(tenantID, productID)
	if err != nil {
		return 0, err
	}
	return product.Stock, nil
}

func (c *StoreCatalog) DecrementStockIfAvailable(ctx context.Context, tenantID, productID string, qty int) (bool, error) {
	remaining, ok, err := c.store.DecrementStockIfAvailable(tenantID, productID, qty)
	if err != nil {
		return false, err
	}
	if ok && remaining == 0 {
		if err := c.store.MarkProductUnavailable(tenantID, productID); err != nil {
			log.Printf("failed to mark product %s/%s unavailable: %v", tenantID, productID, err)
		}
	}
	return ok, nil
}

func (c *StoreCatalog) RestoreStock(ctx context.Context, tenantID, productID string, qty int) error {
	return c.store.RestoreStock(tenantID, productID, qty)
}
