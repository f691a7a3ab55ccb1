package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/tiendabot/tiendabot-backend/database"
	"github.com/tiendabot/tiendabot-backend/internal/config"
	"github.com/tiendabot/tiendabot-backend/internal/handlers"
	"github.com/tiendabot/tiendabot-backend/internal/jobs"
	"github.com/tiendabot/tiendabot-backend/internal/models"
	"github.com/tiendabot/tiendabot-backend/internal/routes"
	"github.com/tiendabot/tiendabot-backend/internal/services"
	"github.com/tiendabot/tiendabot-backend/internal/storage"
	"github.com/tiendabot/tiendabot-backend/internal/tenant"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	// Storage
	var store storage.Store
	storageType := "PostgreSQL Database"
	if cfg.UseMemoryStore {
		log.Println("⚠️  Using in-memory storage (not for production!)")
		store = storage.NewMemoryStore()
		storageType = "In-Memory (Testing)"
		seedDemoTenant(store)
	} else {
		log.Println("📦 Connecting to PostgreSQL database...")
		db, err := database.Connect(cfg)
		if err != nil {
			log.Fatal("Failed to connect to database:", err)
		}

		log.Println("🔄 Running database migrations...")
		err = db.AutoMigrate(
			&models.Tenant{},
			&models.Product{},
			&models.ConversationSession{},
			&models.Order{},
			&models.OrderLine{},
		)
		if err != nil {
			log.Fatal("Failed to migrate database:", err)
		}
		log.Println("✅ Database migrations completed!")

		store = storage.NewDatabaseStore(db)
	}

	// Outbound notifier
	var notifier services.Notifier
	twilioConfigured := cfg.TwilioAccountSID != ""
	if twilioConfigured {
		twilioNotifier, err := services.NewTwilioNotifier(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioWhatsAppFrom)
		if err != nil {
			log.Fatal("Failed to initialize Twilio notifier:", err)
		}
		notifier = twilioNotifier
		log.Println("✅ Twilio notifier initialized")
	} else {
		log.Println("⚠️  Twilio credentials not found - replies will be logged only")
		notifier = services.LogNotifier{}
	}

	// Tenant resolution
	cache := tenant.NewCache(cfg.TenantCacheTTL)
	resolver := tenant.NewResolver(store, cache, cfg.InternalAuthSecret, cfg.RoutingAllowlist, nil)

	// Core services
	catalog := services.NewStoreCatalog(store)
	engine := services.NewConversationEngine(
		store,
		catalog,
		services.LinkPaymentGateway{},
		notifier,
		services.NewKeywordClassifier(),
		services.EngineConfig{
			WarnAfter:  cfg.SessionWarnAfter,
			CloseAfter: cfg.SessionCloseAfter,
		},
	)
	reconciliation := services.NewReconciliationService(store, notifier)

	// Background jobs
	idleJob := jobs.NewIdleSessionJob(store, engine, cache, time.Minute)
	idleJob.Start()

	// HTTP surface
	app := fiber.New(fiber.Config{
		AppName: "TiendaBot Backend v1.0.0",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	webhookHandler := handlers.NewWebhookHandler(resolver, engine, notifier)
	paymentHandler := handlers.NewPaymentHandler(reconciliation)
	healthHandler := handlers.NewHealthHandler(storageType, twilioConfigured)
	routes.SetupRoutes(app, cfg, webhookHandler, paymentHandler, healthHandler)

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		log.Println("\n🛑 Gracefully shutting down...")
		idleJob.Stop()
		_ = app.Shutdown()
	}()

	log.Println("========================================")
	log.Printf("🚀 TiendaBot Backend starting on port %s", cfg.Port)
	log.Printf("📊 Storage: %s", storageType)
	log.Printf("🌍 Environment: %s", cfg.Environment)
	log.Printf("📱 WhatsApp: %s", whatsappStatus(twilioConfigured))
	log.Println("========================================")

	log.Fatal(app.Listen(":" + cfg.Port))
}

func whatsappStatus(configured bool) string {
	if configured {
		return "Configured"
	}
	return "Not configured"
}

// seedDemoTenant gives the memory store a usable tenant and catalog so the
// dev test endpoint works out of the box.
func seedDemoTenant(store storage.Store) {
	demo := &models.Tenant{
		ID:             "TEN-DEMO",
		Name:           "Tienda Demo",
		Slug:           "demo",
		Currency:       "MXN",
		WhatsAppNumber: "+14155238886",
		PaymentSecret:  "demo-payment-secret",
		Active:         true,
	}
	if err := store.CreateTenant(demo); err != nil {
		log.Printf("failed to seed demo tenant: %v", err)
		return
	}

	products := []*models.Product{
		{ID: "PRD-001", TenantID: demo.ID, Name: "Cafe de olla 500g", Price: 180, Stock: 25, Active: true},
		{ID: "PRD-002", TenantID: demo.ID, Name: "Chocolate artesanal", Price: 95, Stock: 40, Active: true},
		{ID: "PRD-003", TenantID: demo.ID, Name: "Miel de abeja 1L", Price: 250, Stock: 10, Active: true},
	}
	for _, product := range products {
		if err := store.CreateProduct(product); err != nil {
			log.Printf("failed to seed product %s: %v", product.ID, err)
		}
	}
	log.Println("✅ Seeded demo tenant 'demo' with 3 products")
}
