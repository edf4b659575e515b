package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"prism-backend/internal/acl"
	"prism-backend/internal/api"
	"prism-backend/internal/audit"
	"prism-backend/internal/auth"
	"prism-backend/internal/config"
	"prism-backend/internal/schema"
	"prism-backend/internal/store"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (port: %d, driver: %s)", cfg.Server.Port, cfg.Database.Driver)

	// 2. Connect to database
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Printf("Database connected (%s)", db.Dialect.Name())

	// 3. Bootstrap system tables and seed groups
	if err := db.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap system tables: %v", err)
	}
	log.Println("System tables ready")

	// 4. Access control engine
	aclEngine := acl.NewEngine(db)

	// 5. Schema read facade with the snapshot cache
	var snapshots schema.SnapshotStore
	if cfg.Cache.Enabled {
		snapshots = schema.NewMemorySnapshots()
	}
	service := schema.NewService(db, aclEngine, snapshots, cfg.Cache.TTL())

	// 6. Audit trail
	var recorder audit.Recorder = audit.Noop{}
	if cfg.Audit.Enabled {
		buffer := audit.NewBuffer(db, cfg.Audit.BufferSize, cfg.Audit.FlushIntervalMs)
		defer buffer.Stop()
		recorder = buffer
		audit.StartRetention(ctx, db, cfg.Audit.RetentionDays)
	}

	// 7. Schema mutator with legacy interface targets
	resolver := schema.NewResolver(schema.NewIntrospector(db), cfg.Compat.InterfaceCollections)
	mutator := schema.NewMutator(db, service, resolver, recorder)

	// 8. Create Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	// 9. Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// 10. Auth routes (before middleware — no auth required)
	authHandler := auth.NewAuthHandler(db, cfg.Auth)
	auth.RegisterAuthRoutes(app, authHandler)

	// 11. Schema routes (auth required, mutations admin only)
	authMW := auth.AuthMiddleware(cfg.Auth.JWTSecret)
	adminMW := auth.RequireAdmin()
	apiHandler := api.NewHandler(db, service, mutator, aclEngine)
	api.RegisterSchemaRoutes(app, apiHandler, authMW, adminMW)

	// 12. Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Starting server on %s", addr)
	log.Fatal(app.Listen(addr))
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}

	var appErr *api.AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(api.ErrorResponse{Error: appErr})
	}

	log.Printf("ERROR: %v", err)
	return c.Status(code).JSON(api.ErrorResponse{
		Error: &api.AppError{
			Code:    "INTERNAL_ERROR",
			Message: "Internal server error",
		},
	})
}
