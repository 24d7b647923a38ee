// Command exampledispatcher is a thin HTTP front end over an embedded
// engine, grounded on the teacher's cmd/main.go wiring order: load config,
// construct storage, build the engine, register handlers, start, serve,
// wait for a signal, shut down. It is deliberately not a management
// dashboard or admin UI — dispatch and cancel only.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/minisource/evertask"
	"github.com/minisource/evertask/config"
	"github.com/minisource/evertask/dispatcher"
	"github.com/minisource/evertask/model"
	"github.com/minisource/evertask/storage"
	"github.com/minisource/evertask/storage/gormstore"
)

// sendEmailRequest is the example task payload this demo process knows how
// to dispatch; a real deployment registers its own domain handlers the same
// way via engine.RegisterHandler.
type sendEmailRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

type sendEmailHandler struct{}

func (sendEmailHandler) Handle(ctx context.Context, request model.TaskRequest) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return err
	}
	var req sendEmailRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	log.Printf("sending email to %s: %s", req.To, req.Subject)
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	var store storage.Storage
	if os.Getenv("EVERTASK_STORAGE") == "postgres" {
		pg, err := gormstore.Open(gormstore.Config{
			Host:               cfg.Postgres.Host,
			Port:               cfg.Postgres.Port,
			User:               cfg.Postgres.User,
			Password:           cfg.Postgres.Password,
			DBName:             cfg.Postgres.DBName,
			SSLMode:            cfg.Postgres.SSLMode,
			MaxOpenConns:       cfg.Postgres.MaxOpenConns,
			MaxIdleConns:       cfg.Postgres.MaxIdleConns,
			MaxLifetimeMinutes: cfg.Postgres.MaxLifetimeMinutes,
		})
		if err != nil {
			log.Fatalf("failed to connect to postgres: %v", err)
		}
		if err := pg.Migrate(); err != nil {
			log.Fatalf("failed to migrate: %v", err)
		}
		store = pg
	} else {
		store = storage.NewMemory()
	}

	engine := evertask.New(cfg, store)
	engine.RegisterHandler("SendEmail", func() model.Handler { return sendEmailHandler{} }, model.HandlerConfig{})

	ctx := context.Background()
	if err := engine.Start(ctx); err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}

	app := fiber.New(fiber.Config{
		AppName:      "EverTask Example Dispatcher",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} - ${latency}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,X-Request-ID",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	type dispatchRequest struct {
		HandlerType string                   `json:"handlerType"`
		Request     json.RawMessage          `json:"request"`
		TaskKey     string                   `json:"taskKey,omitempty"`
		DelaySecs   *int                     `json:"delaySeconds,omitempty"`
		Recurring   *model.RecurringSchedule `json:"recurring,omitempty"`
	}

	app.Post("/tasks", func(c *fiber.Ctx) error {
		var body dispatchRequest
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		var request any
		if len(body.Request) > 0 {
			if err := json.Unmarshal(body.Request, &request); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
			}
		}

		opts := dispatcher.Options{TaskKey: body.TaskKey, Recurring: body.Recurring}
		if body.DelaySecs != nil {
			d := time.Duration(*body.DelaySecs) * time.Second
			opts.Delay = &d
		}

		id, err := engine.Dispatch(c.Context(), body.HandlerType, request, opts)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"id": id})
	})

	app.Delete("/tasks/:id", func(c *fiber.Ctx) error {
		if err := engine.Cancel(c.Context(), c.Params("id")); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	go func() {
		addr := ":8080"
		if p := os.Getenv("PORT"); p != "" {
			addr = ":" + p
		}
		log.Printf("starting example dispatcher on %s", addr)
		if err := app.Listen(addr); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down example dispatcher...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	if err := engine.Stop(shutdownCtx); err != nil {
		log.Printf("engine shutdown error: %v", err)
	}
	log.Println("example dispatcher stopped")
}

func atoiOr(s string, fallback int) int {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return fallback
	}
	return n
}
