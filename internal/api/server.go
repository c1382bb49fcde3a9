// Package api serves the consultation request inbox over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/krishimitra/signalbridge/internal/ledger"
)

// Options configures a Server.
type Options struct {
	// AuthToken returns the current bearer token; empty disables auth.
	AuthToken      func() string
	MaxIssueLength int
}

// Server is the fiber application for the request inbox.
type Server struct {
	app    *fiber.App
	ledger *ledger.Ledger
	opts   Options
}

// New builds the inbox routes on top of l.
func New(l *ledger.Ledger, opts Options) *Server {
	if opts.AuthToken == nil {
		opts.AuthToken = func() string { return "" }
	}
	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			ErrorHandler:          customErrorHandler,
		}),
		ledger: l,
		opts:   opts,
	}

	s.app.Use(recover.New())
	s.app.Use(requestLogger)
	s.setupRoutes()
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	slog.Info("request API listening", "address", addr)
	return s.app.Listen(addr)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) setupRoutes() {
	v1 := s.app.Group("/api/v1")
	v1.Use(AuthMiddleware(s.opts.AuthToken))

	v1.Post("/requests", s.submit)
	v1.Get("/requests", s.listPending)
	v1.Get("/requests/:id", s.get)
	v1.Post("/requests/:id/resolve", s.resolve)
}

func requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	slog.Debug("api request",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"duration", time.Since(start).String())
	return err
}

// customErrorHandler handles Fiber errors.
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	} else {
		slog.Error("api handler failed", "path", c.Path(), "error", err)
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   "server_error",
		Message: message,
	})
}
