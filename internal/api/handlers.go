package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/krishimitra/signalbridge/internal/ledger"
)

// submit handles POST /api/v1/requests.
func (s *Server) submit(c *fiber.Ctx) error {
	var req SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "bad_request",
			Message: "Invalid request body",
		})
	}

	kind, err := ledger.ParseKind(req.Kind)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "bad_request",
			Message: "kind must be chat or video",
		})
	}
	if err := ledger.Validate(req.Issue, req.RoomID, s.opts.MaxIssueLength); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "bad_request",
			Message: err.Error(),
		})
	}

	created := s.ledger.Submit(kind, req.RequesterName, req.Issue, req.RoomID)
	return c.Status(fiber.StatusCreated).JSON(created)
}

// listPending handles GET /api/v1/requests.
func (s *Server) listPending(c *fiber.Ctx) error {
	pending := s.ledger.ListPending()
	return c.JSON(RequestListResponse{Requests: pending, Count: len(pending)})
}

// get handles GET /api/v1/requests/:id.
func (s *Server) get(c *fiber.Ctx) error {
	req, err := s.ledger.Get(c.Params("id"))
	if err != nil {
		return s.handleLedgerError(c, err)
	}
	return c.JSON(req)
}

// resolve handles POST /api/v1/requests/:id/resolve.
func (s *Server) resolve(c *fiber.Ctx) error {
	var body ResolveRequest
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "bad_request",
			Message: "Invalid request body",
		})
	}
	decision, err := ledger.ParseDecision(body.Decision)
	if err != nil {
		return s.handleLedgerError(c, err)
	}

	req, err := s.ledger.Resolve(c.Params("id"), decision)
	if err != nil {
		return s.handleLedgerError(c, err)
	}
	return c.JSON(req)
}

// handleLedgerError maps ledger errors to HTTP responses.
func (s *Server) handleLedgerError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, ledger.ErrRequestNotFound):
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "not_found",
			Message: "Request not found",
		})
	case errors.Is(err, ledger.ErrAlreadyResolved):
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{
			Error:   "already_resolved",
			Message: err.Error(),
		})
	case errors.Is(err, ledger.ErrInvalidDecision):
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "bad_request",
			Message: "decision must be accepted or rejected",
		})
	default:
		return err
	}
}
