package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/legal-doc-processor/backend/internal/ingestion"
	"github.com/legal-doc-processor/backend/internal/pipeline"
	"github.com/legal-doc-processor/backend/internal/storage/models"
	"github.com/legal-doc-processor/backend/pkg/logger"
)

type Submitter interface {
	Submit(ctx context.Context, req ingestion.Request) (*ingestion.Submission, error)
}

// PipelineAdmin is the operator surface of the orchestrator.
type PipelineAdmin interface {
	Status(ctx context.Context, documentID uuid.UUID) (*pipeline.StatusReport, error)
	Reset(ctx context.Context, documentID uuid.UUID, stage pipeline.Stage) (*models.Document, error)
	Redrive(ctx context.Context, documentID uuid.UUID) (pipeline.Stage, error)
}

type DocumentHandler struct {
	intake Submitter
	admin  PipelineAdmin
}

func NewDocumentHandler(intake Submitter, admin PipelineAdmin) *DocumentHandler {
	return &DocumentHandler{
		intake: intake,
		admin:  admin,
	}
}

func (h *DocumentHandler) SubmitDocument(c *fiber.Ctx) error {
	var req struct {
		ProjectID string `json:"project_id"`
		SourceRef string `json:"source_ref"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		return badRequest(c, "project_id must be a UUID")
	}

	sub, err := h.intake.Submit(c.UserContext(), ingestion.Request{ProjectID: projectID, SourceRef: req.SourceRef})
	if errors.Is(err, ingestion.ErrInvalidRequest) {
		return badRequest(c, err.Error())
	}
	if err != nil {
		logger.Error("Failed to submit document", zap.String("source_ref", req.SourceRef), zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Failed to submit document",
		})
	}

	status := fiber.StatusOK
	if sub.Created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{
		"document_id": sub.Document.ID,
		"project_id":  sub.Document.ProjectID,
		"source_ref":  sub.Document.SourceRef,
		"status":      sub.Document.Status,
		"generation":  sub.Document.Generation,
		"created":     sub.Created,
	})
}

func (h *DocumentHandler) GetStatus(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "Document id must be a UUID")
	}

	report, err := h.admin.Status(c.UserContext(), id)
	if err != nil {
		return h.adminError(c, id, "Failed to load document status", err)
	}
	return c.JSON(report)
}

func (h *DocumentHandler) ResetDocument(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "Document id must be a UUID")
	}

	var req struct {
		Stage   string `json:"stage"`
		Redrive bool   `json:"redrive"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	stage, err := pipeline.ParseStage(req.Stage)
	if err != nil {
		return badRequest(c, err.Error())
	}

	doc, err := h.admin.Reset(c.UserContext(), id, stage)
	if err != nil {
		return h.adminError(c, id, "Failed to reset document", err)
	}

	resp := fiber.Map{
		"document_id": doc.ID,
		"stage":       stage,
		"generation":  doc.Generation,
		"status":      doc.Status,
	}
	if req.Redrive {
		next, err := h.admin.Redrive(c.UserContext(), id)
		if err != nil {
			return h.adminError(c, id, "Document was reset but could not be redriven", err)
		}
		resp["redriven"] = next
	}
	return c.JSON(resp)
}

func (h *DocumentHandler) RedriveDocument(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "Document id must be a UUID")
	}

	stage, err := h.admin.Redrive(c.UserContext(), id)
	if err != nil {
		return h.adminError(c, id, "Failed to redrive document", err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"document_id": id,
		"stage":       stage,
	})
}

func (h *DocumentHandler) adminError(c *fiber.Ctx, id uuid.UUID, msg string, err error) error {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Document not found",
		})
	case errors.Is(err, pipeline.ErrOutOfOrder):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	logger.Error(msg, zap.String("document_id", id.String()), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": msg,
	})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": msg,
	})
}
