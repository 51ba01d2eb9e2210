package validation

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/gofiber/fiber/v2"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

type Config struct {
	MaxSourceRefLength  int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware rejects malformed document API bodies before they reach a
// handler. Bodies are inspected with gjson so nothing is decoded twice.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxSourceRefLength == 0 {
		cfg.MaxSourceRefLength = 1024
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost {
			return c.Next()
		}

		body := c.Body()
		if len(body) == 0 {
			return c.Next()
		}

		if !allowedContentType(c.Get(fiber.HeaderContentType), cfg.AllowedContentTypes) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}

		if !gjson.ValidBytes(body) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid JSON format",
			})
		}

		path := strings.TrimSuffix(c.Path(), "/")
		switch {
		case strings.HasSuffix(path, "/documents"):
			if msg := checkSubmission(body, cfg); msg != "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": msg,
				})
			}
		case strings.HasSuffix(path, "/reset"):
			if stage := gjson.GetBytes(body, "stage"); stage.Type != gjson.String || stage.Str == "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "stage is required and must be a string",
				})
			}
			if r := gjson.GetBytes(body, "redrive"); r.Exists() && !r.IsBool() {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "redrive must be a boolean",
				})
			}
		}

		return c.Next()
	}
}

func checkSubmission(body []byte, cfg Config) string {
	fields := gjson.GetManyBytes(body, "project_id", "source_ref")
	if fields[0].Type != gjson.String {
		return "project_id is required and must be a string"
	}

	ref := fields[1]
	if ref.Type != gjson.String || strings.TrimSpace(ref.Str) == "" {
		return "source_ref is required and must be a string"
	}
	if len(ref.Str) > cfg.MaxSourceRefLength {
		return "source_ref exceeds maximum length"
	}
	if strings.IndexFunc(ref.Str, unicode.IsControl) >= 0 {
		return "source_ref contains control characters"
	}
	if xssPattern.MatchString(ref.Str) {
		cfg.Logger.Warn("Rejected suspicious source_ref", zap.String("source_ref", ref.Str))
		return "Invalid source_ref content"
	}
	return ""
}

func allowedContentType(contentType string, allowed []string) bool {
	for _, t := range allowed {
		if strings.HasPrefix(strings.ToLower(contentType), t) {
			return true
		}
	}
	return false
}
