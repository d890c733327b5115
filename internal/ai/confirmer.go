// Package ai turns a text generator into a confirmation oracle.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	_ "embed"

	"go.uber.org/zap"

	"github.com/spigell/applink/internal/logger"
	"github.com/spigell/applink/internal/oracle"
	"github.com/spigell/applink/internal/utils"
)

// Generator is a prompt-in, text-out language model backend.
type Generator interface {
	GenerateContent(ctx context.Context, prompt string) (string, error)
	Model() string
}

//go:embed prompt.md
var promptTemplate string

const defaultMaxLogLength = 200

// ErrUnparseable is returned when the model answer carries no verdict.
var ErrUnparseable = errors.New("unparseable oracle response")

// Confirmer asks a language model whether an email belongs to a candidate application.
type Confirmer struct {
	generator Generator
	logger    *zap.Logger
	maxLogLen int
}

func NewConfirmer(generator Generator, provider string, maxLogLength int, log *zap.Logger) *Confirmer {
	if maxLogLength <= 0 {
		maxLogLength = defaultMaxLogLength
	}

	return &Confirmer{
		generator: generator,
		logger:    logger.WithCommonFields(log, provider, generator.Model()),
		maxLogLen: maxLogLength,
	}
}

func (c *Confirmer) Confirm(ctx context.Context, q oracle.Query) (oracle.Judgment, error) {
	prompt, err := buildPrompt(q)
	if err != nil {
		return oracle.Judgment{}, err
	}

	c.logger.Debug("oracle generate content request",
		append(logger.EmailFields(q.Signal.EmailID, q.Candidate.EntityID),
			zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
			zap.String("prompt_preview", utils.TruncateForLog(prompt, c.maxLogLen)),
		)...,
	)

	raw, err := c.generator.GenerateContent(ctx, prompt)
	if err != nil {
		return oracle.Judgment{}, err
	}

	c.logger.Debug("oracle generate content response",
		append(logger.EmailFields(q.Signal.EmailID, q.Candidate.EntityID),
			zap.Int("response_length", utf8.RuneCountInString(raw)),
			zap.String("response_preview", utils.TruncateForLog(raw, c.maxLogLen)),
		)...,
	)

	return parseResponse(raw)
}

func buildPrompt(q oracle.Query) (string, error) {
	email := map[string]any{
		"email_id":       q.Signal.EmailID,
		"company":        q.Signal.Company,
		"title":          q.Signal.Title,
		"requisition_id": q.Signal.RequisitionID,
		"status":         q.Signal.Status,
		"sender_domain":  q.Signal.SenderDomain,
		"timestamp":      q.Signal.Timestamp,
		"subject":        q.Signal.Subject,
		"snippet":        q.Signal.Snippet,
	}

	emailJSON, err := json.MarshalIndent(email, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal email payload: %w", err)
	}
	candidateJSON, err := json.MarshalIndent(q.Candidate, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal candidate payload: %w", err)
	}
	timelineJSON, err := json.MarshalIndent(q.Context, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal timeline payload: %w", err)
	}

	template := promptTemplate
	if strings.TrimSpace(template) == "" {
		template = "Email:\n{{EMAIL_JSON}}\n\nCandidate:\n{{CANDIDATE_JSON}}\n\nTimeline:\n{{TIMELINE_JSON}}\n\nJSON Response:"
	}
	prompt := strings.ReplaceAll(template, "{{EMAIL_JSON}}", string(emailJSON))
	prompt = strings.ReplaceAll(prompt, "{{CANDIDATE_JSON}}", string(candidateJSON))
	prompt = strings.ReplaceAll(prompt, "{{TIMELINE_JSON}}", string(timelineJSON))
	return prompt, nil
}
