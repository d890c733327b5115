package logger

import (
	"strings"

	"go.uber.org/zap"
)

// Structured field keys shared by every component, so one email can be followed through
// extraction, pool building, the oracle and the final decision.
const (
	FieldEmailID  = "email_id"
	FieldEntityID = "entity_id"
	FieldRunID    = "run_id"
	FieldTier     = "tier"
	FieldStage    = "stage"
	FieldMethod   = "method"

	FieldProvider = "ai_provider"
	FieldModel    = "ai_model"
)

// StringField is a string-valued structured field.
type StringField struct {
	Key   string
	Value string
}

// StringFields converts key/value pairs into zap fields. Keys and values are trimmed and
// pairs with either side empty are dropped.
func StringFields(fields ...StringField) []zap.Field {
	result := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		key := strings.TrimSpace(field.Key)
		value := strings.TrimSpace(field.Value)
		if key == "" || value == "" {
			continue
		}
		result = append(result, zap.String(key, value))
	}
	return result
}

// WithFields attaches fields to the logger. A nil logger becomes a no-op logger.
func WithFields(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// EmailFields identifies an email and, once known, the application it is matched against.
func EmailFields(emailID, entityID string) []zap.Field {
	return StringFields(
		StringField{Key: FieldEmailID, Value: emailID},
		StringField{Key: FieldEntityID, Value: entityID},
	)
}

// CommonFields describes the language model backing the oracle.
func CommonFields(provider, model string) []zap.Field {
	return StringFields(
		StringField{Key: FieldProvider, Value: provider},
		StringField{Key: FieldModel, Value: model},
	)
}

// WithCommonFields attaches the oracle backend fields to the logger.
func WithCommonFields(logger *zap.Logger, provider, model string) *zap.Logger {
	return WithFields(logger, CommonFields(provider, model)...)
}

// WithRun tags every entry of one scan.
func WithRun(logger *zap.Logger, runID string) *zap.Logger {
	return WithFields(logger, StringFields(StringField{Key: FieldRunID, Value: runID})...)
}
