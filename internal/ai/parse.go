package ai

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/spigell/applink/internal/oracle"
)

type verdict struct {
	Same      bool   `mapstructure:"same"`
	Category  string `mapstructure:"category"`
	Rationale string `mapstructure:"rationale"`
	Reason    string `mapstructure:"reason"`
}

var (
	leadingSame      = regexp.MustCompile(`(?i)^\W*(?:same|yes)\b`)
	leadingDifferent = regexp.MustCompile(`(?i)^\W*(?:different|no)\b`)
	sameWord         = regexp.MustCompile(`(?i)\bsame\b`)
	differentWord    = regexp.MustCompile(`(?i)\bdifferent\b`)
	negation         = regexp.MustCompile(`(?i)\b(?:not|no|never|neither|nor)\b|n't\b`)
)

func parseResponse(raw string) (oracle.Judgment, error) {
	cleaned := extractJSON(raw)

	var data map[string]any
	if err := json.Unmarshal([]byte(cleaned), &data); err != nil {
		return parseText(raw)
	}

	var v verdict
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       yesNoHook,
		WeaklyTypedInput: true,
		Result:           &v,
	})
	if err != nil {
		return oracle.Judgment{}, fmt.Errorf("build decoder: %w", err)
	}
	if err := dec.Decode(data); err != nil {
		return oracle.Judgment{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}

	rationale := strings.TrimSpace(v.Rationale)
	if rationale == "" {
		rationale = strings.TrimSpace(v.Reason)
	}

	category := oracle.ParseCategory(strings.ToLower(strings.TrimSpace(v.Category)))
	if strings.TrimSpace(v.Category) == "" && v.Same {
		category = oracle.CategorySame
	}

	return oracle.Judgment{Same: v.Same, Category: category, Rationale: rationale}, nil
}

// parseText handles models that ignore the JSON instruction and answer in prose. Only a
// reply that opens with a bare "same" or "yes" and negates nothing counts as a match.
func parseText(raw string) (oracle.Judgment, error) {
	text := strings.TrimSpace(raw)
	negated := negation.MatchString(text)

	switch {
	case leadingSame.MatchString(text) && !negated:
		return oracle.Judgment{Same: true, Category: oracle.CategorySame, Rationale: text}, nil
	case leadingDifferent.MatchString(text),
		differentWord.MatchString(text) && !sameWord.MatchString(text):
		return oracle.Judgment{Same: false, Category: oracle.CategoryUncertain, Rationale: text}, nil
	default:
		return oracle.Judgment{}, fmt.Errorf("%w: %q", ErrUnparseable, text)
	}
}

func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}
	raw = strings.Trim(raw, "`")
	raw = strings.TrimSpace(raw)

	if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start > 0 && end > start {
		raw = raw[start : end+1]
	}
	return raw
}

func yesNoHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Bool {
		return data, nil
	}
	switch strings.ToLower(strings.TrimSpace(data.(string))) {
	case "yes", "true", "same", "1":
		return true, nil
	default:
		return false, nil
	}
}
