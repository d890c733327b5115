package signal

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type emailFile struct {
	Emails []RawEmail `yaml:"emails"`
}

// LoadEmails reads a YAML file with a top-level `emails` list.
func LoadEmails(path string) ([]RawEmail, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading emails file %q: %w", path, err)
	}

	var file emailFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing emails file %q: %w", path, err)
	}

	return file.Emails, nil
}

// ExtractAll runs the extractor over every email. Emails that fail extraction are
// logged and skipped; only context cancellation aborts the loop.
func ExtractAll(ctx context.Context, extractor Extractor, emails []RawEmail, logger *zap.Logger) ([]Signal, error) {
	signals := make([]Signal, 0, len(emails))
	for _, email := range emails {
		if err := ctx.Err(); err != nil {
			return signals, err
		}

		sig, err := extractor.Extract(ctx, email)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return signals, err
			}
			logger.Warn("skipping email after extraction failure",
				zap.String("email_id", email.ID),
				zap.Error(err),
			)
			continue
		}

		if sig.Empty() {
			logger.Debug("email carries no company or title",
				zap.String("email_id", sig.EmailID),
				zap.String("thread_id", sig.ThreadID),
			)
		}

		signals = append(signals, sig)
	}

	return signals, nil
}
