package store

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type labelFile struct {
	Labels []Label `yaml:"labels"`
}

// LoadLabels reads ground truth from a YAML file with a top-level `labels` list of
// {email_id, group} pairs.
func LoadLabels(path string) ([]Label, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading labels file %q: %w", path, err)
	}

	var file labelFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing labels file %q: %w", path, err)
	}

	for i, l := range file.Labels {
		if err := validateLabel(l); err != nil {
			return nil, fmt.Errorf("labels file %q entry %d: %w", path, i, err)
		}
	}

	return file.Labels, nil
}

func validateLabel(l Label) error {
	if strings.TrimSpace(l.EmailID) == "" {
		return fmt.Errorf("%w: email_id is required", ErrInvalidLabel)
	}
	if strings.TrimSpace(l.Group) == "" {
		return fmt.Errorf("%w: group is required for %q", ErrInvalidLabel, l.EmailID)
	}
	return nil
}
