package config

import (
	"fmt"
	"os"
	"path/filepath"

	"photoflow/internal/models"
)

// defaultPromptDir is the subdirectory within the user's config directory.
const defaultPromptDir = ".config/photoflow/prompts"

// LoadPromptContent resolves the path for a prompt template and reads its content.
// If configuredPath is absolute, it's used directly.
// If configuredPath is relative, it's treated as a filename within ~/.config/photoflow/prompts/.
func LoadPromptContent(configuredPath string) (string, error) {
	finalPath := configuredPath
	if !filepath.IsAbs(configuredPath) {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		finalPath = filepath.Join(homeDir, defaultPromptDir, configuredPath)
	}

	promptBytes, err := os.ReadFile(finalPath)
	if err != nil {
		if os.IsNotExist(err) && !filepath.IsAbs(configuredPath) {
			return "", fmt.Errorf("prompt file not found at default location '%s'. Please create it or specify an absolute path in config.yaml: %w", finalPath, err)
		}
		return "", fmt.Errorf("failed to read prompt file '%s': %w", finalPath, err)
	}
	return string(promptBytes), nil
}

// PromptTemplates loads every configured prompt file. Job types without a
// configured path are left out so the built-in template applies.
func (c *Config) PromptTemplates() (map[models.JobType]string, error) {
	paths := map[models.JobType]string{
		models.JobTypePhotography: c.Prompts.Photography,
		models.JobTypeFitting:     c.Prompts.Fitting,
		models.JobTypeAvatar:      c.Prompts.Avatar,
	}
	out := make(map[models.JobType]string)
	for jobType, path := range paths {
		if path == "" {
			continue
		}
		content, err := LoadPromptContent(path)
		if err != nil {
			return nil, fmt.Errorf("prompt for %s: %w", jobType, err)
		}
		out[jobType] = content
	}
	return out, nil
}
