// Package prompt renders the inference prompt for a task from its job type's
// template and the user-supplied parameters.
package prompt

import (
	"fmt"
	"strings"

	"photoflow/internal/models"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
	log "github.com/sirupsen/logrus"
)

// DefaultMaxDescription caps the user description spliced into a template.
const DefaultMaxDescription = 600

var defaultTemplates = map[models.JobType]string{
	models.JobTypePhotography: "Professional product photograph in a {{STYLE}} style. {{DESCRIPTION}}",
	models.JobTypeFitting:     "Photorealistic virtual try-on: dress the person in the first image with the garment in the second image. Keep pose, face and lighting unchanged. {{DESCRIPTION}}",
	models.JobTypeAvatar:      "Stylized {{STYLE}} avatar portrait of the person in the reference images. {{DESCRIPTION}}",
}

// Builder renders prompts; it is safe for concurrent use.
type Builder struct {
	templates map[models.JobType]string
	maxChars  int
	tokenizer *sentences.DefaultSentenceTokenizer
}

// NewBuilder creates a builder. Missing templates fall back to the built-in
// default for the job type.
func NewBuilder(templates map[models.JobType]string, maxChars int) *Builder {
	merged := make(map[models.JobType]string, len(defaultTemplates))
	for k, v := range defaultTemplates {
		merged[k] = v
	}
	for k, v := range templates {
		if strings.TrimSpace(v) != "" {
			merged[k] = v
		}
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxDescription
	}
	tokenizer, err := english.NewSentenceTokenizer(nil)
	if err != nil {
		log.Warnf("Failed to create sentence tokenizer, descriptions will be cut at word boundaries: %v", err)
		tokenizer = nil
	}
	return &Builder{templates: merged, maxChars: maxChars, tokenizer: tokenizer}
}

// Build renders the prompt for task.
func (b *Builder) Build(task *models.Task) (string, error) {
	tmpl, ok := b.templates[task.Type]
	if !ok {
		return "", fmt.Errorf("no prompt template for job type %q: %w", task.Type, models.ErrValidation)
	}
	params, err := task.ParseParams()
	if err != nil {
		return "", fmt.Errorf("parse params: %w", err)
	}
	style := CleanText(params.Style)
	if style == "" {
		style = "natural"
	}
	out := strings.ReplaceAll(tmpl, "{{STYLE}}", style)
	out = strings.ReplaceAll(out, "{{DESCRIPTION}}", b.Truncate(CleanText(params.Description)))
	return strings.TrimSpace(out), nil
}

// Truncate shortens text to at most maxChars, preferring to cut after a
// whole sentence.
func (b *Builder) Truncate(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= b.maxChars {
		return text
	}
	if b.tokenizer != nil {
		var kept strings.Builder
		for _, s := range b.tokenizer.Tokenize(text) {
			sent := strings.TrimSpace(s.Text)
			if sent == "" {
				continue
			}
			extra := len(sent)
			if kept.Len() > 0 {
				extra++
			}
			if kept.Len()+extra > b.maxChars {
				break
			}
			if kept.Len() > 0 {
				kept.WriteByte(' ')
			}
			kept.WriteString(sent)
		}
		if kept.Len() > 0 {
			return kept.String()
		}
	}
	// Single overlong sentence: fall back to a word boundary.
	cut := text[:b.maxChars]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}
