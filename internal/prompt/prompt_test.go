package prompt

import (
	"encoding/json"
	"strings"
	"testing"

	"photoflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func taskWith(t *testing.T, typ models.JobType, params models.TaskParams) *models.Task {
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return &models.Task{Type: typ, Params: raw}
}

func TestBuildSubstitutesPlaceholders(t *testing.T) {
	b := NewBuilder(nil, 0)
	got, err := b.Build(taskWith(t, models.JobTypePhotography, models.TaskParams{Style: "studio", Description: "A white mug."}))
	require.NoError(t, err)
	assert.Equal(t, "Professional product photograph in a studio style. A white mug.", got)
}

func TestBuildDefaultsStyle(t *testing.T) {
	b := NewBuilder(nil, 0)
	got, err := b.Build(taskWith(t, models.JobTypeAvatar, models.TaskParams{ImageURLs: []string{"https://x/a.png"}}))
	require.NoError(t, err)
	assert.Contains(t, got, "natural avatar")
	assert.NotContains(t, got, "{{")
}

func TestBuildCustomTemplate(t *testing.T) {
	b := NewBuilder(map[models.JobType]string{
		models.JobTypeFitting:     "Try on: {{DESCRIPTION}}",
		models.JobTypePhotography: "   ",
	}, 0)
	got, err := b.Build(taskWith(t, models.JobTypeFitting, models.TaskParams{Description: "red coat"}))
	require.NoError(t, err)
	assert.Equal(t, "Try on: red coat", got)

	// Blank overrides keep the built-in template.
	got, err = b.Build(taskWith(t, models.JobTypePhotography, models.TaskParams{Style: "flat"}))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "Professional product photograph"))
}

func TestBuildUnknownType(t *testing.T) {
	_, err := NewBuilder(nil, 0).Build(&models.Task{Type: "sketch", Params: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestTruncate(t *testing.T) {
	b := NewBuilder(nil, 40)
	assert.Equal(t, "short", b.Truncate("  short  "))

	got := b.Truncate("The mug is white. It has a handle. It sits on a wooden table in the morning light.")
	assert.Equal(t, "The mug is white. It has a handle.", got)

	long := strings.Repeat("word ", 20)
	got = b.Truncate(long)
	assert.LessOrEqual(t, len(got), 40)
	assert.True(t, strings.HasSuffix(got, "word"))
}

func TestCleanText(t *testing.T) {
	assert.Equal(t, `It's a "mug" - white...`, CleanText("\ufeffIt\u2019s a \u201cmug\u201d \u2013 white\u2026"))
	assert.Equal(t, "a b c", CleanText("a\t\tb\n\x00c\u00a0 "))
	assert.Equal(t, "x\ufffdy", CleanText("x\xffy"))
}
