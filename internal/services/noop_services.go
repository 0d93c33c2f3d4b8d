package services

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"

	"photoflow/internal/models"
	"photoflow/internal/store"
)

// NoopInferenceService returns a blank image for every request. It lets the
// pipeline run end to end without provider credentials.
type NoopInferenceService struct{}

func NewNoopInferenceService() *NoopInferenceService {
	return &NoopInferenceService{}
}

func (s *NoopInferenceService) Generate(ctx context.Context, req store.InferenceRequest) (models.InferenceOutcome, error) {
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = color.Gray{Y: 0xee}.Y
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return models.InferenceOutcome{}, err
	}
	return models.InferenceOutcome{
		Success: true,
		Images:  []models.InferenceImage{{Data: buf.Bytes(), ContentType: "image/png"}},
	}, nil
}

func (s *NoopInferenceService) Name() string { return "noop" }

func (s *NoopInferenceService) ModelName() string { return "noop" }

func (s *NoopInferenceService) Status() store.ProviderStatus { return store.ProviderStatusActive }

var _ InferenceProvider = (*NoopInferenceService)(nil)
