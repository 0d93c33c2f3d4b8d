package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"

	"photoflow/internal/models"
	"photoflow/internal/store"

	"github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"
)

// OpenAIImageProvider generates images with the OpenAI images API. It only
// serves text-to-image requests; jobs carrying source images are rejected
// with ErrUnsupportedInput so the fallback service hands them on.
type OpenAIImageProvider struct {
	client *openai.Client
	model  string
	size   string
}

// NewOpenAIImageProvider creates the provider. A missing API key yields a
// disabled provider rather than an error.
func NewOpenAIImageProvider(apiKey, model, size string) (*OpenAIImageProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if model == "" {
		model = openai.CreateImageModelDallE3
	}
	if size == "" {
		size = openai.CreateImageSize1024x1024
	}
	if apiKey == "" {
		log.Warn("OpenAI API key not provided. OpenAI image provider will be disabled.")
		return &OpenAIImageProvider{client: nil, model: model, size: size}, nil
	}

	client := openai.NewClient(apiKey)
	log.Infof("OpenAI image provider initialized with model %s (size %s)", model, size)
	return &OpenAIImageProvider{client: client, model: model, size: size}, nil
}

func (p *OpenAIImageProvider) Name() string { return "openai" }

func (p *OpenAIImageProvider) ModelName() string { return p.model }

func (p *OpenAIImageProvider) Status() store.ProviderStatus {
	if p.client == nil {
		return store.ProviderStatusDisabled
	}
	return store.ProviderStatusActive
}

func (p *OpenAIImageProvider) Generate(ctx context.Context, req store.InferenceRequest) (models.InferenceOutcome, error) {
	if p.client == nil {
		return models.InferenceOutcome{}, fmt.Errorf("OpenAI provider is not initialized (missing API key)")
	}
	if len(req.Images) > 0 {
		return models.InferenceOutcome{}, fmt.Errorf("openai %s with %d source images: %w", p.model, len(req.Images), ErrUnsupportedInput)
	}
	size := p.size
	if req.Size != "" {
		size = req.Size
	}

	resp, err := p.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          p.model,
		N:              1,
		Size:           size,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
		User:           req.TaskID.String(),
	})
	if err != nil {
		return models.InferenceOutcome{}, fmt.Errorf("OpenAI API error generating image: %w", err)
	}
	if len(resp.Data) == 0 {
		return models.InferenceOutcome{}, fmt.Errorf("OpenAI API returned no image data")
	}

	out := models.InferenceOutcome{Success: true}
	for i, d := range resp.Data {
		switch {
		case d.B64JSON != "":
			data, err := base64.StdEncoding.DecodeString(d.B64JSON)
			if err != nil {
				return models.InferenceOutcome{}, fmt.Errorf("decode OpenAI image %d: %w", i, err)
			}
			out.Images = append(out.Images, models.InferenceImage{Data: data, ContentType: "image/png"})
		case d.URL != "":
			out.Images = append(out.Images, models.InferenceImage{URL: d.URL})
		}
	}
	if len(out.Images) == 0 {
		return models.InferenceOutcome{}, fmt.Errorf("OpenAI API returned empty image entries")
	}
	return out, nil
}

var _ InferenceProvider = (*OpenAIImageProvider)(nil)
