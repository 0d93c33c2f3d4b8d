package services

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"photoflow/internal/models"
	"photoflow/internal/store"

	"github.com/google/generative-ai-go/genai"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// GeminiImageProvider generates images with a Gemini model that returns
// inline image blobs. Source images are sent as inline parts, so it serves
// fitting and avatar jobs as well as photography.
type GeminiImageProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiImageProvider creates the provider. A missing API key yields a
// disabled provider rather than an error.
func NewGeminiImageProvider(apiKey, modelName string) (*GeminiImageProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if modelName == "" {
		modelName = "gemini-2.0-flash-exp-image-generation"
	}
	if apiKey == "" {
		log.Warn("Gemini API key not provided. Gemini image provider will be disabled.")
		return &GeminiImageProvider{client: nil, model: modelName}, nil
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	log.Infof("Gemini image provider initialized with model %s", modelName)
	return &GeminiImageProvider{client: client, model: modelName}, nil
}

func (p *GeminiImageProvider) Name() string { return "gemini" }

func (p *GeminiImageProvider) ModelName() string { return p.model }

func (p *GeminiImageProvider) Status() store.ProviderStatus {
	if p.client == nil {
		return store.ProviderStatusDisabled
	}
	return store.ProviderStatusActive
}

func (p *GeminiImageProvider) Generate(ctx context.Context, req store.InferenceRequest) (models.InferenceOutcome, error) {
	if p.client == nil {
		return models.InferenceOutcome{}, fmt.Errorf("Gemini provider is not initialized (missing API key)")
	}

	parts := []genai.Part{genai.Text(req.Prompt)}
	for _, img := range req.Images {
		format := strings.TrimPrefix(http.DetectContentType(img), "image/")
		if format == "" || strings.Contains(format, "/") {
			format = "png"
		}
		parts = append(parts, genai.ImageData(format, img))
	}

	resp, err := p.client.GenerativeModel(p.model).GenerateContent(ctx, parts...)
	if err != nil {
		return models.InferenceOutcome{}, fmt.Errorf("Gemini API error generating image: %w", err)
	}
	out := models.InferenceOutcome{Success: true}
	if resp != nil {
		for _, cand := range resp.Candidates {
			if cand == nil || cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				blob, ok := part.(genai.Blob)
				if !ok || !strings.HasPrefix(blob.MIMEType, "image/") || len(blob.Data) == 0 {
					continue
				}
				out.Images = append(out.Images, models.InferenceImage{Data: blob.Data, ContentType: blob.MIMEType})
			}
		}
	}
	if len(out.Images) == 0 {
		return models.InferenceOutcome{}, fmt.Errorf("Gemini API returned no image data")
	}
	return out, nil
}

// Close cleans up the Gemini client resources.
func (p *GeminiImageProvider) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

var _ InferenceProvider = (*GeminiImageProvider)(nil)
