package extraction

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Loader fetches artifact bytes by object key.
type Loader func(ctx context.Context, key string) ([]byte, error)

// GeminiAdapter asks a Gemini model to extract questions. Text artifacts go
// inline; image artifacts are loaded and attached.
type GeminiAdapter struct {
	client *genai.Client
	model  string
	load   Loader
}

// NewGeminiAdapter creates a client for apiKey. An empty model selects
// gemini-1.5-flash.
func NewGeminiAdapter(ctx context.Context, apiKey, model string, load Loader) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("extraction: gemini api key not set")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("extraction: gemini client: %w", err)
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GeminiAdapter{client: cl, model: model, load: load}, nil
}

// Close releases the client.
func (g *GeminiAdapter) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *GeminiAdapter) Extract(ctx context.Context, req Request) (*Response, error) {
	m := g.client.GenerativeModel(g.model)
	m.ResponseMIMEType = "application/json"
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(Instructions(req.Hints))}}

	parts, err := g.parts(ctx, req.Artifacts)
	if err != nil {
		return nil, err
	}
	resp, err := m.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, fmt.Errorf("extraction: gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("%w: empty gemini response", ErrInvalidPayload)
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return Decode([]byte(b.String()))
}

func (g *GeminiAdapter) parts(ctx context.Context, arts []ArtifactRef) ([]genai.Part, error) {
	parts := make([]genai.Part, 0, len(arts))
	for _, a := range arts {
		if a.InlineContent != "" {
			parts = append(parts, genai.Text(fmt.Sprintf("[page %d]\n%s", a.UnitIndex, a.InlineContent)))
			continue
		}
		format, ok := imageFormat(a.ContentType)
		if !ok || g.load == nil || a.ObjectKey == "" {
			continue
		}
		data, err := g.load(ctx, a.ObjectKey)
		if err != nil {
			return nil, fmt.Errorf("extraction: load page %d: %w", a.UnitIndex, err)
		}
		parts = append(parts,
			genai.Text(fmt.Sprintf("[page %d]", a.UnitIndex)),
			genai.ImageData(format, data))
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("extraction: no usable artifacts")
	}
	return parts, nil
}

func imageFormat(contentType string) (string, bool) {
	switch contentType {
	case "image/png":
		return "png", true
	case "image/jpeg":
		return "jpeg", true
	case "image/webp":
		return "webp", true
	}
	return "", false
}

// Instructions is the system prompt describing the expected JSON answer.
func Instructions(h Hints) string {
	var b strings.Builder
	b.WriteString("You extract multiple-choice exam questions from the pages provided.\n")
	b.WriteString(`Answer with JSON only: {"candidates":[{"text":"...","options":[{"letter":"A","text":"...","is_correct":true}],"explanation":"...","has_image":false,"image_refs":[]}]}` + "\n")
	b.WriteString("Copy question and option text verbatim. Mark is_correct only when the document states the answer; never guess.\n")
	b.WriteString("Set has_image when the question depends on a figure and list the figure references in image_refs.\n")
	if h.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", h.Subject)
	}
	if h.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", h.Category)
	}
	return b.String()
}
