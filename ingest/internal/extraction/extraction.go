// Package extraction is the boundary to the external service that turns
// rendered pages into candidate questions.
//
// Adapters send a Request and decode the service's JSON answer through
// Decode, which validates it against the response schema first. Candidates
// are then checked with Validate and cleaned with Sanitize before they reach
// the question store.
package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPayload is returned when the service answers with JSON that does
// not match the response schema.
var ErrInvalidPayload = errors.New("extraction: invalid payload")

// ArtifactRef points the service at one rendered unit, by URL or inline.
type ArtifactRef struct {
	UnitIndex     int    `json:"unit_index"`
	URL           string `json:"url,omitempty"`
	InlineContent string `json:"inline_content,omitempty"`
	ContentType   string `json:"content_type,omitempty"`
	// ObjectKey lets adapters load the artifact bytes themselves.
	ObjectKey string `json:"-"`
}

// Hints classify the source document.
type Hints struct {
	Subject  string `json:"subject,omitempty"`
	Category string `json:"category,omitempty"`
}

// Request is one extraction call covering a whole session.
type Request struct {
	Artifacts []ArtifactRef `json:"artifacts"`
	Hints     Hints         `json:"hints"`
}

// CandidateOption is one proposed answer choice.
type CandidateOption struct {
	Letter    string `json:"letter"`
	Text      string `json:"text"`
	IsCorrect bool   `json:"is_correct"`
}

// Candidate is a question proposed by the service. It is not trusted until
// Validate accepts it.
type Candidate struct {
	Text        string            `json:"text"`
	Options     []CandidateOption `json:"options"`
	Explanation string            `json:"explanation,omitempty"`
	HasImage    bool              `json:"has_image"`
	ImageRefs   []string          `json:"image_refs,omitempty"`
	Subject     string            `json:"subject,omitempty"`
	Category    string            `json:"category,omitempty"`
}

// Response is the decoded service answer.
type Response struct {
	Candidates []Candidate `json:"candidates"`
}

// Adapter calls an extraction service.
type Adapter interface {
	Extract(ctx context.Context, req Request) (*Response, error)
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, req Request) (*Response, error)

func (f AdapterFunc) Extract(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Decode validates payload against the response schema and decodes it.
func Decode(payload []byte) (*Response, error) {
	payload = stripFence(payload)
	if err := ValidatePayload(payload); err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return &resp, nil
}

// stripFence removes a ```json fence that language models like to add.
func stripFence(payload []byte) []byte {
	s := strings.TrimSpace(string(payload))
	if !strings.HasPrefix(s, "```") {
		return payload
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return []byte(strings.TrimSpace(s))
}
