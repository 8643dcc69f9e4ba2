// Package render turns a source document into per-unit artifacts and pushes
// them to object storage.
//
// A unit is one page of a PDF, one form-feed separated page of a text file or
// a whole image. Units are numbered from 1.
package render

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"strings"
)

var (
	// ErrFetch wraps failures to read the source document. Retryable.
	ErrFetch = errors.New("render: fetch source")
	// ErrUnsupported marks documents that cannot be decoded at all. A retry
	// would fail the same way.
	ErrUnsupported = errors.New("render: unsupported document")
	// ErrRender wraps a failure to render one unit.
	ErrRender = errors.New("render: render unit")
	// ErrStorage wraps an artifact upload that failed every attempt.
	ErrStorage = errors.New("render: store artifact")
)

// Artifact is one rendered unit, ready to upload.
type Artifact struct {
	Unit        int
	Data        []byte
	ContentType string
	// Ext is the object key extension, including the dot.
	Ext string
	// Text is the unit's extracted text when it has any. It travels inline
	// to the extraction service.
	Text string
}

// Document is a decoded source. Render is called with units in 1..Units().
// Implementations are not safe for concurrent use.
type Document interface {
	Units() int
	Render(unit int) (Artifact, error)
}

// Open decodes data according to the extension of name.
func Open(name string, data []byte) (Document, error) {
	var (
		doc Document
		err error
	)
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".pdf":
		doc, err = openPDF(data)
	case ".txt", ".md", ".text":
		doc, err = openText(data)
	case ".png", ".jpg", ".jpeg":
		doc, err = openImage(ext, data)
	default:
		return nil, fmt.Errorf("%w: extension %q", ErrUnsupported, ext)
	}
	if err != nil {
		return nil, err
	}
	if doc.Units() == 0 {
		return nil, fmt.Errorf("%w: %s has no pages", ErrUnsupported, name)
	}
	return doc, nil
}

// Pages yields the artifacts of units from..Units() in ascending order. It
// stops at the first render error or when ctx is done. Calling it again with a
// later from restarts after the units already handled.
func Pages(ctx context.Context, doc Document, from int) iter.Seq2[Artifact, error] {
	return func(yield func(Artifact, error) bool) {
		if from < 1 {
			from = 1
		}
		for unit := from; unit <= doc.Units(); unit++ {
			if err := ctx.Err(); err != nil {
				yield(Artifact{}, err)
				return
			}
			a, err := doc.Render(unit)
			if err != nil {
				yield(Artifact{}, fmt.Errorf("%w: unit %d: %w", ErrRender, unit, err))
				return
			}
			a.Unit = unit
			if !yield(a, nil) {
				return
			}
		}
	}
}

// textDocument is a plain text or Markdown file split on form feeds.
type textDocument struct {
	pages []string
}

func openText(data []byte) (Document, error) {
	raw := strings.ReplaceAll(string(data), "\r\n", "\n")
	parts := strings.Split(raw, "\f")
	// A trailing form feed does not open a new page.
	if len(parts) > 1 && strings.TrimSpace(parts[len(parts)-1]) == "" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) == 1 && strings.TrimSpace(parts[0]) == "" {
		parts = nil
	}
	return &textDocument{pages: parts}, nil
}

func (d *textDocument) Units() int { return len(d.pages) }

func (d *textDocument) Render(unit int) (Artifact, error) {
	if unit < 1 || unit > len(d.pages) {
		return Artifact{}, fmt.Errorf("unit %d out of range", unit)
	}
	text := strings.TrimSpace(d.pages[unit-1])
	return Artifact{
		Data:        []byte(text),
		ContentType: "text/plain; charset=utf-8",
		Ext:         ".txt",
		Text:        text,
	}, nil
}

// imageDocument is a single scanned page.
type imageDocument struct {
	data        []byte
	ext         string
	contentType string
}

func openImage(ext string, data []byte) (Document, error) {
	ct := "image/png"
	if ext != ".png" {
		ext, ct = ".jpg", "image/jpeg"
	}
	if !sniffImage(data, ct) {
		return nil, fmt.Errorf("%w: not a %s image", ErrUnsupported, ct)
	}
	return &imageDocument{data: data, ext: ext, contentType: ct}, nil
}

func sniffImage(data []byte, contentType string) bool {
	switch contentType {
	case "image/png":
		return len(data) >= 8 && string(data[:8]) == "\x89PNG\r\n\x1a\n"
	case "image/jpeg":
		return len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF
	}
	return false
}

func (d *imageDocument) Units() int { return 1 }

func (d *imageDocument) Render(unit int) (Artifact, error) {
	if unit != 1 {
		return Artifact{}, fmt.Errorf("unit %d out of range", unit)
	}
	return Artifact{Data: d.data, ContentType: d.contentType, Ext: d.ext}, nil
}
