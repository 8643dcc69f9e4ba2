package render

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// pdfDocument renders PDF pages. A page with a text layer becomes a text
// artifact; a scanned page becomes its first embedded image.
type pdfDocument struct {
	ctx *model.Context
}

func openPDF(data []byte) (Document, error) {
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return nil, fmt.Errorf("%w: pdf: %w", ErrUnsupported, err)
	}
	return &pdfDocument{ctx: ctx}, nil
}

func (d *pdfDocument) Units() int { return d.ctx.PageCount }

func (d *pdfDocument) Render(unit int) (Artifact, error) {
	if unit < 1 || unit > d.ctx.PageCount {
		return Artifact{}, fmt.Errorf("page %d out of range", unit)
	}
	text, err := d.pageText(unit)
	if err != nil {
		return Artifact{}, err
	}
	if text != "" {
		return Artifact{
			Data:        []byte(text),
			ContentType: "text/plain; charset=utf-8",
			Ext:         ".txt",
			Text:        text,
		}, nil
	}
	if a, ok, err := d.pageImage(unit); err != nil {
		return Artifact{}, err
	} else if ok {
		return a, nil
	}
	// Blank page: keep the unit so numbering matches the source.
	return Artifact{ContentType: "text/plain; charset=utf-8", Ext: ".txt"}, nil
}

func (d *pdfDocument) pageText(pageNr int) (string, error) {
	r, err := pdfcpu.ExtractPageContent(d.ctx, pageNr)
	if err != nil {
		return "", fmt.Errorf("page %d content: %w", pageNr, err)
	}
	if r == nil {
		return "", nil
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("page %d content: %w", pageNr, err)
	}
	return contentText(content), nil
}

func (d *pdfDocument) pageImage(pageNr int) (Artifact, bool, error) {
	images, err := pdfcpu.ExtractPageImages(d.ctx, pageNr, false)
	if err != nil {
		return Artifact{}, false, fmt.Errorf("page %d images: %w", pageNr, err)
	}
	// Lowest object number first so repeated renders pick the same image.
	first := -1
	for objNr := range images {
		if first < 0 || objNr < first {
			first = objNr
		}
	}
	if first < 0 {
		return Artifact{}, false, nil
	}
	img := images[first]
	data, err := io.ReadAll(img)
	if err != nil {
		return Artifact{}, false, fmt.Errorf("page %d image %d: %w", pageNr, first, err)
	}
	ext, ct := imageType(img.FileType)
	return Artifact{Data: data, ContentType: ct, Ext: ext}, true, nil
}

func imageType(fileType string) (ext, contentType string) {
	switch strings.ToLower(fileType) {
	case "jpg", "jpeg":
		return ".jpg", "image/jpeg"
	case "png":
		return ".png", "image/png"
	case "tif", "tiff":
		return ".tif", "image/tiff"
	case "webp":
		return ".webp", "image/webp"
	}
	return ".bin", "application/octet-stream"
}

// contentText pulls shown strings out of a page content stream. Text
// positioning operators become line breaks so that options stay on their own
// lines.
func contentText(content []byte) string {
	var sb strings.Builder
	for _, line := range bytes.Split(content, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		op := lastOperator(line)
		switch op {
		case "Tj", "TJ":
			for _, s := range literals(line) {
				sb.WriteString(s)
			}
		case "'", `"`:
			sb.WriteByte('\n')
			for _, s := range literals(line) {
				sb.WriteString(s)
			}
		case "Td", "TD", "T*", "ET":
			sb.WriteByte('\n')
		}
	}
	return tidyLines(sb.String())
}

func lastOperator(line []byte) string {
	fields := bytes.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	last := fields[len(fields)-1]
	// "(text)Tj" without a separating space.
	if i := bytes.LastIndexAny(last, ")]"); i >= 0 {
		last = last[i+1:]
	}
	return string(last)
}

// literals returns the decoded (...) strings of a line, honouring nested
// parentheses and backslash escapes.
func literals(line []byte) []string {
	var out []string
	for i := 0; i < len(line); i++ {
		if line[i] != '(' {
			continue
		}
		depth := 1
		var raw []byte
		j := i + 1
		for ; j < len(line) && depth > 0; j++ {
			c := line[j]
			switch {
			case c == '\\' && j+1 < len(line):
				raw = append(raw, c, line[j+1])
				j++
				continue
			case c == '(':
				depth++
			case c == ')':
				depth--
				if depth == 0 {
					continue
				}
			}
			raw = append(raw, c)
		}
		out = append(out, unescape(raw))
		i = j - 1
	}
	return out
}

func unescape(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c != '\\' || i+1 == len(raw) {
			sb.WriteByte(c)
			continue
		}
		i++
		switch e := raw[i]; e {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case 'b', 'f':
		case '0', '1', '2', '3', '4', '5', '6', '7':
			v := int(e - '0')
			for k := 0; k < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; k++ {
				i++
				v = v*8 + int(raw[i]-'0')
			}
			sb.WriteByte(byte(v))
		default:
			sb.WriteByte(e)
		}
	}
	return sb.String()
}

// tidyLines collapses blanks inside lines, drops empty lines and
// non-printable runes.
func tidyLines(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.Map(func(r rune) rune {
			if unicode.IsSpace(r) {
				return ' '
			}
			if !unicode.IsPrint(r) {
				return -1
			}
			return r
		}, line)
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
