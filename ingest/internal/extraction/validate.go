package extraction

import (
	"html"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"
)

// Verdict is the outcome of checking a candidate.
type Verdict int

const (
	// VerdictValid candidates have exactly one correct option.
	VerdictValid Verdict = iota
	// VerdictInvalid candidates are dropped and counted.
	VerdictInvalid
	// VerdictManualReview candidates are stored but flagged: the service
	// marked several options correct and nobody picks one for it.
	VerdictManualReview
)

func (v Verdict) String() string {
	switch v {
	case VerdictValid:
		return "valid"
	case VerdictInvalid:
		return "invalid"
	case VerdictManualReview:
		return "manual_review"
	}
	return "unknown"
}

// Validate checks the structural rules of a candidate.
func Validate(c Candidate) Verdict {
	if Reason(c) != "" {
		return VerdictInvalid
	}
	if correctCount(c) > 1 {
		return VerdictManualReview
	}
	return VerdictValid
}

// Reason explains why Validate rejects c, or returns "" when it does not.
func Reason(c Candidate) string {
	if strings.TrimSpace(c.Text) == "" {
		return "empty question text"
	}
	if len(c.Options) < 2 {
		return "fewer than two options"
	}
	seen := make(map[string]bool, len(c.Options))
	for _, o := range c.Options {
		if strings.TrimSpace(o.Text) == "" {
			return "empty option text"
		}
		letter := strings.ToUpper(strings.TrimSpace(o.Letter))
		if letter == "" {
			return "missing option letter"
		}
		if seen[letter] {
			return "duplicate option letter " + letter
		}
		seen[letter] = true
	}
	if correctCount(c) == 0 {
		return "no correct option"
	}
	return ""
}

func correctCount(c Candidate) int {
	n := 0
	for _, o := range c.Options {
		if o.IsCorrect {
			n++
		}
	}
	return n
}

var (
	strict = bluemonday.StrictPolicy()
	mdConv = converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
		),
	)
)

// Sanitize strips markup from question and option text, normalizes option
// letters and turns an HTML explanation into Markdown.
func Sanitize(c Candidate) Candidate {
	out := c
	out.Text = plain(c.Text)
	out.Options = make([]CandidateOption, len(c.Options))
	for i, o := range c.Options {
		out.Options[i] = CandidateOption{
			Letter:    normalizeLetter(o.Letter),
			Text:      plain(o.Text),
			IsCorrect: o.IsCorrect,
		}
	}
	out.Explanation = explanation(c.Explanation)
	out.ImageRefs = nil
	for _, ref := range c.ImageRefs {
		if ref = strings.TrimSpace(ref); ref != "" {
			out.ImageRefs = append(out.ImageRefs, ref)
		}
	}
	if len(out.ImageRefs) > 0 {
		out.HasImage = true
	}
	out.Subject = strings.TrimSpace(c.Subject)
	out.Category = strings.TrimSpace(c.Category)
	return out
}

func plain(s string) string {
	s = html.UnescapeString(strict.Sanitize(s))
	return strings.Join(strings.Fields(s), " ")
}

func normalizeLetter(l string) string {
	l = strings.ToUpper(strings.TrimSpace(l))
	return strings.TrimRight(l, ".):")
}

func explanation(s string) string {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "<") || !strings.Contains(s, ">") {
		return s
	}
	md, err := mdConv.ConvertString(s)
	if err != nil {
		return plain(s)
	}
	return strings.TrimSpace(md)
}
