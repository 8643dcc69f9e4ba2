package render

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/examforge/horosafe"
)

// Fetcher reads source documents from local paths or http(s) URLs.
type Fetcher struct {
	// MaxBytes caps the source size. Zero means 64 MiB.
	MaxBytes int64
	// SourceDir, when set, confines local sources to that directory.
	SourceDir string
	// Timeout bounds one URL fetch, redirects included. Zero means 60s.
	Timeout time.Duration
	// URLValidator checks the source URL and every redirect target.
	// Defaults to horosafe.ValidateURL.
	URLValidator func(string) error

	once   sync.Once
	client *http.Client
}

const (
	defaultMaxSource    = 64 << 20
	defaultFetchTimeout = 60 * time.Second
	maxRedirects        = 5
)

// Fetch returns the source bytes. Oversized sources are ErrUnsupported, every
// other failure is ErrFetch.
func (f *Fetcher) Fetch(ctx context.Context, source string) ([]byte, error) {
	max := f.MaxBytes
	if max <= 0 {
		max = defaultMaxSource
	}
	var (
		data []byte
		err  error
	)
	if IsURL(source) {
		data, err = f.fetchURL(ctx, source, max)
	} else {
		data, err = f.readFile(source, max)
	}
	if errors.Is(err, horosafe.ErrTooLarge) {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnsupported, source, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, source, err)
	}
	return data, nil
}

// IsURL reports whether source is an http(s) URL rather than a local path.
func IsURL(source string) bool {
	l := strings.ToLower(source)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

// ConfinePath resolves a local source against dir. Relative paths are taken
// from dir; absolute paths must already lie inside it.
func ConfinePath(dir, source string) (string, error) {
	rel := source
	if filepath.IsAbs(source) {
		base, err := filepath.Abs(dir)
		if err != nil {
			return "", err
		}
		r, err := filepath.Rel(base, filepath.Clean(source))
		if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %s is outside %s", horosafe.ErrPathTraversal, source, dir)
		}
		rel = r
	}
	return horosafe.SafePath(dir, rel)
}

func (f *Fetcher) validator() func(string) error {
	if f.URLValidator != nil {
		return f.URLValidator
	}
	return horosafe.ValidateURL
}

// httpClient re-validates every redirect target so a public URL cannot
// bounce the fetch to an internal address.
func (f *Fetcher) httpClient() *http.Client {
	f.once.Do(func() {
		timeout := f.Timeout
		if timeout <= 0 {
			timeout = defaultFetchTimeout
		}
		validate := f.validator()
		f.client = &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		}
	})
	return f.client
}

func (f *Fetcher) fetchURL(ctx context.Context, u string, max int64) ([]byte, error) {
	if err := f.validator()(u); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return horosafe.LimitedReadAll(resp.Body, max)
}

func (f *Fetcher) readFile(path string, max int64) ([]byte, error) {
	if f.SourceDir != "" {
		p, err := ConfinePath(f.SourceDir, path)
		if err != nil {
			return nil, err
		}
		path = p
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return horosafe.LimitedReadAll(file, max)
}

// Hash returns the hex sha256 of the source bytes. Sessions rendering the
// same bytes share artifacts through it.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
