package probe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hamed0406/webguard/internal/domain"
)

const defaultMaxBodyBytes = 5 << 20

type Fingerprint struct {
	Status     domain.CheckStatus // success or skipped
	StatusCode int
	Hash       string
}

type ContentProbe struct {
	Client    *http.Client
	UserAgent string
	MaxBytes  int64
}

func NewContentProbe(timeout time.Duration, userAgent string, maxBytes int64) *ContentProbe {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	return &ContentProbe{Client: newClient(timeout), UserAgent: userAgent, MaxBytes: maxBytes}
}

// Fingerprint hashes the page's visible text. Anything but HTTP 200 is
// skipped without a hash.
func (p *ContentProbe) Fingerprint(ctx context.Context, target string) (Fingerprint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", p.UserAgent)

	resp, err := p.Client.Do(req)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("fetch content: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, p.MaxBytes))
		return Fingerprint{Status: domain.StatusSkipped, StatusCode: resp.StatusCode}, nil
	}

	text, err := VisibleText(io.LimitReader(resp.Body, p.MaxBytes))
	if err != nil {
		return Fingerprint{}, fmt.Errorf("extract text: %w", err)
	}
	return Fingerprint{
		Status:     domain.StatusSuccess,
		StatusCode: resp.StatusCode,
		Hash:       HashText(text),
	}, nil
}

// VisibleText strips markup and returns the rendered text with whitespace
// collapsed. Script, style, noscript and template bodies are dropped.
func VisibleText(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	var b strings.Builder
	hidden := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return strings.Join(strings.Fields(b.String()), " "), nil
			}
			return "", z.Err()
		case html.StartTagToken:
			if isHidden(z) {
				hidden++
			}
		case html.EndTagToken:
			if isHidden(z) && hidden > 0 {
				hidden--
			}
		case html.TextToken:
			if hidden == 0 {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
	}
}

func isHidden(z *html.Tokenizer) bool {
	name, _ := z.TagName()
	switch atom.Lookup(name) {
	case atom.Script, atom.Style, atom.Noscript, atom.Template:
		return true
	}
	return false
}

func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
