package analysis

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"trackguard/internal/engine"
	"trackguard/internal/features"
)

// maxPageSize caps how much of a page is read.
const maxPageSize = 10 * 1024 * 1024

// Decider is the part of engine.URLMatcher the scanner needs.
type Decider interface {
	Decide(resourceURL, pageURL string) engine.Decision
}

// ResourceDecision is the matcher's verdict on one subresource of a page.
type ResourceDecision struct {
	features.Resource
	engine.Decision
}

// Report lists what loading a page would block.
type Report struct {
	Page      string             `json:"page"`
	Resources []ResourceDecision `json:"resources"`
	Blocked   int                `json:"blocked"`
}

type Scanner struct {
	matcher Decider
	client  *http.Client
	logger  *zap.Logger
}

func NewScanner(m Decider, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	tr := &http.Transport{
		// Tracker-heavy sites often have broken or self-signed certs and we
		// still want their markup.
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	return &Scanner{
		matcher: m,
		client:  &http.Client{Timeout: 10 * time.Second, Transport: tr},
		logger:  logger,
	}
}

// fetchContent downloads a page while looking like a real browser, since
// some ad servers return nothing to unknown clients.
func (s *Scanner) fetchContent(ctx context.Context, targetURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// ScanPage fetches target and runs every subresource it references through
// the matcher. A bare domain is tried over https first, then http.
func (s *Scanner) ScanPage(ctx context.Context, target string) (*Report, error) {
	candidates := []string{target}
	if !strings.Contains(target, "://") {
		candidates = []string{"https://" + target, "http://" + target}
	}

	var (
		pageURL string
		html    string
		err     error
	)
	for _, c := range candidates {
		if html, err = s.fetchContent(ctx, c); err == nil {
			pageURL = c
			break
		}
		s.logger.Debug("fetch failed", zap.String("url", c), zap.Error(err))
	}
	if err != nil {
		return nil, fmt.Errorf("could not reach %s: %w", target, err)
	}

	return s.ScanHTML(html, pageURL)
}

// ScanHTML is ScanPage for markup that is already in hand.
func (s *Scanner) ScanHTML(html, pageURL string) (*Report, error) {
	resources, err := features.ExtractResources(html, pageURL)
	if err != nil {
		return nil, fmt.Errorf("extract resources: %w", err)
	}

	report := &Report{Page: pageURL, Resources: make([]ResourceDecision, 0, len(resources))}
	for _, r := range resources {
		d := s.matcher.Decide(r.URL, pageURL)
		if d.Blocked {
			report.Blocked++
			s.logger.Info("would block",
				zap.String("page", pageURL),
				zap.String("resource", r.URL),
				zap.String("reason", string(d.Reason)),
				zap.String("category", d.Category),
			)
		}
		report.Resources = append(report.Resources, ResourceDecision{Resource: r, Decision: d})
	}
	return report, nil
}
