// Package webfetch downloads pages for the reader step and reduces them to
// plain text.
package webfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	UserAgent       = "InquiryOS/0.1 (Research Reader)"
	DefaultMaxBytes = 1_000_000
)

var (
	ErrUnsafeURL        = errors.New("webfetch: unsafe url")
	ErrResponseTooLarge = errors.New("webfetch: response too large")
)

type Page struct {
	URL        string
	StatusCode int
	HTML       string
}

type Config struct {
	Timeout  time.Duration
	MaxBytes int64
}

type Fetcher struct {
	client   *http.Client
	maxBytes int64
	validate func(string) error
}

func NewFetcher(cfg Config) *Fetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	f := &Fetcher{maxBytes: maxBytes, validate: ValidateURL}
	f.client = &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("webfetch: too many redirects")
			}
			return f.validate(req.URL.String())
		},
	}
	return f
}

// Fetch validates rawURL, downloads it and returns the body decoded as UTF-8.
// Bodies larger than the configured cap fail with ErrResponseTooLarge.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	if err := f.validate(rawURL); err != nil {
		return Page{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Page{}, fmt.Errorf("webfetch: create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("webfetch: get %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return Page{}, fmt.Errorf("webfetch: get %s: %s", rawURL, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return Page{}, fmt.Errorf("webfetch: read %s: %w", rawURL, err)
	}
	if int64(len(body)) > f.maxBytes {
		return Page{}, ErrResponseTooLarge
	}
	return Page{
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		HTML:       strings.ToValidUTF8(string(body), "�"),
	}, nil
}

// ValidateURL rejects anything that is not a public http(s) URL. Hostnames
// are not resolved; literal IPs in private, loopback, link-local, multicast,
// unspecified or reserved ranges are refused.
func ValidateURL(rawURL string) error {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: only http/https URLs are allowed", ErrUnsafeURL)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: URL must include a hostname", ErrUnsafeURL)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: localhost URLs are not allowed", ErrUnsafeURL)
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateOrLocal(ip) {
		return fmt.Errorf("%w: private/local IP URLs are not allowed", ErrUnsafeURL)
	}
	return nil
}

var reservedNets = mustParseCIDRs(
	"0.0.0.0/8",
	"100.64.0.0/10",
	"192.0.0.0/24",
	"198.18.0.0/15",
	"240.0.0.0/4",
	"2001:db8::/32",
)

func isPrivateOrLocal(ip net.IP) bool {
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, network := range reservedNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func mustParseCIDRs(values ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(values))
	for _, value := range values {
		_, network, err := net.ParseCIDR(value)
		if err != nil {
			panic(err)
		}
		nets = append(nets, network)
	}
	return nets
}
