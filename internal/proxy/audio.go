// Package proxy relays audio files from a fixed set of public archives so
// that browser clients can stream them without cross-origin restrictions.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pixelplaza/plaza/internal/metrics"
)

const (
	userAgent      = "PixelPlaza/1.0"
	acceptAudio    = "audio/*;q=0.9,*/*;q=0.8"
	cacheControl   = "public, max-age=31536000, immutable"
	maxRedirects   = 5
	defaultTimeout = 30 * time.Second
)

// passHeaders are copied from the upstream response when present.
var passHeaders = []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges"}

var errHostNotAllowed = errors.New("proxy: host not allowed")

// Allowed reports whether host may be fetched: archive.org, upload.wikimedia.org
// and any subdomain of either archive.org or wikimedia.org.
func Allowed(host string) bool {
	host = strings.ToLower(host)
	return host == "archive.org" ||
		strings.HasSuffix(host, ".archive.org") ||
		host == "upload.wikimedia.org" ||
		strings.HasSuffix(host, ".wikimedia.org")
}

// Handler serves GET ?url=<upstream>.
type Handler struct {
	client *http.Client
	allow  func(host string) bool
	logger *zap.Logger
}

// NewHandler creates the audio proxy. A nil client uses a client with a 30s
// timeout. Redirects are followed only to allowed hosts.
func NewHandler(client *http.Client, logger *zap.Logger) *Handler {
	h := &Handler{allow: Allowed, logger: logger.Named("proxy")}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	c := *client
	c.CheckRedirect = h.checkRedirect
	h.client = &c
	return h
}

func (h *Handler) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("proxy: stopped after %d redirects", maxRedirects)
	}
	if !h.allow(req.URL.Hostname()) {
		return errHostNotAllowed
	}
	return nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		h.fail(w, http.StatusBadRequest, "Missing url")
		return
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		h.fail(w, http.StatusBadRequest, "Invalid url")
		return
	}
	if !h.allow(u.Hostname()) {
		h.fail(w, http.StatusBadRequest, "Host not allowed")
		return
	}

	resp, err := h.fetch(r.Context(), u, r.Header.Get("Range"))
	if err != nil {
		h.logger.Warn("upstream fetch failed", zap.String("url", u.String()), zap.Error(err))
		h.fail(w, http.StatusBadGateway, "Fetch failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		h.fail(w, http.StatusBadGateway, fmt.Sprintf("Upstream error %d", resp.StatusCode))
		return
	}

	hdr := w.Header()
	for _, name := range passHeaders {
		if v := resp.Header.Get(name); v != "" {
			hdr.Set(name, v)
		}
	}
	if hdr.Get("Content-Type") == "" {
		if ct := contentTypeFor(u.Path); ct != "" {
			hdr.Set("Content-Type", ct)
		}
	}
	hdr.Set("Cache-Control", cacheControl)
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("Cross-Origin-Resource-Policy", "cross-origin")

	w.WriteHeader(resp.StatusCode)
	metrics.ProxyRequests.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Debug("stream aborted", zap.String("url", u.String()), zap.Error(err))
	}
}

func (h *Handler) fetch(ctx context.Context, u *url.URL, rng string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if rng != "" {
		req.Header.Set("Range", rng)
	}
	req.Header.Set("Accept", acceptAudio)
	req.Header.Set("User-Agent", userAgent)
	return h.client.Do(req)
}

func (h *Handler) fail(w http.ResponseWriter, status int, msg string) {
	metrics.ProxyRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	http.Error(w, msg, status)
}

func contentTypeFor(path string) string {
	switch {
	case strings.HasSuffix(path, ".mp3"):
		return "audio/mpeg"
	case strings.HasSuffix(path, ".ogg"):
		return "audio/ogg"
	}
	return ""
}
