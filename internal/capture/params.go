package capture

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/HanTheDev/capture-gateway/internal/apperr"
)

type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatWebP Format = "webp"
	FormatPDF  Format = "pdf"
)

// ContentType is the response media type for a rendered capture.
func (f Format) ContentType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatWebP:
		return "image/webp"
	case FormatPDF:
		return "application/pdf"
	default:
		return "image/png"
	}
}

func parseFormat(s string) (Format, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "png":
		return FormatPNG, true
	case "jpeg", "jpg":
		return FormatJPEG, true
	case "webp":
		return FormatWebP, true
	case "pdf":
		return FormatPDF, true
	}
	return "", false
}

const (
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 1024
	DefaultScaleFactor    = 1.0
	DefaultImageQuality   = 80

	minViewport = 100
	maxViewport = 3840
	maxScale    = 3.0
	maxDelay    = 10 * time.Second
)

// Params is a validated capture request. Field names on the wire follow the
// ScreenshotOne query parameters.
type Params struct {
	URL                string  `json:"url"`
	Format             Format  `json:"format"`
	ViewportWidth      int     `json:"viewport_width"`
	ViewportHeight     int     `json:"viewport_height"`
	DeviceScaleFactor  float64 `json:"device_scale_factor"`
	FullPage           bool    `json:"full_page"`
	Selector           string  `json:"selector,omitempty"`
	ImageQuality       int     `json:"image_quality"`
	DelayMs            int64   `json:"delay_ms"`
	DarkMode           bool    `json:"dark_mode"`
	BlockAds           bool    `json:"block_ads"`
	BlockCookieBanners bool    `json:"block_cookie_banners"`
}

// ParseParams validates and normalizes capture parameters. It only rejects a
// missing or malformed url and an unknown format; numeric fields that are
// absent or unparsable fall back to defaults and are clamped to range.
func ParseParams(v url.Values) (Params, error) {
	raw := strings.TrimSpace(v.Get("url"))
	if raw == "" {
		return Params{}, apperr.Validation("url parameter is required")
	}
	target, err := url.Parse(raw)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return Params{}, apperr.Validation("Invalid URL provided")
	}

	format, ok := parseFormat(v.Get("format"))
	if !ok {
		return Params{}, apperr.Validation("format must be one of png, jpeg, webp, pdf")
	}

	delay := time.Duration(intOr(v.Get("delay"), 0)) * time.Second
	if delay < 0 {
		delay = 0
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	return Params{
		URL:                target.String(),
		Format:             format,
		ViewportWidth:      clamp(intOr(v.Get("viewport_width"), DefaultViewportWidth), minViewport, maxViewport),
		ViewportHeight:     clamp(intOr(v.Get("viewport_height"), DefaultViewportHeight), minViewport, maxViewport),
		DeviceScaleFactor:  clampFloat(floatOr(v.Get("device_scale_factor"), DefaultScaleFactor), 1, maxScale),
		FullPage:           boolOr(v.Get("full_page"), false),
		Selector:           strings.TrimSpace(v.Get("selector")),
		ImageQuality:       clamp(intOr(v.Get("image_quality"), DefaultImageQuality), 1, 100),
		DelayMs:            delay.Milliseconds(),
		DarkMode:           boolOr(v.Get("dark_mode"), false),
		BlockAds:           boolOr(v.Get("block_ads"), false),
		BlockCookieBanners: boolOr(v.Get("block_cookie_banners"), false),
	}, nil
}

func intOr(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n == 0 {
		return def
	}
	return n
}

func floatOr(s string, def float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f == 0 {
		return def
	}
	return f
}

func boolOr(s string, def bool) bool {
	if s == "" {
		return def
	}
	return s == "true" || s == "1"
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func clampFloat(f, lo, hi float64) float64 {
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}
	return f
}
