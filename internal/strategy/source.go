package strategy

import (
	"fmt"
	"net/url"
	"strings"
)

type Source string

const (
	SourceTikTok    Source = "tiktok"
	SourceDouyin    Source = "douyin"
	SourceInstagram Source = "instagram"
	SourceYouTube   Source = "youtube"
	SourceGeneric   Source = "generic"
)

var shortLinkHosts = map[string]Source{
	"vm.tiktok.com": SourceTikTok,
	"vt.tiktok.com": SourceTikTok,
	"v.douyin.com":  SourceDouyin,
	"youtu.be":      SourceYouTube,
}

// ParseSourceURL validates raw as an absolute http(s) URL.
func ParseSourceURL(raw string) (*url.URL, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil, fmt.Errorf("source URL is required")
	}
	u, err := url.Parse(v)
	if err != nil {
		return nil, fmt.Errorf("parse source URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("source URL must be http or https: %s", raw)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("source URL has no host: %s", raw)
	}
	return u, nil
}

// DetectSource classifies a source URL by host.
func DetectSource(raw string) (Source, error) {
	u, err := ParseSourceURL(raw)
	if err != nil {
		return "", err
	}
	host := normalizeHost(u.Hostname())
	if src, ok := shortLinkHosts[host]; ok {
		return src, nil
	}
	switch {
	case hostIs(host, "tiktok.com"):
		return SourceTikTok, nil
	case hostIs(host, "douyin.com"), hostIs(host, "iesdouyin.com"):
		return SourceDouyin, nil
	case hostIs(host, "instagram.com"):
		return SourceInstagram, nil
	case hostIs(host, "youtube.com"), hostIs(host, "youtube-nocookie.com"):
		return SourceYouTube, nil
	default:
		return SourceGeneric, nil
	}
}

// IsShortLink reports whether raw points at a redirecting short-link host.
func IsShortLink(raw string) bool {
	u, err := ParseSourceURL(raw)
	if err != nil {
		return false
	}
	_, ok := shortLinkHosts[normalizeHost(u.Hostname())]
	return ok
}

func normalizeHost(host string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(host)), "www.")
}

func hostIs(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func referer(src Source) string {
	switch src {
	case SourceTikTok:
		return "https://www.tiktok.com/"
	case SourceDouyin:
		return "https://www.douyin.com/"
	case SourceInstagram:
		return "https://www.instagram.com/"
	case SourceYouTube:
		return "https://www.youtube.com/"
	default:
		return ""
	}
}
