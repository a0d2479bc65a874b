package cookies

import (
	"bufio"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

const (
	fieldDomain = iota
	fieldHostOnly
	fieldPath
	fieldSecure
	fieldExpiration
	fieldName
	fieldValue
	fieldCount
)

// LoadNetscape reads a Netscape/Mozilla cookies.txt export. Malformed lines
// are skipped.
func LoadNetscape(path string) ([]*http.Cookie, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cookies file %s: %w", path, err)
	}
	defer file.Close()

	out := make([]*http.Cookie, 0, 16)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		parts := strings.Split(line, "\t")
		if len(parts) != fieldCount {
			continue
		}
		// JSON-valued cookies are rejected by net/http.
		if strings.Contains(parts[fieldValue], `"`) {
			continue
		}

		domain := strings.ToLower(parts[fieldDomain])
		httpOnly := false
		if strings.HasPrefix(domain, "#httponly_") {
			httpOnly = true
			domain = strings.TrimPrefix(domain, "#httponly_")
		}
		if strings.HasPrefix(domain, "#") {
			continue
		}
		expire, _ := strconv.ParseInt(parts[fieldExpiration], 10, 64)

		c := &http.Cookie{
			Domain:   domain,
			Path:     parts[fieldPath],
			Secure:   strings.EqualFold(parts[fieldSecure], "true"),
			Name:     parts[fieldName],
			Value:    parts[fieldValue],
			HttpOnly: httpOnly,
		}
		if expire > 0 {
			c.Expires = time.Unix(expire, 0)
		}
		out = append(out, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read cookies file %s: %w", path, err)
	}
	return out, nil
}

// Jar builds a public-suffix aware jar holding list.
func Jar(list []*http.Cookie) (*cookiejar.Jar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	byDomain := map[string][]*http.Cookie{}
	for _, c := range list {
		byDomain[c.Domain] = append(byDomain[c.Domain], c)
	}
	for domain, group := range byDomain {
		u, err := url.Parse("https://" + strings.TrimPrefix(domain, "."))
		if err != nil {
			continue
		}
		jar.SetCookies(u, group)
	}
	return jar, nil
}
