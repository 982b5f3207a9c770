package urlutil

import (
	"fmt"
	"net/url"
)

// CacheKey returns the identity under which a request URL is stored in a
// cache bucket.
//
// Two spellings of the same resource map to the same key:
//   - Scheme and host are lowercased
//   - Default ports are omitted (:80 for http, :443 for https)
//   - Fragments are removed
//
// Path and query are kept verbatim: lookups are exact matches, so
// "/app.js" and "/app.js?v=2" are distinct entries.
func CacheKey(requestUrl url.URL) string {
	key := requestUrl

	key.Scheme = lowerASCII(key.Scheme)
	key.Host = lowerASCII(key.Host)

	if host, port := key.Hostname(), key.Port(); port != "" {
		if (key.Scheme == "http" && port == "80") ||
			(key.Scheme == "https" && port == "443") {
			key.Host = host
		}
	}

	if key.Path == "" && key.Host != "" {
		key.Path = "/"
	}

	key.Fragment = ""
	key.RawFragment = ""
	key.User = nil

	return key.String()
}

// Resolve resolves ref against base. Absolute refs are returned as parsed.
func Resolve(base url.URL, ref string) (url.URL, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return url.URL{}, fmt.Errorf("parse %q: %w", ref, err)
	}
	return *base.ResolveReference(parsed), nil
}

// SameOrigin reports whether a and b share scheme, host and port.
func SameOrigin(a, b url.URL) bool {
	return lowerASCII(a.Scheme) == lowerASCII(b.Scheme) &&
		lowerASCII(a.Hostname()) == lowerASCII(b.Hostname()) &&
		effectivePort(a) == effectivePort(b)
}

func effectivePort(u url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	switch lowerASCII(u.Scheme) {
	case "http":
		return "80"
	case "https":
		return "443"
	}
	return ""
}

// lowerASCII converts ASCII characters to lowercase without allocating
// when the input is already lowercase.
func lowerASCII(s string) string {
	var needsLower bool
	for i := 0; i < len(s); i++ {
		if s[i] >= 'A' && s[i] <= 'Z' {
			needsLower = true
			break
		}
	}
	if !needsLower {
		return s
	}
	b := []byte(s)
	for i := 0; i < len(b); i++ {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}
