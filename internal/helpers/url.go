package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"path"
	"sort"
	"strings"
)

var trackingParams = map[string]struct{}{
	"utm_source": {}, "utm_medium": {}, "utm_campaign": {}, "utm_term": {},
	"utm_content": {}, "utm_id": {}, "gclid": {}, "dclid": {}, "fbclid": {},
	"msclkid": {}, "igshid": {}, "ref_src": {},
}

// CanonicalURL normalises a URL for deduplication: lowercase scheme and
// host, default ports and fragments dropped, path cleaned, tracking
// parameters removed and the remaining query sorted. A missing scheme
// becomes https.
func CanonicalURL(raw string) (string, error) {
	u, err := parseLoose(raw)
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	host := strings.ToLower(u.Host)
	if h, port, ok := strings.Cut(host, ":"); ok {
		if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
			host = h
		}
	}
	u.Host = host

	p := path.Clean("/" + u.Path)
	if p != "/" && strings.HasSuffix(u.Path, "/") {
		p += "/"
	}
	u.Path = p
	u.RawPath = ""
	u.Fragment = ""

	q := u.Query()
	for k := range q {
		if _, drop := trackingParams[strings.ToLower(k)]; drop {
			q.Del(k)
		}
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			if v != "" {
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
	}
	u.RawQuery = b.String()
	return u.String(), nil
}

func parseLoose(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" && u.Host == "" {
		if strings.HasPrefix(raw, "//") {
			u, err = url.Parse("https:" + raw)
		} else {
			u, err = url.Parse("https://" + raw)
		}
		if err != nil {
			return nil, err
		}
	}
	if u.Host == "" {
		return nil, errors.New("url missing host")
	}
	return u, nil
}

// URLKey is a stable digest of the canonical form of raw, or of raw itself
// when it does not parse. Scheme, a www. prefix and a trailing slash do not
// change the key.
func URLKey(raw string) string {
	c, err := CanonicalURL(raw)
	if err != nil {
		c = raw
	} else {
		c = keyForm(c)
	}
	sum := sha256.Sum256([]byte(c))
	return hex.EncodeToString(sum[:])
}

func keyForm(canonical string) string {
	_, rest, ok := strings.Cut(canonical, "://")
	if !ok {
		rest = canonical
	}
	rest = strings.TrimPrefix(rest, "www.")
	p, q, hasQuery := strings.Cut(rest, "?")
	p = strings.TrimSuffix(p, "/")
	if hasQuery {
		return p + "?" + q
	}
	return p
}

// Domain returns the lowercased host of raw without a www. prefix.
func Domain(raw string) string {
	u, err := parseLoose(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// FetchURL rewrites links whose HTML form extracts better than the linked
// file. arXiv PDF links become their abstract pages.
func FetchURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || !strings.HasSuffix(strings.ToLower(u.Hostname()), "arxiv.org") {
		return raw
	}
	switch {
	case strings.HasPrefix(u.Path, "/pdf/"):
		u.Path = "/abs/" + strings.TrimSuffix(strings.TrimPrefix(u.Path, "/pdf/"), ".pdf")
	case strings.HasSuffix(u.Path, ".pdf"):
		u.Path = strings.TrimSuffix(u.Path, ".pdf")
	default:
		return raw
	}
	u.RawQuery, u.Fragment = "", ""
	return u.String()
}

// ReaderProxyURL returns a text-rendering proxy address for hosts that
// block direct fetching, or "" when the host is fetched directly.
func ReaderProxyURL(proxyBase, raw string) string {
	if proxyBase == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case host == "x.com", host == "www.x.com", host == "twitter.com", host == "mobile.twitter.com",
		strings.HasSuffix(host, "reddit.com"):
		return strings.TrimSuffix(proxyBase, "/") + "/https://" + host + u.RequestURI()
	}
	return ""
}
