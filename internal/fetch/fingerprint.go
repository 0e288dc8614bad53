package fetch

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// Fingerprint hashes the normalized identity (link + title) of a result.
func Fingerprint(link, title string) string {
	h := sha256.New()
	h.Write([]byte(normalizeLink(link)))
	h.Write([]byte{'\n'})
	h.Write([]byte(normalizeTitle(title)))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeLink lowercases scheme and host, drops the fragment, a leading
// "www." and a trailing slash. Unparseable links are only trimmed.
func normalizeLink(link string) string {
	raw := strings.TrimSpace(link)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = ""
	return u.String()
}

func normalizeTitle(title string) string {
	return strings.ToLower(strings.Join(strings.Fields(title), " "))
}

func hostOf(link string) string {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
