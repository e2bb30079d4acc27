package channel

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// BuildURL derives the websocket URL for path from the REST base URL. A bare
// host base maps to /api/, http becomes ws and https becomes wss. The bearer
// token travels as a query parameter since handshake headers are not portable.
func BuildURL(baseURL, path string, query map[string]string) (string, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return "", errors.New("api base url is empty")
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse api base url: %w", err)
	}
	if base.Host == "" {
		return "", fmt.Errorf("api base url %q has no host", baseURL)
	}

	if base.Path == "" || base.Path == "/" {
		base.Path = "/api/"
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if strings.EqualFold(base.Scheme, "https") || strings.EqualFold(base.Scheme, "wss") {
		base.Scheme = "wss"
	} else {
		base.Scheme = "ws"
	}
	base.RawPath = ""
	base.RawQuery = ""
	base.Fragment = ""

	ref, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return "", fmt.Errorf("parse channel path: %w", err)
	}
	out := base.ResolveReference(ref)

	q := out.Query()
	for k, v := range query {
		if v == "" {
			continue
		}
		q.Set(k, v)
	}
	out.RawQuery = q.Encode()
	return out.String(), nil
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
