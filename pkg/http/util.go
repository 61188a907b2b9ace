package http

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildURL joins a base URL and a path, appending the query verbatim.
// OData query options must keep their literal form on the wire
// ("$select=a,b", not "%24select=a%2Cb"), so the query is not run through
// url.Values encoding.
func BuildURL(baseURL, path, rawQuery string) (string, error) {
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("error parsing base URL: %w", err)
	}

	joined := strings.TrimSuffix(parsedURL.String(), "/") + "/" + strings.TrimPrefix(path, "/")
	if rawQuery != "" {
		joined += "?" + rawQuery
	}

	return joined, nil
}
