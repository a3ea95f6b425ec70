// Package client provides the shared outbound HTTP clients used to reach
// upstream providers and to fetch user-supplied content (image URLs).
package client

import (
	"net/http"
	"net/url"
	"time"

	"github.com/songquanpeng/conduit-gateway/common/config"
)

// HTTPClient is used for all upstream provider calls (chat/embeddings/images).
// Per-request timeouts are applied via context, so this client carries no
// blanket Timeout of its own.
var HTTPClient *http.Client

// UserContentRequestHTTPClient is used to download user-supplied content
// (image URLs referenced in message content) with a bounded timeout.
var UserContentRequestHTTPClient *http.Client

func init() { Init() }

// Init (re)builds HTTPClient and UserContentRequestHTTPClient from the
// current config; it runs once at package initialization.
func Init() {
	transport := &http.Transport{}
	if config.RelayProxy != "" {
		if proxyURL, err := url.Parse(config.RelayProxy); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	HTTPClient = &http.Client{Transport: transport}

	UserContentRequestHTTPClient = &http.Client{
		Transport: transport,
		Timeout:   time.Duration(config.UserContentRequestTimeout) * time.Second,
	}
}
