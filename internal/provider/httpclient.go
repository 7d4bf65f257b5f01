package provider

import (
	"net"
	"net/http"
	"time"
)

const defaultHeaderTimeout = 120 * time.Second

// SharedHTTPClient returns a pooled HTTP client shared by every outbound
// integration (Ollama, web search). It carries no overall Timeout so that
// long generation streams are bounded by their request context instead;
// headerTimeout bounds the wait for the first response byte.
//
// The owner closes idle connections on shutdown via CloseIdleConnections.
func SharedHTTPClient(headerTimeout time.Duration) *http.Client {
	if headerTimeout <= 0 {
		headerTimeout = defaultHeaderTimeout
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport}
}
