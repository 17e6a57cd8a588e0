package httputil

import (
	"net/http"
	"time"
)

const DefaultTimeout = 30 * time.Second

// NewClient returns an HTTP client for knowledge-store calls. A zero timeout
// selects DefaultTimeout.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
