// Package httpclient provides the process-wide HTTP client used for every
// outbound request (channel metadata and narinfo). Proxy configuration is read
// once from the environment, matching the single-instance-per-process
// client pattern used throughout the teacher repo's push/download clients,
// generalized here into an explicit singleton so the proxy env vars are
// parsed exactly once per process.
package httpclient

import (
	"net/http"
	"sync"
	"time"
)

var (
	once   sync.Once
	client *http.Client
)

// Client returns the shared HTTP client. The underlying transport reads
// HTTPS_PROXY/https_proxy, HTTP_PROXY/http_proxy and NO_PROXY/no_proxy
// from the environment on first use via http.ProxyFromEnvironment, and
// that choice is fixed for the remainder of the process. ALL_PROXY and
// all_proxy are not consulted.
func Client() *http.Client {
	once.Do(func() {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = http.ProxyFromEnvironment
		client = &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		}
	})
	return client
}
