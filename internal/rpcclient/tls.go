package rpcclient

import (
	"crypto/tls"
	"net/http"
)

// insecureHTTPClient returns an http.Client that skips TLS certificate
// verification, used only when TLS_VERIFY=false. Development-only,
// process-wide simplification.
func insecureHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec G402 -- opt-in dev bypass
		},
	}
}
