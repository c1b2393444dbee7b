package remote

import (
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// newHTTPClient returns the client shared by the engine clients. HTTP/2 is
// negotiated over TLS when the engine supports it; idle h2 connections are
// health-checked with pings.
func newHTTPClient() (*http.Client, error) {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	h2, err := http2.ConfigureTransports(t)
	if err != nil {
		return nil, err
	}
	h2.ReadIdleTimeout = 30 * time.Second
	h2.PingTimeout = 15 * time.Second
	h2.MaxReadFrameSize = 1 << 20
	return &http.Client{Transport: t}, nil
}
