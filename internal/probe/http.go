package probe

import (
	"context"
	"io"
	"net/http"
	"time"
)

const DefaultHTTPTimeout = 5 * time.Second

// HTTPProbe is ready when URL answers with a 2xx status.
type HTTPProbe struct {
	URL     string
	Method  string // GET when empty
	Timeout time.Duration
	Client  *http.Client
}

func (p HTTPProbe) Check(ctx context.Context) error {
	ctx, cancel := attemptContext(ctx, p.Timeout, DefaultHTTPTimeout)
	defer cancel()
	method := p.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, p.URL, nil)
	if err != nil {
		return err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return notReady("%s %s: %v", method, p.URL, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return notReady("%s %s: status %d", method, p.URL, resp.StatusCode)
	}
	return nil
}

func (p HTTPProbe) Describe() string { return "http:" + p.URL }

var (
	_ Probe = HTTPProbe{}
	_ Probe = TCPProbe{}
	_ Probe = CommandProbe{}
)
