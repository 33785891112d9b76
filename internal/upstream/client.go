// Package upstream implements the HTTP client against the upstream
// generateContent/streamGenerateContent API. It satisfies
// dispatcher.UpstreamClient.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/nullstream/gemini-gateway/internal/domain"
	"github.com/nullstream/gemini-gateway/internal/httputil"
	"github.com/nullstream/gemini-gateway/internal/translator"
)

// Client calls the upstream generateContent/streamGenerateContent API
// over HTTP, translating to and from the surface-agnostic ChatRequest.
type Client struct {
	baseURL string
	client  *http.Client
}

// New builds a Client. proxyURL, if non-empty, routes all outbound
// requests through an HTTP(S) forward proxy.
func New(baseURL, proxyURL string) (*Client, error) {
	cfg := httputil.DefaultConfig()
	httpClient := httputil.NewClient(cfg)

	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse outbound proxy url: %w", err)
		}
		transport, ok := httpClient.Transport.(*http.Transport)
		if !ok {
			return nil, fmt.Errorf("unexpected transport type")
		}
		transport.Proxy = http.ProxyURL(parsed)
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
	}, nil
}

// Invoke performs one non-streaming generateContent call.
func (c *Client) Invoke(ctx context.Context, req domain.ChatRequest, secret string) (*domain.CompletionArtifact, error) {
	geminiReq, err := translator.InternalToGemini(req)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(geminiReq)
	if err != nil {
		return nil, domain.NewError(domain.KindValidationError, "marshal upstream request", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewError(domain.KindTransientUpstream, "build upstream request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", secret)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportErr(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewError(domain.KindTransientUpstream, "read upstream response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, translator.ClassifyGeminiStatus(resp.StatusCode, respBody)
	}

	var geminiResp translator.GeminiResponse
	if err := json.Unmarshal(respBody, &geminiResp); err != nil {
		return nil, domain.NewError(domain.KindTransientUpstream, "decode upstream response", err)
	}

	artifact := translator.GeminiResponseToInternal(&geminiResp, req.Model)
	return &artifact, nil
}

// InvokeStream performs one streamGenerateContent call, delivering
// translated chunks on the returned channel. Both channels are closed
// when the stream ends; at most one value is ever sent on errs.
func (c *Client) InvokeStream(ctx context.Context, req domain.ChatRequest, secret string) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	geminiReq, err := translator.InternalToGemini(req)
	if err != nil {
		go func() {
			errs <- err
			close(chunks)
			close(errs)
		}()
		return chunks, errs
	}

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := json.Marshal(geminiReq)
		if err != nil {
			errs <- domain.NewError(domain.KindValidationError, "marshal upstream request", err)
			return
		}

		endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", c.baseURL, req.Model)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			errs <- domain.NewError(domain.KindTransientUpstream, "build upstream request", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("x-goog-api-key", secret)

		resp, err := c.client.Do(httpReq)
		if err != nil {
			errs <- classifyTransportErr(ctx, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			errs <- translator.ClassifyGeminiStatus(resp.StatusCode, respBody)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "" {
				continue
			}

			var geminiChunk translator.GeminiResponse
			if err := json.Unmarshal([]byte(data), &geminiChunk); err != nil {
				continue
			}

			for _, chunk := range translator.GeminiChunkToInternal(&geminiChunk) {
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- domain.NewError(domain.KindTransientUpstream, "scan upstream stream", err)
		}
	}()

	return chunks, errs
}

func classifyTransportErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return domain.NewError(domain.KindDeadlineExceeded, "upstream call deadline exceeded", err)
		}
		return domain.NewError(domain.KindClientCancelled, "upstream call cancelled", err)
	}
	return domain.NewError(domain.KindTransientUpstream, "upstream transport error", err)
}
