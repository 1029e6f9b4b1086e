package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Strob0t/CodeTumbler/internal/config"
	"github.com/Strob0t/CodeTumbler/internal/resilience"
)

// httpClient wraps the shared plumbing of the HTTP provider adapters: a
// configured http.Client, optional breaker, and API key resolution.
type httpClient struct {
	name    string
	cfg     config.Provider
	client  *http.Client
	breaker *resilience.Breaker
}

func newHTTPClient(name string, cfg config.Provider, breaker *resilience.Breaker) httpClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return httpClient{
		name:    name,
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

// apiKey resolves the provider's API key from the configured environment
// variable. The key itself is never stored in config or state.
func (h *httpClient) apiKey() string {
	if h.cfg.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(h.cfg.APIKeyEnv)
}

// postStream issues a streaming POST and hands the response body to consume.
// The breaker, when present, wraps the whole request including stream
// consumption so that mid-stream failures count against the circuit.
func (h *httpClient) postStream(ctx context.Context, url string, payload any, headers map[string]string, consume func(io.Reader) error) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", h.name, err)
	}

	call := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%s: create request: %w", h.name, err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := h.client.Do(req)
		if err != nil {
			return fmt.Errorf("%s: http request: %w", h.name, err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 400 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("%s: API error %d: %s", h.name, resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return consume(resp.Body)
	}

	if h.breaker != nil {
		return h.breaker.Execute(call)
	}
	return call()
}

// getJSON issues a GET and decodes the JSON response into out.
func (h *httpClient) getJSON(ctx context.Context, url string, headers map[string]string, out any) error {
	call := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("%s: create request: %w", h.name, err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := h.client.Do(req)
		if err != nil {
			return fmt.Errorf("%s: http request: %w", h.name, err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 400 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("%s: API error %d: %s", h.name, resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	if h.breaker != nil {
		return h.breaker.Execute(call)
	}
	return call()
}

// sseLines iterates the "data: ..." payloads of a server-sent-event stream,
// stopping at [DONE] or EOF. Context cancellation surfaces as a read error
// on the body, which scan reports via Err.
func sseLines(r io.Reader, handle func(data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
			if bytes.Equal(data, []byte("[DONE]")) {
				return nil
			}
			continue
		}
		if err := handle(data); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// jsonLines iterates newline-delimited JSON objects (ollama's stream format).
func jsonLines(r io.Reader, handle func(data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := handle(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}
