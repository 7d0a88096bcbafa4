// Package schema fetches backend OpenAPI documents and GraphQL SDL and
// compares them structurally.
package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fabian4/gateway-composer/internal/model"
)

var (
	ErrNoSource     = errors.New("schema: application has no schema source")
	ErrNotFetchable = errors.New("schema: application schema is not fetchable")
)

// ServiceSDLQuery asks a federation-aware subgraph for its SDL.
const ServiceSDLQuery = "{ _service { sdl } }"

const maxDocumentBytes = 16 << 20

// Fetcher retrieves schemas from backends. The zero value is usable.
type Fetcher struct {
	Client  *http.Client
	Timeout time.Duration // per fetch; 0 means 10s
}

func NewFetcher(client *http.Client, timeout time.Duration) *Fetcher {
	return &Fetcher{Client: client, Timeout: timeout}
}

func (f *Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

func (f *Fetcher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	t := f.Timeout
	if t <= 0 {
		t = 10 * time.Second
	}
	return context.WithTimeout(ctx, t)
}

// FetchOpenAPI returns the application's raw OpenAPI document.
func (f *Fetcher) FetchOpenAPI(ctx context.Context, app model.Application) (map[string]any, error) {
	src := app.OpenAPI
	switch {
	case src == nil:
		return nil, ErrNoSource
	case src.Document != nil:
		return Copy(src.Document), nil
	case src.File != "":
		b, err := os.ReadFile(src.File)
		if err != nil {
			return nil, fmt.Errorf("read openapi %s: %w", src.File, err)
		}
		return Decode(b)
	case src.URL != "":
		u, err := resolveURL(app.Origin, src.URL)
		if err != nil {
			return nil, err
		}
		ctx, cancel := f.withTimeout(ctx)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json, application/yaml;q=0.9")
		b, err := f.do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch openapi %s: %w", u, err)
		}
		return Decode(b)
	}
	return nil, ErrNoSource
}

// FetchSDL asks the application's GraphQL endpoint for its SDL.
func (f *Fetcher) FetchSDL(ctx context.Context, app model.Application) (string, error) {
	if app.GraphQL == nil {
		return "", ErrNoSource
	}
	if app.Origin == "" {
		return "", ErrNotFetchable
	}
	u, err := resolveURL(app.Origin, app.GraphQL.EndpointPath())
	if err != nil {
		return "", err
	}
	body, _ := json.Marshal(map[string]any{"query": ServiceSDLQuery})

	ctx, cancel := f.withTimeout(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	b, err := f.do(req)
	if err != nil {
		return "", fmt.Errorf("fetch sdl %s: %w", u, err)
	}

	var res struct {
		Data struct {
			Service struct {
				SDL string `json:"sdl"`
			} `json:"_service"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(b, &res); err != nil {
		return "", fmt.Errorf("decode sdl response from %s: %w", u, err)
	}
	if len(res.Errors) > 0 {
		return "", fmt.Errorf("sdl query on %s: %s", u, res.Errors[0].Message)
	}
	if strings.TrimSpace(res.Data.Service.SDL) == "" {
		return "", fmt.Errorf("sdl query on %s: empty sdl", u)
	}
	return res.Data.Service.SDL, nil
}

func (f *Fetcher) do(req *http.Request) ([]byte, error) {
	res, err := f.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		return nil, fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(res.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxDocumentBytes {
		return nil, fmt.Errorf("document exceeds %d bytes", maxDocumentBytes)
	}
	return b, nil
}

func resolveURL(origin, ref string) (string, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", ref, err)
	}
	if r.IsAbs() {
		return r.String(), nil
	}
	if origin == "" {
		return "", fmt.Errorf("relative url %q needs an origin", ref)
	}
	base, err := url.Parse(strings.TrimRight(origin, "/") + "/")
	if err != nil {
		return "", fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	return base.ResolveReference(&url.URL{Path: strings.TrimPrefix(r.Path, "/"), RawQuery: r.RawQuery}).String(), nil
}

// Decode parses a JSON or YAML document into JSON-compatible values.
func Decode(b []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err == nil {
		return m, nil
	}
	var y any
	if err := yaml.Unmarshal(b, &y); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	norm, ok := normalize(y).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode document: top level is not an object")
	}
	// round-trip so numbers and nesting match what encoding/json produces
	raw, err := json.Marshal(norm)
	if err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	m = nil
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return m, nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, vv := range t {
			t[k] = normalize(vv)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[fmt.Sprint(k)] = normalize(vv)
		}
		return m
	case []any:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	default:
		return v
	}
}
