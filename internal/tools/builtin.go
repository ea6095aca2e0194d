package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RegisterBuiltins adds the stock tools every daemon starts with.
func RegisterBuiltins(r *Registry) {
	r.Register(Func{
		ToolName: "now",
		Desc:     "returns the current UTC time in RFC 3339",
		Fn: func(context.Context, map[string]any) (any, error) {
			return time.Now().UTC().Format(time.RFC3339), nil
		},
	})
	r.Register(Func{
		ToolName: "echo",
		Desc:     "returns its value argument unchanged",
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			return args["value"], nil
		},
	})
	r.Register(Func{
		ToolName: "http_get",
		Desc:     "fetches a URL and returns the response body",
		Fn:       httpGet,
	})
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// Response bodies are capped at 1MB; tool outputs land in the context store
// and oversized values bloat every later prompt.
const maxBodyBytes = 1 << 20

func httpGet(ctx context.Context, args map[string]any) (any, error) {
	url, _ := args["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("http_get requires a url argument")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return string(body), nil
}
