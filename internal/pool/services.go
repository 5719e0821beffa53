package pool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
)

// Domain helpers: thin wrappers that fix the server key, endpoint, and verb
// for each backend's conventional API.

// Store writes a key/value pair into the memory service.
func (p *Pool) Store(ctx context.Context, key string, value any) (json.RawMessage, error) {
	return p.Execute(ctx, "memory", http.MethodPost, "/store", map[string]any{
		"key":   key,
		"value": value,
	}, nil)
}

// Retrieve reads a value from the memory service.
func (p *Pool) Retrieve(ctx context.Context, key string) (json.RawMessage, error) {
	endpoint := "/retrieve?key=" + url.QueryEscape(key)
	return p.Execute(ctx, "memory", http.MethodGet, endpoint, nil, nil)
}

// SearchMemory runs a text search against the memory service.
func (p *Pool) SearchMemory(ctx context.Context, query string) (json.RawMessage, error) {
	return p.Execute(ctx, "memory", http.MethodPost, "/search", map[string]any{
		"query": query,
	}, nil)
}

// ReadFile reads a file through the filesystem service.
func (p *Pool) ReadFile(ctx context.Context, path string) (json.RawMessage, error) {
	return p.Execute(ctx, "filesystem", http.MethodPost, "/read", map[string]any{
		"path": path,
	}, nil)
}

// WriteFile writes a file through the filesystem service.
func (p *Pool) WriteFile(ctx context.Context, path, content string) (json.RawMessage, error) {
	return p.Execute(ctx, "filesystem", http.MethodPost, "/write", map[string]any{
		"path":    path,
		"content": content,
	}, nil)
}

// ListDir lists a directory through the filesystem service.
func (p *Pool) ListDir(ctx context.Context, path string) (json.RawMessage, error) {
	endpoint := "/list?path=" + url.QueryEscape(path)
	return p.Execute(ctx, "filesystem", http.MethodGet, endpoint, nil, nil)
}

// Commit records a commit through the git service.
func (p *Pool) Commit(ctx context.Context, message string) (json.RawMessage, error) {
	return p.Execute(ctx, "git", http.MethodPost, "/commit", map[string]any{
		"message": message,
	}, nil)
}

// Diff returns the working-tree diff from the git service.
func (p *Pool) Diff(ctx context.Context) (json.RawMessage, error) {
	return p.Execute(ctx, "git", http.MethodGet, "/diff", nil, nil)
}

// Embed converts text into an embedding via the vector service.
func (p *Pool) Embed(ctx context.Context, text string) (json.RawMessage, error) {
	return p.Execute(ctx, "vector", http.MethodPost, "/embed", map[string]any{
		"text": text,
	}, nil)
}

// SearchVectors runs a similarity search against the vector service.
func (p *Pool) SearchVectors(ctx context.Context, query string, topK int) (json.RawMessage, error) {
	return p.Execute(ctx, "vector", http.MethodPost, "/search", map[string]any{
		"query": query,
		"top_k": topK,
	}, nil)
}
