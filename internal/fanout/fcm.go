package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// FCMClient posts JSON to an FCM HTTPv1-style endpoint using a server key
// or oauth token. Each endpoint gets its own request, sent concurrently;
// a 404 or 410 marks the endpoint invalid so the registry can evict it.
type FCMClient struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMClient(endpoint, key string) *FCMClient {
	return &FCMClient{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMClient) SendToEndpoints(ctx context.Context, endpoints []string, title, body string, data map[string]string) []models.EndpointResult {
	results := make([]models.EndpointResult, len(endpoints))
	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep string) {
			defer wg.Done()
			results[i] = f.sendOne(ctx, ep, title, body, data)
		}(i, ep)
	}
	wg.Wait()
	return results
}

func (f *FCMClient) sendOne(ctx context.Context, endpoint, title, body string, data map[string]string) models.EndpointResult {
	msg := map[string]any{
		"message": map[string]any{
			"token": endpoint,
			"notification": map[string]string{
				"title": title,
				"body":  body,
			},
			"data": data,
		},
	}
	b, _ := json.Marshal(msg)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return models.EndpointResult{Endpoint: endpoint, Err: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return models.EndpointResult{Endpoint: endpoint, Err: err.Error()}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return models.EndpointResult{Endpoint: endpoint, OK: true}
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return models.EndpointResult{Endpoint: endpoint, Invalid: true, Err: fmt.Sprintf("endpoint gone: %d", resp.StatusCode)}
	default:
		return models.EndpointResult{Endpoint: endpoint, Err: fmt.Sprintf("push provider status %d", resp.StatusCode)}
	}
}
