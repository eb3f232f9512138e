package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"freightline/internal/domain"
)

// HTTPDisruptions queries a news search service:
//
//	GET <url>?region=<region>&q=<query>  ->  {"results": [...]}
type HTTPDisruptions struct {
	name   string
	url    string
	client *http.Client
}

func NewHTTPDisruptions(name, baseURL string, client *http.Client) *HTTPDisruptions {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDisruptions{name: name, url: strings.TrimRight(baseURL, "/"), client: client}
}

func (c *HTTPDisruptions) Name() string { return c.name }

type disruptionResponse struct {
	Results []struct {
		Title          string   `json:"title"`
		Content        string   `json:"content"`
		URL            string   `json:"url"`
		Location       string   `json:"location"`
		Severity       string   `json:"severity"`
		TransportModes []string `json:"transport_modes"`
	} `json:"results"`
}

func (c *HTTPDisruptions) SearchDisruptions(ctx context.Context, region string) ([]domain.DisruptionRecord, error) {
	q := url.Values{}
	q.Set("region", region)
	q.Set("q", fmt.Sprintf("supply chain disruption %s port airport shipping", region))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("disruption search: status code %d", resp.StatusCode)
	}
	var body disruptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	res := make([]domain.DisruptionRecord, 0, len(body.Results))
	for _, r := range body.Results {
		rec := domain.DisruptionRecord{
			Title:    r.Title,
			Summary:  r.Content,
			URL:      r.URL,
			Location: r.Location,
			Severity: domain.RiskLevel(strings.ToLower(r.Severity)),
		}
		for _, m := range r.TransportModes {
			rec.TransportModes = append(rec.TransportModes, domain.TransportMode(strings.ToLower(m)))
		}
		res = append(res, normalizeDisruption(rec, c.name))
	}
	return res, nil
}

// Embedder turns text into a vector.
type Embedder interface {
	Embedding(ctx context.Context, text string) ([]float32, error)
}

// HTTPEmbedder calls an embedding service: POST <url>/embedding {"text": ...}
// and expects a bare JSON array of floats.
type HTTPEmbedder struct {
	url    string
	client *http.Client
}

func NewHTTPEmbedder(baseURL string, client *http.Client) *HTTPEmbedder {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPEmbedder{url: strings.TrimRight(baseURL, "/"), client: client}
}

func (e *HTTPEmbedder) Embedding(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+"/embedding", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get embedding: status code %d", resp.StatusCode)
	}
	var vec []float32
	if err := json.NewDecoder(resp.Body).Decode(&vec); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embedding service returned an empty vector")
	}
	return vec, nil
}
