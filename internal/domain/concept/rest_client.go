package concept

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const restConceptPath = "/ws/rest/v1/concept"

// RESTClient searches an OpenMRS-style REST concept dictionary.
type RESTClient struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

// NewRESTClient creates a client for the dictionary at baseURL. Credentials
// are optional and sent as basic auth.
func NewRESTClient(baseURL, username, password string) *RESTClient {
	return &RESTClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type conceptSearchResponse struct {
	Results []*Concept `json:"results"`
}

type conceptNameResponse struct {
	Name struct {
		Display string `json:"display"`
	} `json:"name"`
}

// SearchConcepts implements Searcher.
func (c *RESTClient) SearchConcepts(ctx context.Context, term string) ([]*Concept, error) {
	q := url.Values{}
	q.Set("q", term)
	q.Set("v", "full")

	var resp conceptSearchResponse
	if err := c.get(ctx, restConceptPath+"?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("concept search %q: %w", term, err)
	}
	return resp.Results, nil
}

// ResolveConceptName implements Namer.
func (c *RESTClient) ResolveConceptName(ctx context.Context, conceptID string) (string, error) {
	q := url.Values{}
	q.Set("v", "custom:(name:(display))")

	var resp conceptNameResponse
	if err := c.get(ctx, restConceptPath+"/"+url.PathEscape(conceptID)+"?"+q.Encode(), &resp); err != nil {
		return "", fmt.Errorf("concept name %s: %w", conceptID, err)
	}
	return resp.Name.Display, nil
}

func (c *RESTClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("dictionary returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
