// Package tmdb is a thin read-only client for The Movie Database API, the
// external collaborator behind the gateway's tools.
package tmdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client calls the TMDB v3 API with an API key.
type Client struct {
	baseURL  string
	apiKey   string
	language string
	client   *http.Client
}

// Movie is the subset of list-level movie fields the tools consume.
type Movie struct {
	ID          int     `json:"id"`
	Title       string  `json:"title"`
	ReleaseDate string  `json:"release_date"`
	Overview    string  `json:"overview"`
	VoteAverage float64 `json:"vote_average"`
}

// CastMember is one credited actor.
type CastMember struct {
	Name      string `json:"name"`
	Character string `json:"character"`
}

// MovieDetails is a full movie record with appended sub-resources.
type MovieDetails struct {
	Movie
	Runtime int `json:"runtime"`
	Genres  []struct {
		Name string `json:"name"`
	} `json:"genres"`
	Credits struct {
		Cast []CastMember `json:"cast"`
	} `json:"credits"`
	Recommendations struct {
		Results []Movie `json:"results"`
	} `json:"recommendations"`
}

type movieList struct {
	Results []Movie `json:"results"`
}

// NewClient constructs a client. baseURL and language fall back to the
// public v3 API and en-US.
func NewClient(baseURL, apiKey, language string) *Client {
	if baseURL == "" {
		baseURL = "https://api.themoviedb.org/3"
	}
	if language == "" {
		language = "en-US"
	}
	return &Client{
		baseURL:  baseURL,
		apiKey:   apiKey,
		language: language,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// SearchMovies runs a keyword search.
func (c *Client) SearchMovies(ctx context.Context, query string) ([]Movie, error) {
	var list movieList
	err := c.get(ctx, "/search/movie", url.Values{"query": {query}}, &list)
	if err != nil {
		return nil, err
	}
	return list.Results, nil
}

// MovieDetails fetches one movie with credits and recommendations appended
// in a single aggregate call.
func (c *Client) MovieDetails(ctx context.Context, id int) (*MovieDetails, error) {
	var details MovieDetails
	err := c.get(ctx, fmt.Sprintf("/movie/%d", id), url.Values{
		"append_to_response": {"credits,recommendations"},
	}, &details)
	if err != nil {
		return nil, err
	}
	return &details, nil
}

// Recommendations lists movies related to id.
func (c *Client) Recommendations(ctx context.Context, id int) ([]Movie, error) {
	var list movieList
	err := c.get(ctx, fmt.Sprintf("/movie/%d/recommendations", id), nil, &list)
	if err != nil {
		return nil, err
	}
	return list.Results, nil
}

// Trending lists trending movies for a time window ("day" or "week").
func (c *Client) Trending(ctx context.Context, window string) ([]Movie, error) {
	if window != "day" && window != "week" {
		window = "week"
	}
	var list movieList
	err := c.get(ctx, "/trending/movie/"+window, nil, &list)
	if err != nil {
		return nil, err
	}
	return list.Results, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("api_key", c.apiKey)
	params.Set("language", c.language)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("call tmdb: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("tmdb returned %s: %s", resp.Status, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode tmdb response: %w", err)
	}
	return nil
}
