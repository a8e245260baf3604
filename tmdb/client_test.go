package tmdb

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSearchMoviesSendsCredentialsAndDecodes(t *testing.T) {
	var gotQuery, gotKey, gotLang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search/movie" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		gotQuery = q.Get("query")
		gotKey = q.Get("api_key")
		gotLang = q.Get("language")
		w.Write([]byte(`{"results":[{"id":27205,"title":"Inception","release_date":"2010-07-15","vote_average":8.4}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-key", "en-US")
	movies, err := c.SearchMovies(context.Background(), "inception")
	if err != nil {
		t.Fatalf("SearchMovies: %v", err)
	}

	if gotQuery != "inception" || gotKey != "secret-key" || gotLang != "en-US" {
		t.Fatalf("request parameters wrong: query=%q api_key=%q language=%q", gotQuery, gotKey, gotLang)
	}
	if len(movies) != 1 || movies[0].ID != 27205 || movies[0].Title != "Inception" {
		t.Fatalf("unexpected result: %+v", movies)
	}
}

func TestMovieDetailsAppendsSubResources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/movie/27205" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("append_to_response"); got != "credits,recommendations" {
			t.Errorf("unexpected append_to_response: %q", got)
		}
		w.Write([]byte(`{
			"id":27205,"title":"Inception","runtime":148,
			"genres":[{"name":"Science Fiction"}],
			"credits":{"cast":[{"name":"Leonardo DiCaprio","character":"Cobb"}]},
			"recommendations":{"results":[{"id":155,"title":"The Dark Knight"}]}
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", "")
	details, err := c.MovieDetails(context.Background(), 27205)
	if err != nil {
		t.Fatalf("MovieDetails: %v", err)
	}
	if details.Runtime != 148 {
		t.Fatalf("unexpected runtime: %d", details.Runtime)
	}
	if len(details.Credits.Cast) != 1 || details.Credits.Cast[0].Character != "Cobb" {
		t.Fatalf("unexpected cast: %+v", details.Credits.Cast)
	}
	if len(details.Recommendations.Results) != 1 {
		t.Fatalf("unexpected recommendations: %+v", details.Recommendations.Results)
	}
}

func TestTrendingNormalizesWindow(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", "")
	for _, window := range []string{"day", "week", "fortnight", ""} {
		if _, err := c.Trending(context.Background(), window); err != nil {
			t.Fatalf("Trending(%q): %v", window, err)
		}
	}

	want := []string{"/trending/movie/day", "/trending/movie/week", "/trending/movie/week", "/trending/movie/week"}
	for i, p := range want {
		if paths[i] != p {
			t.Fatalf("call %d hit %q, want %q", i, paths[i], p)
		}
	}
}

func TestErrorStatusIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"status_message":"Invalid API key"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "bad-key", "")
	_, err := c.SearchMovies(context.Background(), "anything")
	if err == nil {
		t.Fatalf("expected an error for non-200 status")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "Invalid API key") {
		t.Fatalf("error should carry status and body: %v", err)
	}
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient("", "k", "")
	if c.baseURL != "https://api.themoviedb.org/3" {
		t.Fatalf("unexpected base url: %q", c.baseURL)
	}
	if c.language != "en-US" {
		t.Fatalf("unexpected language: %q", c.language)
	}
}
