package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Laksh-star/mcp-tmdb-chatgpt-version/tmdb"
)

// ErrUnknownTool is returned when a command names a tool outside the active
// set.
var ErrUnknownTool = errors.New("unknown tool")

// ToolHandler executes one tool call. A returned error means the external
// collaborator failed; the dispatcher converts it into an in-band error
// envelope rather than letting it surface as a transport failure.
type ToolHandler func(ctx context.Context, args map[string]any) (*ToolResult, error)

// Tool pairs a wire descriptor with its handler.
type Tool struct {
	ToolDescriptor
	Handler ToolHandler
}

// Dispatcher routes parsed commands to the active tool set. Which set is
// active is a configuration choice, not a code fork.
type Dispatcher struct {
	tools []Tool
	index map[string]int
}

// NewDispatcher builds the dispatcher for the configured tool set.
func NewDispatcher(set string, movies *tmdb.Client) *Dispatcher {
	d := &Dispatcher{index: make(map[string]int)}
	switch set {
	case ToolSetDiscovery:
		d.Register(searchMoviesTool(movies))
		d.Register(recommendationsTool(movies))
		d.Register(trendingTool(movies))
	default:
		d.Register(searchTool(movies))
		d.Register(fetchTool(movies))
	}
	return d
}

// Register adds a tool. Later registrations shadow earlier ones by name.
func (d *Dispatcher) Register(t Tool) {
	if i, ok := d.index[t.Name]; ok {
		d.tools[i] = t
		return
	}
	d.index[t.Name] = len(d.tools)
	d.tools = append(d.tools, t)
}

// Descriptors lists the advertised tools in registration order.
func (d *Dispatcher) Descriptors() []ToolDescriptor {
	out := make([]ToolDescriptor, len(d.tools))
	for i, t := range d.tools {
		out[i] = t.ToolDescriptor
	}
	return out
}

// Call invokes the named tool. Collaborator failures come back as an
// envelope with IsError set; only an unknown name is a protocol-level error.
func (d *Dispatcher) Call(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	i, ok := d.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	result, err := d.tools[i].Handler(ctx, args)
	if err != nil {
		return ErrorResult(fmt.Sprintf("%s failed: %v", name, err)), nil
	}
	return result, nil
}

// searchResult is one entry of the connector search tool's reply document.
type searchResult struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// fetchResult is the connector fetch tool's reply document.
type fetchResult struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Text     string         `json:"text"`
	URL      string         `json:"url"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func searchTool(movies *tmdb.Client) Tool {
	return Tool{
		ToolDescriptor: ToolDescriptor{
			Name:        "search",
			Description: "Search TMDB for movies by keyword. Returns a result list with ids usable by fetch.",
			InputSchema: objectSchema(map[string]any{
				"query": map[string]any{"type": "string", "description": "Search keywords"},
			}, "query"),
		},
		Handler: func(ctx context.Context, args map[string]any) (*ToolResult, error) {
			query := stringArg(args, "query")
			found, err := movies.SearchMovies(ctx, query)
			if err != nil {
				return nil, err
			}
			results := make([]searchResult, 0, len(found))
			for _, m := range found {
				results = append(results, searchResult{
					ID:    strconv.Itoa(m.ID),
					Title: movieTitle(m),
					URL:   movieURL(m.ID),
				})
			}
			return jsonResult(map[string]any{"results": results})
		},
	}
}

func fetchTool(movies *tmdb.Client) Tool {
	return Tool{
		ToolDescriptor: ToolDescriptor{
			Name:        "fetch",
			Description: "Fetch full details for a movie id returned by search, including cast and related titles.",
			InputSchema: objectSchema(map[string]any{
				"id": map[string]any{"type": "string", "description": "Movie id from a search result"},
			}, "id"),
		},
		Handler: func(ctx context.Context, args map[string]any) (*ToolResult, error) {
			id, err := intArg(args, "id")
			if err != nil {
				return nil, err
			}
			details, err := movies.MovieDetails(ctx, id)
			if err != nil {
				return nil, err
			}

			var text strings.Builder
			text.WriteString(details.Overview)
			if cast := castSummary(details.Credits.Cast, 5); cast != "" {
				text.WriteString("\n\nCast: " + cast)
			}
			if related := titleSummary(details.Recommendations.Results, 5); related != "" {
				text.WriteString("\n\nRelated: " + related)
			}

			metadata := map[string]any{
				"release_date": details.ReleaseDate,
				"vote_average": details.VoteAverage,
			}
			if details.Runtime > 0 {
				metadata["runtime_minutes"] = details.Runtime
			}
			if len(details.Genres) > 0 {
				genres := make([]string, len(details.Genres))
				for i, g := range details.Genres {
					genres[i] = g.Name
				}
				metadata["genres"] = genres
			}

			return jsonResult(fetchResult{
				ID:       strconv.Itoa(details.ID),
				Title:    movieTitle(details.Movie),
				Text:     text.String(),
				URL:      movieURL(details.ID),
				Metadata: metadata,
			})
		},
	}
}

func searchMoviesTool(movies *tmdb.Client) Tool {
	return Tool{
		ToolDescriptor: ToolDescriptor{
			Name:        "search_movies",
			Description: "Search for movies by title keywords.",
			InputSchema: objectSchema(map[string]any{
				"query": map[string]any{"type": "string", "description": "Search keywords"},
			}, "query"),
		},
		Handler: func(ctx context.Context, args map[string]any) (*ToolResult, error) {
			found, err := movies.SearchMovies(ctx, stringArg(args, "query"))
			if err != nil {
				return nil, err
			}
			return TextResult(movieListing(found, 10)), nil
		},
	}
}

func recommendationsTool(movies *tmdb.Client) Tool {
	return Tool{
		ToolDescriptor: ToolDescriptor{
			Name:        "get_recommendations",
			Description: "List movies recommended for a given movie id.",
			InputSchema: objectSchema(map[string]any{
				"movie_id": map[string]any{"type": "number", "description": "TMDB movie id"},
			}, "movie_id"),
		},
		Handler: func(ctx context.Context, args map[string]any) (*ToolResult, error) {
			id, err := intArg(args, "movie_id")
			if err != nil {
				return nil, err
			}
			found, err := movies.Recommendations(ctx, id)
			if err != nil {
				return nil, err
			}
			return TextResult(movieListing(found, 10)), nil
		},
	}
}

func trendingTool(movies *tmdb.Client) Tool {
	return Tool{
		ToolDescriptor: ToolDescriptor{
			Name:        "get_trending",
			Description: "List movies trending on TMDB for a time window.",
			InputSchema: objectSchema(map[string]any{
				"window": map[string]any{"type": "string", "description": "day or week", "enum": []string{"day", "week"}},
			}),
		},
		Handler: func(ctx context.Context, args map[string]any) (*ToolResult, error) {
			found, err := movies.Trending(ctx, stringArg(args, "window"))
			if err != nil {
				return nil, err
			}
			return TextResult(movieListing(found, 10)), nil
		},
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func jsonResult(v any) (*ToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return TextResult(string(b)), nil
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// intArg accepts both JSON numbers and numeric strings, since the connector
// passes ids back as strings.
func intArg(args map[string]any, key string) (int, error) {
	switch v := args[key].(type) {
	case float64:
		return int(v), nil
	case string:
		id, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("argument %q is not a numeric id", key)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("argument %q is required", key)
	}
}

func movieTitle(m tmdb.Movie) string {
	if len(m.ReleaseDate) >= 4 {
		return fmt.Sprintf("%s (%s)", m.Title, m.ReleaseDate[:4])
	}
	return m.Title
}

func movieURL(id int) string {
	return fmt.Sprintf("https://www.themoviedb.org/movie/%d", id)
}

func movieListing(found []tmdb.Movie, limit int) string {
	if len(found) == 0 {
		return "No movies found."
	}
	if len(found) > limit {
		found = found[:limit]
	}
	var b strings.Builder
	for i, m := range found {
		fmt.Fprintf(&b, "%d. %s - rating %.1f\n", i+1, movieTitle(m), m.VoteAverage)
	}
	return strings.TrimRight(b.String(), "\n")
}

func castSummary(cast []tmdb.CastMember, limit int) string {
	if len(cast) > limit {
		cast = cast[:limit]
	}
	names := make([]string, len(cast))
	for i, c := range cast {
		if c.Character != "" {
			names[i] = fmt.Sprintf("%s as %s", c.Name, c.Character)
		} else {
			names[i] = c.Name
		}
	}
	return strings.Join(names, ", ")
}

func titleSummary(found []tmdb.Movie, limit int) string {
	if len(found) > limit {
		found = found[:limit]
	}
	titles := make([]string, len(found))
	for i, m := range found {
		titles[i] = movieTitle(m)
	}
	return strings.Join(titles, ", ")
}
