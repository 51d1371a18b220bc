// Package tools defines the tools available to the quoting assistant.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/creatorops/quotient/internal/catalog"
	"github.com/creatorops/quotient/internal/fetch"
	"github.com/creatorops/quotient/internal/rates"
	"github.com/creatorops/quotient/internal/search"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Registry holds available tools and the adapters they call into.
type Registry struct {
	tools   map[string]*Tool
	catalog *catalog.Client
	rates   *rates.Client
	search  *search.Manager
	fetcher *fetch.Fetcher
	logger  *slog.Logger
}

// NewRegistry creates a tool registry. The search manager and fetcher
// may be nil; their tools are then not registered, and the model never
// sees them.
func NewRegistry(cat *catalog.Client, rc *rates.Client, sm *search.Manager, f *fetch.Fetcher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:   make(map[string]*Tool),
		catalog: cat,
		rates:   rc,
		search:  sm,
		fetcher: f,
		logger:  logger,
	}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	if r.catalog != nil {
		r.Register(&Tool{
			Name:        "get_pricing",
			Description: "Get the current service pricing document. Always call this before quoting a price; never quote from memory.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			Handler: r.handleGetPricing,
		})
	}

	if r.rates != nil {
		r.Register(&Tool{
			Name:        "convert_currency",
			Description: "Convert an amount between currencies using live exchange rates. Use when the customer asks for a price in a currency other than GBP.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"amount": map[string]any{
						"type":        "number",
						"description": "The amount to convert",
					},
					"from_currency": map[string]any{
						"type":        "string",
						"description": "ISO 4217 source currency code (e.g., GBP)",
					},
					"to_currency": map[string]any{
						"type":        "string",
						"description": "ISO 4217 target currency code (e.g., USD)",
					},
				},
				"required": []string{"amount", "from_currency", "to_currency"},
			},
			Handler: r.handleConvertCurrency,
		})
	}

	if r.search != nil && r.search.Configured() {
		r.Register(&Tool{
			Name:        "web_search",
			Description: "Search the web for current information. Use for questions the pricing document cannot answer.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query",
					},
					"count": map[string]any{
						"type":        "integer",
						"description": "Maximum number of results (default 5)",
					},
				},
				"required": []string{"query"},
			},
			Handler: r.handleWebSearch,
		})
	}

	if r.fetcher != nil {
		r.Register(&Tool{
			Name:        "fetch_page",
			Description: "Fetch a web page and return its readable text content. Use to read a page found via web_search.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "The URL to fetch",
					},
				},
				"required": []string{"url"},
			},
			Handler: r.handleFetchPage,
		})
	}
}

// Register adds a tool to the registry, replacing any tool with the
// same name.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// List returns all tool definitions in the shape the LLM API expects.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, t := range r.tools {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs a tool by name with decoded arguments. Argument
// validation happens here so handlers can assume required keys exist
// with the declared types. All failures come back as *Error with a
// classification the reasoning loop can act on.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if err := validateArgs(tool, args); err != nil {
		return "", err
	}

	result, err := tool.Handler(ctx, args)
	if err != nil {
		return "", err
	}
	return result, nil
}

// validateArgs checks required parameters and their declared types
// against the tool's JSON schema.
func validateArgs(tool *Tool, args map[string]any) error {
	required, _ := tool.Parameters["required"].([]string)
	for _, key := range required {
		if _, ok := args[key]; !ok {
			return invalidf(tool.Name, "missing required parameter %q", key)
		}
	}

	props, _ := tool.Parameters["properties"].(map[string]any)
	for key, val := range args {
		schema, ok := props[key].(map[string]any)
		if !ok {
			continue
		}
		want, _ := schema["type"].(string)
		if want == "" {
			continue
		}
		if !typeMatches(want, val) {
			return invalidf(tool.Name, "parameter %q: expected %s, got %T", key, want, val)
		}
	}
	return nil
}

// typeMatches checks a decoded JSON value against a schema type name.
// JSON numbers decode as float64, so "integer" additionally requires a
// whole value.
func typeMatches(want string, val any) bool {
	switch want {
	case "string":
		_, ok := val.(string)
		return ok
	case "number":
		_, ok := val.(float64)
		return ok
	case "integer":
		f, ok := val.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := val.(bool)
		return ok
	case "object":
		_, ok := val.(map[string]any)
		return ok
	case "array":
		_, ok := val.([]any)
		return ok
	default:
		return true
	}
}

// Tool handlers

func (r *Registry) handleGetPricing(ctx context.Context, _ map[string]any) (string, error) {
	snap, err := r.catalog.FetchPricing(ctx)
	if err != nil {
		return "", classify("get_pricing", err)
	}
	return snap.Text, nil
}

func (r *Registry) handleConvertCurrency(ctx context.Context, args map[string]any) (string, error) {
	amount, _ := args["amount"].(float64)
	from, _ := args["from_currency"].(string)
	to, _ := args["to_currency"].(string)

	conv, err := r.rates.Convert(ctx, amount, strings.ToUpper(from), strings.ToUpper(to))
	if err != nil {
		return "", classify("convert_currency", err)
	}
	return conv.String(), nil
}

func (r *Registry) handleWebSearch(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return "", invalidf("web_search", "query must not be empty")
	}

	opts := search.Options{}
	if count, ok := args["count"].(float64); ok {
		opts.Count = int(count)
	}

	results, err := r.search.Search(ctx, query, opts)
	if err != nil {
		return "", classify("web_search", err)
	}
	if len(results) == 0 {
		return "No results found.", nil
	}
	return search.FormatResults(results), nil
}

func (r *Registry) handleFetchPage(ctx context.Context, args map[string]any) (string, error) {
	rawURL, _ := args["url"].(string)
	if strings.TrimSpace(rawURL) == "" {
		return "", invalidf("fetch_page", "url must not be empty")
	}

	page, err := r.fetcher.Fetch(ctx, rawURL, fetch.DefaultMaxChars)
	if err != nil {
		return "", classify("fetch_page", err)
	}

	var b strings.Builder
	if page.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n\n", page.Title)
	}
	b.WriteString(page.Content)
	if page.Truncated {
		b.WriteString("\n\n[content truncated]")
	}
	return b.String(), nil
}
