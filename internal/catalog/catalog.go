// Package catalog provides the pricing catalog adapter.
//
// The catalog is a page in a Notion-style content store: an ordered list
// of rich-text blocks maintained by the creator's team. Each call fetches
// the page fresh (the pricing document is externally mutable); identical
// in-flight calls are collapsed through singleflight so a burst of quote
// requests produces a single upstream fetch.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/creatorops/quotient/internal/httpkit"
	"github.com/creatorops/quotient/internal/upstream"
)

const notionVersion = "2022-06-28"

// DefaultTimeout bounds a single catalog fetch, including the retry.
const DefaultTimeout = 20 * time.Second

// Snapshot is the pricing document at fetch time.
type Snapshot struct {
	// Text is the flattened plain-text rendering fed to the model.
	Text string
	// Blocks is the number of content blocks the page contained.
	Blocks    int
	FetchedAt time.Time
}

// Client reads the pricing document from the content store.
type Client struct {
	baseURL    string
	apiKey     string
	pageID     string
	httpClient *http.Client
	group      singleflight.Group
	logger     *slog.Logger
}

// NewClient creates a catalog client. The shared http.Client (built by
// httpkit with retry enabled) may be nil, in which case a default with
// one transient retry is constructed.
func NewClient(baseURL, apiKey, pageID string, hc *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if hc == nil {
		hc = httpkit.NewClient(
			httpkit.WithTimeout(DefaultTimeout),
			httpkit.WithRetry(0),
		)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		pageID:     pageID,
		httpClient: hc,
		logger:     logger.With("adapter", "catalog"),
	}
}

// blocksResponse is the content store's block-children payload. Only the
// fields we render are decoded; the schema is collaborator-defined and
// unknown fields are ignored.
type blocksResponse struct {
	Results []json.RawMessage `json:"results"`
}

// FetchPricing retrieves the current pricing document. Concurrent calls
// share a single in-flight fetch; every caller receives the same
// snapshot or the same classified error.
func (c *Client) FetchPricing(ctx context.Context) (*Snapshot, error) {
	v, err, shared := c.group.Do("pricing", func() (any, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("pricing fetch deduplicated")
	}
	return v.(*Snapshot), nil
}

func (c *Client) fetch(ctx context.Context) (*Snapshot, error) {
	const op = "catalog.fetch"

	url := fmt.Sprintf("%s/blocks/%s/children", c.baseURL, c.pageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, upstream.Errorf(upstream.InvalidArgument, op, "build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Notion-Version", notionVersion)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, upstream.Classify(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		c.logger.Warn("pricing fetch failed", "status", resp.StatusCode, "body", body)
		return nil, upstream.ClassifyStatus(op, resp.StatusCode, body)
	}

	var br blocksResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return nil, upstream.Errorf(upstream.InvalidArgument, op, "decode response: %v", err)
	}

	text := renderBlocks(br.Results)
	if strings.TrimSpace(text) == "" {
		return nil, upstream.Errorf(upstream.Unavailable, op, "pricing page is empty")
	}

	c.logger.Debug("pricing fetched",
		"blocks", len(br.Results),
		"chars", len(text),
		"duration", time.Since(start),
	)

	return &Snapshot{
		Text:      text,
		Blocks:    len(br.Results),
		FetchedAt: time.Now(),
	}, nil
}

// renderBlocks flattens content blocks into plain text, one block per
// line. Block payloads live under a key named after the block type
// (paragraph, heading_1, bulleted_list_item, ...), each carrying a
// rich_text array.
func renderBlocks(blocks []json.RawMessage) string {
	var sb strings.Builder
	for _, raw := range blocks {
		var block map[string]json.RawMessage
		if err := json.Unmarshal(raw, &block); err != nil {
			continue
		}

		var blockType string
		if err := json.Unmarshal(block["type"], &blockType); err != nil {
			continue
		}

		payload, ok := block[blockType]
		if !ok {
			continue
		}

		var content struct {
			RichText []struct {
				PlainText string `json:"plain_text"`
			} `json:"rich_text"`
		}
		if err := json.Unmarshal(payload, &content); err != nil {
			continue
		}

		var line strings.Builder
		for _, rt := range content.RichText {
			line.WriteString(rt.PlainText)
		}

		text := strings.TrimSpace(line.String())
		if text == "" {
			continue
		}

		switch {
		case strings.HasPrefix(blockType, "heading"):
			sb.WriteString("# ")
		case strings.HasSuffix(blockType, "list_item"):
			sb.WriteString("- ")
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String()
}
