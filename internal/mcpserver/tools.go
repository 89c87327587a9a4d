// Package mcpserver registers MCP tools that expose catalog operations.
// It adapts the syncer package to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/curio/internal/models"
	"github.com/alexjbarnes/curio/internal/syncer"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Catalog is the surface the tools need from the sync orchestrator.
// *syncer.Syncer satisfies it.
type Catalog interface {
	LoadCollections(ctx context.Context) ([]models.Collection, error)
	Search(query string, limit int) ([]syncer.SearchResult, error)
	Status(id string) syncer.Status
	Online() bool
}

// RegisterTools adds all catalog tools to the given MCP server.
func RegisterTools(server *mcp.Server, cat Catalog) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "catalog_list_collections",
		Description: "List every collection with metadata (id, name, template, item count, sync status). No item detail. Use this as the first call to get a map of the catalog.",
	}, listCollectionsHandler(cat))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "catalog_get_item",
		Description: "Fetch one item in full: title, rating, notes, every field value and the asset paths for its photo.",
	}, getItemHandler(cat))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "catalog_search",
		Description: "Search collection names, item titles, notes and field values. Case-insensitive with Unicode normalization. Returns matches with what matched.",
	}, searchHandler(cat))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "catalog_sync_status",
		Description: "Report whether the catalog is online and the sync state of a specific entity id (saved-locally, pending, synced or retry).",
	}, syncStatusHandler(cat))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ListCollectionsInput has no parameters.
type ListCollectionsInput struct{}

// GetItemInput holds parameters for catalog_get_item.
type GetItemInput struct {
	CollectionID string `json:"collection_id" jsonschema:"required,id of the collection holding the item"`
	ItemID       string `json:"item_id" jsonschema:"required,id of the item"`
}

// SearchInput holds parameters for catalog_search.
type SearchInput struct {
	Query      string `json:"query" jsonschema:"required,search query"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"maximum number of results, defaults to 20"`
}

// SyncStatusInput holds parameters for catalog_sync_status.
type SyncStatusInput struct {
	ID string `json:"id,omitempty" jsonschema:"entity id to inspect, omit for connectivity only"`
}

// --- Result types ---

// CollectionSummary is one row of catalog_list_collections output.
type CollectionSummary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	TemplateID string `json:"template_id,omitempty"`
	Icon       string `json:"icon,omitempty"`
	ItemCount  int    `json:"item_count"`
	SyncStatus string `json:"sync_status"`
}

// ListCollectionsResult is the output of catalog_list_collections.
type ListCollectionsResult struct {
	Collections []CollectionSummary `json:"collections"`
}

// ItemResult is the output of catalog_get_item.
type ItemResult struct {
	Item       models.Item       `json:"item"`
	Fields     map[string]string `json:"fields,omitempty"`
	SyncStatus string            `json:"sync_status"`
}

// SearchToolResult is the output of catalog_search.
type SearchToolResult struct {
	Results []syncer.SearchResult `json:"results"`
}

// SyncStatusResult is the output of catalog_sync_status.
type SyncStatusResult struct {
	Online bool   `json:"online"`
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
}

// --- Handlers ---

func listCollectionsHandler(cat Catalog) mcp.ToolHandlerFor[ListCollectionsInput, *ListCollectionsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ ListCollectionsInput) (*mcp.CallToolResult, *ListCollectionsResult, error) {
		collections, err := cat.LoadCollections(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &ListCollectionsResult{Collections: make([]CollectionSummary, 0, len(collections))}

		for _, c := range collections {
			result.Collections = append(result.Collections, CollectionSummary{
				ID:         c.ID,
				Name:       c.Name,
				TemplateID: c.TemplateID,
				Icon:       c.Icon,
				ItemCount:  len(c.Items),
				SyncStatus: string(cat.Status(c.ID)),
			})
		}

		return textResult(result), result, nil
	}
}

func getItemHandler(cat Catalog) mcp.ToolHandlerFor[GetItemInput, *ItemResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input GetItemInput) (*mcp.CallToolResult, *ItemResult, error) {
		collections, err := cat.LoadCollections(ctx)
		if err != nil {
			return nil, nil, err
		}

		for _, c := range collections {
			if c.ID != input.CollectionID {
				continue
			}

			for _, it := range c.Items {
				if it.ID != input.ItemID {
					continue
				}

				result := &ItemResult{
					Item:       it,
					SyncStatus: string(cat.Status(it.ID)),
				}

				if len(it.Fields) > 0 {
					result.Fields = make(map[string]string, len(it.Fields))
					for id, v := range it.Fields {
						result.Fields[id] = v.Display()
					}
				}

				return textResult(result), result, nil
			}

			return nil, nil, fmt.Errorf("item %q not found in collection %q", input.ItemID, input.CollectionID)
		}

		return nil, nil, fmt.Errorf("collection %q not found", input.CollectionID)
	}
}

func searchHandler(cat Catalog) mcp.ToolHandlerFor[SearchInput, *SearchToolResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, *SearchToolResult, error) {
		limit := input.MaxResults
		if limit <= 0 {
			limit = 20
		}

		results, err := cat.Search(input.Query, limit)
		if err != nil {
			return nil, nil, err
		}

		result := &SearchToolResult{Results: results}

		return textResult(result), result, nil
	}
}

func syncStatusHandler(cat Catalog) mcp.ToolHandlerFor[SyncStatusInput, *SyncStatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input SyncStatusInput) (*mcp.CallToolResult, *SyncStatusResult, error) {
		result := &SyncStatusResult{Online: cat.Online(), ID: input.ID}

		if input.ID != "" {
			result.Status = string(cat.Status(input.ID))
		}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
