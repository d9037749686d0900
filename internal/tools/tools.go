// Package tools implements the MCP tool surface of the memory service: the
// nine tools, their argument parsing, the shared response wrappers and the
// trending-label scoring.
package tools

import (
	"github.com/chirino/mcp-memory/internal/config"
	"github.com/chirino/mcp-memory/internal/encryption"
	registryembed "github.com/chirino/mcp-memory/internal/registry/embed"
	registrystore "github.com/chirino/mcp-memory/internal/registry/store"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Tools bundles the dependencies shared by every tool handler.
type Tools struct {
	cfg   *config.Config
	store registrystore.MemoryStore
	embed registryembed.Embedder
	enc   *encryption.Encryptor
}

// New wires the tool handlers to their backing services.
func New(cfg *config.Config, store registrystore.MemoryStore, embed registryembed.Embedder, enc *encryption.Encryptor) *Tools {
	return &Tools{cfg: cfg, store: store, embed: embed, enc: enc}
}

// namespaced reports whether clients address memories by per-namespace
// content_id (true) or by internal id (wildcard deployments).
func (t *Tools) namespaced() bool {
	return t.cfg.Namespace != ""
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func integerProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

// Register adds all memory tools to the MCP server.
func (t *Tools) Register(s *server.MCPServer) {
	s.AddTool(mcp.Tool{
		Name:        "store_memory",
		Description: "Store a memory with optional labels and source. Similar existing memories are reported as warnings.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"content": stringProp("The memory text to store"),
				"labels":  stringProp("Comma-separated labels to attach (optional)"),
				"source":  stringProp("Producer of the memory, e.g. an agent name (optional)"),
			},
			Required: []string{"content"},
		},
		Annotations: mcp.ToolAnnotation{
			Title:           "Store Memory",
			ReadOnlyHint:    mcp.ToBoolPtr(false),
			DestructiveHint: mcp.ToBoolPtr(false),
			IdempotentHint:  mcp.ToBoolPtr(false),
			OpenWorldHint:   mcp.ToBoolPtr(false),
		},
	}, t.wrap("store_memory", t.storeMemory))

	s.AddTool(mcp.Tool{
		Name:        "retrieve_memories",
		Description: "Retrieve memories by semantic search and/or label and source filters. A leading '!' on a label or the source excludes it. Without any filters, returns the most recent memories.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"query":       stringProp("Free-text query for semantic search (optional)"),
				"labels":      stringProp("Comma-separated label filters; prefix a term with '!' to exclude (optional)"),
				"source":      stringProp("Source filter; prefix with '!' to exclude (optional)"),
				"num_results": integerProp("Maximum number of memories to return (default 5)"),
			},
		},
		Annotations: mcp.ToolAnnotation{
			Title:          "Retrieve Memories",
			ReadOnlyHint:   mcp.ToBoolPtr(true),
			IdempotentHint: mcp.ToBoolPtr(true),
			OpenWorldHint:  mcp.ToBoolPtr(false),
		},
	}, t.wrap("retrieve_memories", t.retrieveMemories))

	s.AddTool(mcp.Tool{
		Name:        "get_memory",
		Description: "Get a single memory by its id.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"memory_id": integerProp("The memory id"),
			},
			Required: []string{"memory_id"},
		},
		Annotations: mcp.ToolAnnotation{
			Title:          "Get Memory",
			ReadOnlyHint:   mcp.ToBoolPtr(true),
			IdempotentHint: mcp.ToBoolPtr(true),
			OpenWorldHint:  mcp.ToBoolPtr(false),
		},
	}, t.wrap("get_memory", t.getMemory))

	s.AddTool(mcp.Tool{
		Name:        "delete_memory",
		Description: "Delete a memory and its embeddings by id.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"memory_id": integerProp("The memory id to delete"),
			},
			Required: []string{"memory_id"},
		},
		Annotations: mcp.ToolAnnotation{
			Title:           "Delete Memory",
			ReadOnlyHint:    mcp.ToBoolPtr(false),
			DestructiveHint: mcp.ToBoolPtr(true),
			IdempotentHint:  mcp.ToBoolPtr(true),
			OpenWorldHint:   mcp.ToBoolPtr(false),
		},
	}, t.wrap("delete_memory", t.deleteMemory))

	s.AddTool(mcp.Tool{
		Name:        "add_labels",
		Description: "Add labels to an existing memory without replacing the ones it already has.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"memory_id": integerProp("The memory id"),
				"labels":    stringProp("Labels to add: comma-separated or a JSON array"),
			},
			Required: []string{"memory_id", "labels"},
		},
		Annotations: mcp.ToolAnnotation{
			Title:           "Add Labels",
			ReadOnlyHint:    mcp.ToBoolPtr(false),
			DestructiveHint: mcp.ToBoolPtr(false),
			IdempotentHint:  mcp.ToBoolPtr(true),
			OpenWorldHint:   mcp.ToBoolPtr(false),
		},
	}, t.wrap("add_labels", t.addLabels))

	s.AddTool(mcp.Tool{
		Name:        "del_labels",
		Description: "Remove labels from an existing memory. Matching is exact and case-sensitive; unknown labels are ignored.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"memory_id": integerProp("The memory id"),
				"labels":    stringProp("Labels to remove: comma-separated or a JSON array"),
			},
			Required: []string{"memory_id", "labels"},
		},
		Annotations: mcp.ToolAnnotation{
			Title:           "Remove Labels",
			ReadOnlyHint:    mcp.ToBoolPtr(false),
			DestructiveHint: mcp.ToBoolPtr(false),
			IdempotentHint:  mcp.ToBoolPtr(true),
			OpenWorldHint:   mcp.ToBoolPtr(false),
		},
	}, t.wrap("del_labels", t.delLabels))

	s.AddTool(mcp.Tool{
		Name:        "random_memory",
		Description: "Return one random memory, optionally filtered by labels and/or source.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"labels": stringProp("Comma-separated label filters; prefix with '!' to exclude (optional)"),
				"source": stringProp("Source filter; prefix with '!' to exclude (optional)"),
			},
		},
		Annotations: mcp.ToolAnnotation{
			Title:          "Random Memory",
			ReadOnlyHint:   mcp.ToBoolPtr(true),
			IdempotentHint: mcp.ToBoolPtr(false),
			OpenWorldHint:  mcp.ToBoolPtr(false),
		},
	}, t.wrap("random_memory", t.randomMemory))

	s.AddTool(mcp.Tool{
		Name:        "memory_stats",
		Description: "Count memories, optionally scoped by label and source filters.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"labels": stringProp("Comma-separated label filters; prefix with '!' to exclude (optional)"),
				"source": stringProp("Source filter; prefix with '!' to exclude (optional)"),
			},
		},
		Annotations: mcp.ToolAnnotation{
			Title:          "Memory Stats",
			ReadOnlyHint:   mcp.ToBoolPtr(true),
			IdempotentHint: mcp.ToBoolPtr(true),
			OpenWorldHint:  mcp.ToBoolPtr(false),
		},
	}, t.wrap("memory_stats", t.memoryStats))

	s.AddTool(mcp.Tool{
		Name:        "trending_labels",
		Description: "List labels whose tokens have been used most, weighted towards recent activity.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"days":  integerProp("Look-back window in days (default 30)"),
				"limit": integerProp("Maximum number of labels to return (default 10)"),
			},
		},
		Annotations: mcp.ToolAnnotation{
			Title:          "Trending Labels",
			ReadOnlyHint:   mcp.ToBoolPtr(true),
			IdempotentHint: mcp.ToBoolPtr(true),
			OpenWorldHint:  mcp.ToBoolPtr(false),
		},
	}, t.wrap("trending_labels", t.trendingLabels))
}
