// memoir-mcp exposes the entry store as MCP tools over stdio. Agent
// sessions launched by the pipeline get this server via --mcp-config, so
// the same on-disk store (WAL mode) backs both the pipeline and the
// sessions it spawns.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/softsense/memoir/internal/store"
)

var st *store.Store

func main() {
	_ = godotenv.Load()

	statePath := os.Getenv("MEMOIR_STATE")
	if statePath == "" {
		statePath = "state"
	}

	var err error
	st, err = store.Open(statePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	s := server.NewMCPServer(
		"memoir",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.AddTool(searchTool(), handleSearch)
	s.AddTool(getTool(), handleGet)
	s.AddTool(listTool(), handleList)
	s.AddTool(relationsTool(), handleRelations)
	s.AddTool(upsertTool(), handleUpsert)
	s.AddTool(bumpTool(), handleBump)
	s.AddTool(deleteTool(), handleDelete)
	s.AddTool(setStatusTool(), handleSetStatus)
	s.AddTool(addRelationTool(), handleAddRelation)
	s.AddTool(removeRelationTool(), handleRemoveRelation)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

func searchTool() mcp.Tool {
	return mcp.NewTool("search_entries",
		mcp.WithDescription("Hybrid search over the memory store (vector + keyword + fuzzy). Returns matching entry keys with scores."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Free-text search query")),
		mcp.WithNumber("limit", mcp.Description("Max results (default 10)")),
	)
}

func handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	query, _ := args["query"].(string)
	limit := intArg(args, "limit", 10)

	results, err := st.HybridSearch(query, limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(results) == 0 {
		return mcp.NewToolResultText("no matches"), nil
	}

	var sb strings.Builder
	for _, r := range results {
		e, err := st.Get(r.Key)
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "%s [%s, score %.3f]: %s\n", e.Key, e.Category, r.Score, e.Content)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func getTool() mcp.Tool {
	return mcp.NewTool("get_entry",
		mcp.WithDescription("Fetch one entry by key, including its relations."),
		mcp.WithString("key", mcp.Required(), mcp.Description("Entry key")),
	)
}

func handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	key, _ := args["key"].(string)

	e, err := st.Get(key)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rels, _ := st.RelationsFor(key)

	out := map[string]any{"entry": e, "relations": rels}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func listTool() mcp.Tool {
	return mcp.NewTool("list_category",
		mcp.WithDescription("List entries in a category ordered by mention score. Categories: user, preferences, goals, facts, projects, people, timeline."),
		mcp.WithString("category", mcp.Required(), mcp.Description("Category name")),
		mcp.WithNumber("limit", mcp.Description("Max entries (default 20)")),
	)
}

func handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	category, _ := args["category"].(string)
	limit := intArg(args, "limit", 20)

	entries, err := st.ListCategory(store.Category(category), limit, false)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "%s [%s, mentions %d]: %s\n", e.Key, e.Status, e.MentionCount, e.Content)
	}
	if sb.Len() == 0 {
		return mcp.NewToolResultText("empty category"), nil
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func relationsTool() mcp.Tool {
	return mcp.NewTool("get_relations",
		mcp.WithDescription("List all relations touching an entry, in either direction."),
		mcp.WithString("key", mcp.Required(), mcp.Description("Entry key")),
	)
}

func handleRelations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	key, _ := args["key"].(string)

	rels, err := st.RelationsFor(key)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(rels) == 0 {
		return mcp.NewToolResultText("no relations"), nil
	}
	var sb strings.Builder
	for _, r := range rels {
		fmt.Fprintf(&sb, "%s -[%s]-> %s\n", r.SourceKey, r.Type, r.TargetKey)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func upsertTool() mcp.Tool {
	return mcp.NewTool("upsert_entry",
		mcp.WithDescription("Create or fully overwrite an entry. Content must be a complete current-state snapshot, never an appended history."),
		mcp.WithString("category", mcp.Required(), mcp.Description("Category: user, preferences, goals, facts, projects, people, timeline")),
		mcp.WithString("key", mcp.Required(), mcp.Description("Stable slug, unique across categories")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Full replacement content")),
		mcp.WithString("status", mcp.Description("active (default), completed, paused, or stale")),
		mcp.WithString("origin", mcp.Description("user_statement, conversation (default), or inferred")),
		mcp.WithString("origin_summary", mcp.Description("One line on where this came from")),
	)
}

func handleUpsert(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	category, _ := args["category"].(string)
	key, _ := args["key"].(string)
	content, _ := args["content"].(string)
	status, _ := args["status"].(string)
	origin, _ := args["origin"].(string)
	originSummary, _ := args["origin_summary"].(string)

	e, err := st.Upsert(store.Category(category), key, content,
		store.Status(status), store.OriginType(origin), originSummary)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("upserted %s (mentions %d)", e.Key, e.MentionCount)), nil
}

func bumpTool() mcp.Tool {
	return mcp.NewTool("bump_entry",
		mcp.WithDescription("Increment an entry's mention count and touch its timestamp without changing content. Unknown keys are ignored."),
		mcp.WithString("key", mcp.Required(), mcp.Description("Entry key")),
	)
}

func handleBump(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	key, _ := args["key"].(string)
	if err := st.Bump(key); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("bumped " + key), nil
}

func deleteTool() mcp.Tool {
	return mcp.NewTool("delete_entry",
		mcp.WithDescription("Delete an entry. Refused while relations still reference it; remove those first."),
		mcp.WithString("key", mcp.Required(), mcp.Description("Entry key")),
	)
}

func handleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	key, _ := args["key"].(string)

	err := st.Delete(key)
	if rels, ok := store.HasRelations(err); ok {
		var sb strings.Builder
		sb.WriteString("entry still has relations; remove them first:\n")
		for _, r := range rels {
			fmt.Fprintf(&sb, "%s -[%s]-> %s\n", r.SourceKey, r.Type, r.TargetKey)
		}
		return mcp.NewToolResultError(sb.String()), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("deleted " + key), nil
}

func setStatusTool() mcp.Tool {
	return mcp.NewTool("set_status",
		mcp.WithDescription("Change an entry's lifecycle status."),
		mcp.WithString("key", mcp.Required(), mcp.Description("Entry key")),
		mcp.WithString("status", mcp.Required(), mcp.Description("active, completed, paused, or stale")),
	)
}

func handleSetStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	key, _ := args["key"].(string)
	status, _ := args["status"].(string)

	if err := st.SetStatus(key, store.Status(status)); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s is now %s", key, status)), nil
}

func addRelationTool() mcp.Tool {
	return mcp.NewTool("add_relation",
		mcp.WithDescription("Add a directed typed relation between two existing entries. Types: involves, part_of, related_to, depends_on."),
		mcp.WithString("source", mcp.Required(), mcp.Description("Source entry key")),
		mcp.WithString("target", mcp.Required(), mcp.Description("Target entry key")),
		mcp.WithString("type", mcp.Required(), mcp.Description("Relation type")),
	)
}

func handleAddRelation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	source, _ := args["source"].(string)
	target, _ := args["target"].(string)
	relType, _ := args["type"].(string)

	if err := st.AddRelation(source, target, store.RelationType(relType)); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s -[%s]-> %s", source, relType, target)), nil
}

func removeRelationTool() mcp.Tool {
	return mcp.NewTool("remove_relation",
		mcp.WithDescription("Remove a relation triple. Removing a missing relation is a no-op."),
		mcp.WithString("source", mcp.Required(), mcp.Description("Source entry key")),
		mcp.WithString("target", mcp.Required(), mcp.Description("Target entry key")),
		mcp.WithString("type", mcp.Required(), mcp.Description("Relation type")),
	)
}

func handleRemoveRelation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	source, _ := args["source"].(string)
	target, _ := args["target"].(string)
	relType, _ := args["type"].(string)

	if err := st.RemoveRelation(source, target, store.RelationType(relType)); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("removed"), nil
}

func intArg(args map[string]any, name string, def int) int {
	if v, ok := args[name].(float64); ok && v > 0 {
		return int(v)
	}
	return def
}
