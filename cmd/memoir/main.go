// memoir is the memory pipeline daemon. It serves the pipeline's external
// interface as MCP tools over stdio: the chat frontend feeds finished
// exchanges in and polls processing status; everything downstream (gate,
// retrieval analysis, urgent injection, store writing) runs asynchronously.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/softsense/memoir/internal/agent"
	"github.com/softsense/memoir/internal/embedding"
	"github.com/softsense/memoir/internal/gate"
	"github.com/softsense/memoir/internal/pipeline"
	"github.com/softsense/memoir/internal/settings"
	"github.com/softsense/memoir/internal/store"
	"github.com/softsense/memoir/internal/types"
)

var (
	pipe *pipeline.Pipeline
	sets *settings.Store
)

func main() {
	if err := godotenv.Load(); err == nil {
		log.Println("[config] Loaded .env file")
	}

	statePath := os.Getenv("MEMOIR_STATE")
	if statePath == "" {
		statePath = "state"
	}
	claudeModel := os.Getenv("CLAUDE_MODEL")
	ollamaURL := os.Getenv("OLLAMA_URL")
	embedModel := os.Getenv("OLLAMA_EMBED_MODEL")
	policyPath := os.Getenv("MEMOIR_GATE_POLICY")
	if policyPath == "" {
		policyPath = filepath.Join(statePath, "gate.yaml")
	}

	os.MkdirAll(statePath, 0755)

	st, err := store.Open(statePath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	embedder := embedding.NewClient(ollamaURL, embedModel)
	st.SetEmbedder(embedder)

	policy, err := gate.LoadPolicy(policyPath)
	if err != nil {
		log.Printf("Warning: bad gate policy, using defaults: %v", err)
		policy = gate.DefaultPolicy()
	}

	mcpConfig, err := writeMCPConfig(statePath)
	if err != nil {
		log.Fatalf("Failed to write MCP config: %v", err)
	}

	runner := &agent.CLIRunner{
		Model:     claudeModel,
		WorkDir:   statePath,
		MCPConfig: mcpConfig,
		Timeout:   5 * time.Minute,
	}

	sets = settings.Open(statePath)

	pipe = pipeline.New(pipeline.Config{
		StatePath:      statePath,
		Store:          st,
		Gate:           gate.New(policy),
		Runner:         runner,
		Settings:       sets,
		Generator:      embedder,
		ThrottleOnLoad: os.Getenv("MEMOIR_THROTTLE") != "false",
	})
	pipe.Start()
	defer pipe.Shutdown()

	s := server.NewMCPServer(
		"memoir",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.AddTool(feedTool(), handleFeed)
	s.AddTool(statusTool(), handleStatus)
	s.AddTool(preSearchTool(), handlePreSearch)
	s.AddTool(urgentTool(), handleUrgent)
	s.AddTool(traceTool(), handleTrace)
	s.AddTool(limitsTool(), handleLimits)
	s.AddTool(resetTool(), handleReset)

	log.Println("[main] Pipeline started, serving stdio")
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

// writeMCPConfig emits the config handed to agent sessions so they can
// reach the store through the memoir-mcp binary next to this one.
func writeMCPConfig(statePath string) (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	cfg := map[string]any{
		"mcpServers": map[string]any{
			"memoir": map[string]any{
				"command": filepath.Join(filepath.Dir(exe), "memoir-mcp"),
				"env":     map[string]string{"MEMOIR_STATE": statePath},
			},
		},
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(statePath, "system", "mcp-config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

func feedTool() mcp.Tool {
	return mcp.NewTool("feed_exchange",
		mcp.WithDescription("Submit one finished exchange (user turn + assistant reply) for background memory processing. Returns immediately."),
		mcp.WithString("channel", mcp.Required(), mcp.Description("Source channel, e.g. discord or cli")),
		mcp.WithString("conversation", mcp.Required(), mcp.Description("Human-readable conversation name")),
		mcp.WithString("conversation_id", mcp.Description("Stable conversation identifier, if the channel has one")),
		mcp.WithString("user_message", mcp.Required(), mcp.Description("The user's turn")),
		mcp.WithString("assistant_response", mcp.Required(), mcp.Description("The assistant's reply")),
	)
}

func handleFeed(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	channel, _ := args["channel"].(string)
	conversation, _ := args["conversation"].(string)
	conversationID, _ := args["conversation_id"].(string)
	userMessage, _ := args["user_message"].(string)
	assistantResponse, _ := args["assistant_response"].(string)

	pipe.FeedExchange(&types.Exchange{
		Channel:          channel,
		ConversationName: conversation,
		ConversationID:   conversationID,
		UserMessage:      userMessage,
		AssistantReply:   assistantResponse,
	})
	return mcp.NewToolResultText("queued"), nil
}

func statusTool() mcp.Tool {
	return mcp.NewTool("get_processing_status",
		mcp.WithDescription("Report whether the pipeline is busy: writer activity, queued batches, in-flight retrieval analyses."),
	)
}

func handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := pipe.GetProcessingStatus()
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func preSearchTool() mcp.Tool {
	return mcp.NewTool("run_pre_search",
		mcp.WithDescription("Synchronously search memory for a just-arrived user message, reformulating the query when direct results are weak. Returns rendered context for prompt injection."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Raw user message text")),
	)
}

func handlePreSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	text, _ := args["text"].(string)

	result := pipe.RunPreSearch(text)
	if result == "" {
		return mcp.NewToolResultText("no relevant memory"), nil
	}
	return mcp.NewToolResultText(result), nil
}

func urgentTool() mcp.Tool {
	return mcp.NewTool("get_urgent",
		mcp.WithDescription("Consume any pending urgent memory findings for a conversation. Findings are deleted once read."),
		mcp.WithString("conversation", mcp.Required(), mcp.Description("Conversation key")),
	)
}

func handleUrgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	conversation, _ := args["conversation"].(string)

	content := pipe.ConsumeUrgent(conversation)
	if content == "" {
		return mcp.NewToolResultText("nothing pending"), nil
	}
	return mcp.NewToolResultText(content), nil
}

func traceTool() mcp.Tool {
	return mcp.NewTool("query_trace",
		mcp.WithDescription("Fetch recent pipeline trace records, optionally filtered to one conversation."),
		mcp.WithNumber("limit", mcp.Description("Max records (default 20)")),
		mcp.WithString("conversation", mcp.Description("Only records for this conversation")),
	)
}

func handleTrace(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	limit := 20
	if v, ok := args["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}
	conversation, _ := args["conversation"].(string)

	records, err := pipe.QueryTrace(limit, conversation)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func limitsTool() mcp.Tool {
	return mcp.NewTool("set_limits",
		mcp.WithDescription("Adjust context document limits. Omitted fields keep their current value; out-of-range values are clamped."),
		mcp.WithNumber("category_cap", mcp.Description("Max entries rendered per category (1-50)")),
		mcp.WithNumber("relation_depth", mcp.Description("Relation hops expanded under each entry (0-4)")),
		mcp.WithNumber("timeline_window_days", mcp.Description("Timeline window in days either side of now (1-90)")),
	)
}

func handleLimits(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)

	l := sets.Get()
	if v, ok := args["category_cap"].(float64); ok {
		l.CategoryCap = int(v)
	}
	if v, ok := args["relation_depth"].(float64); ok {
		l.RelationDepth = int(v)
	}
	if v, ok := args["timeline_window_days"].(float64); ok {
		l.TimelineWindowDays = int(v)
	}
	applied, err := sets.Set(l)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, _ := json.Marshal(applied)
	return mcp.NewToolResultText(string(data)), nil
}

func resetTool() mcp.Tool {
	return mcp.NewTool("reset",
		mcp.WithDescription("Wipe all memory state: entries, relations, context document, urgent files, traces, continuity. Waits for in-flight work to settle first."),
	)
}

func handleReset(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := pipe.Reset(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("memory reset"), nil
}
