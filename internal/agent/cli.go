package agent

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/softsense/memoir/internal/logging"
)

// CLIRunner shells out to the claude CLI in --print stream-json mode.
type CLIRunner struct {
	// Model to use (empty = CLI default)
	Model string
	// WorkDir for the subprocess
	WorkDir string
	// MCPConfig is the path to an MCP server config giving the session its
	// store tools. Empty disables MCP.
	MCPConfig string
	// Timeout bounds one invocation. Zero means no extra bound beyond ctx.
	Timeout time.Duration
}

// streamEvent is one line of claude's stream-json output.
type streamEvent struct {
	Type    string          `json:"type"`
	SubType string          `json:"subtype,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// Invoke runs one claude CLI session to completion.
func (r *CLIRunner) Invoke(ctx context.Context, req Request) Result {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	args := []string{
		"--print",
		"--dangerously-skip-permissions",
		"--output-format", "stream-json",
		"--verbose", // required by claude CLI with --print + stream-json
	}

	sessionID := req.Resume
	if sessionID == "" {
		sessionID = generateSessionUUID()
		args = append(args, "--session-id", sessionID)
	} else {
		args = append(args, "--resume", sessionID)
	}

	if r.Model != "" {
		args = append(args, "--model", r.Model)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if r.MCPConfig != "" {
		args = append(args, "--mcp-config", r.MCPConfig)
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	} else {
		args = append(args, "--allowedTools", "")
	}

	args = append(args, req.Prompt)

	cmd := exec.CommandContext(ctx, "claude", args...)
	if r.WorkDir != "" {
		cmd.Dir = r.WorkDir
	}

	res := Result{SessionID: sessionID}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		res.Err = fmt.Errorf("stdout pipe: %w", err)
		return res
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		res.Err = fmt.Errorf("stderr pipe: %w", err)
		return res
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		res.Err = fmt.Errorf("start claude: %w", err)
		return res
	}
	logging.Debug("agent", "session %s started: %s", sessionID[:8], logging.Truncate(req.Prompt, 80))

	var wg sync.WaitGroup
	var stderrBuf strings.Builder
	wg.Add(2)

	go func() {
		defer wg.Done()
		r.consumeStream(stdout, &res)
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				stderrBuf.WriteString(line + "\n")
			}
		}
	}()

	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			res.Err = fmt.Errorf("agent timed out after %s", r.Timeout)
		} else if stderrBuf.Len() > 0 {
			res.Err = fmt.Errorf("claude exited with error: %w\nstderr: %s", err, stderrBuf.String())
		} else {
			res.Err = fmt.Errorf("claude exited with error: %w", err)
		}
	}
	if res.DurationMs == 0 {
		res.DurationMs = int(time.Since(start).Milliseconds())
	}
	return res
}

// consumeStream parses stream-json lines, accumulating the final text,
// tool-call count, and usage into res.
func (r *CLIRunner) consumeStream(rd io.Reader, res *Result) {
	scanner := bufio.NewScanner(rd)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}

		switch event.Type {
		case "assistant":
			res.ToolCalls += countToolUses(event.Message)

		case "result":
			if event.Result != nil {
				var text string
				if err := json.Unmarshal(event.Result, &text); err == nil {
					res.Text = text
				}
			}
			parseResultUsage([]byte(line), res)
		}
	}
}

// countToolUses counts tool_use blocks in an assistant message.
func countToolUses(message json.RawMessage) int {
	if message == nil {
		return 0
	}
	var msg struct {
		Content []struct {
			Type string `json:"type"`
		} `json:"content"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		return 0
	}
	var n int
	for _, block := range msg.Content {
		if block.Type == "tool_use" {
			n++
		}
	}
	return n
}

// parseResultUsage extracts usage metrics from a raw result event line.
func parseResultUsage(raw []byte, res *Result) {
	var result struct {
		NumTurns   int `json:"num_turns"`
		DurationMs int `json:"duration_ms"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return
	}
	res.Turns = result.NumTurns
	res.DurationMs = result.DurationMs
	res.InputTokens = result.Usage.InputTokens
	res.OutputTokens = result.Usage.OutputTokens
}

// generateSessionUUID creates a random UUID v4
func generateSessionUUID() string {
	b := make([]byte, 16)
	rand.Read(b)
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%12x",
		b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
