package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/octo/internal/common/logger"
)

// PermissionOption is one choice an agent offers when it requests
// permission to run a tool, stripped of ACP's wire types.
type PermissionOption struct {
	OptionID string
	Name     string
	Kind     string
}

// PermissionRequest is a permission prompt the agent raised mid-turn.
type PermissionRequest struct {
	SessionID  string
	ToolCallID string
	Title      string
	Options    []PermissionOption
}

// PermissionResponse answers a PermissionRequest: either the chosen
// option or Cancelled.
type PermissionResponse struct {
	OptionID  string
	Cancelled bool
}

// PermissionHandler is called when the agent requests permission for
// an action; a nil handler falls back to auto-approving the first
// "allow" option.
type PermissionHandler func(ctx context.Context, req *PermissionRequest) (*PermissionResponse, error)

// acpUpdateHandler receives normalized stream events folded from ACP
// session/update notifications.
type acpUpdateHandler func(Event)

// acpClient implements acp.Client: the callback surface an ACP agent
// calls back into over the same stdio connection (session updates,
// permission prompts, and the workspace file/terminal operations a
// coding agent needs). One acpClient serves exactly one coprocess.
type acpClient struct {
	log           *logger.Logger
	workspaceRoot string

	mu                sync.RWMutex
	updateHandler     acpUpdateHandler
	permissionHandler PermissionHandler
}

func newACPClient(log *logger.Logger, workspaceRoot string, onUpdate acpUpdateHandler, onPermission PermissionHandler) *acpClient {
	return &acpClient{
		log:               log,
		workspaceRoot:     workspaceRoot,
		updateHandler:     onUpdate,
		permissionHandler: onPermission,
	}
}

// RequestPermission handles a permission prompt from the agent: if a
// handler is attached it forwards the request and returns whatever the
// handler selects, otherwise it auto-approves the first allow option
// (or cancels if none exist).
func (c *acpClient) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	if len(p.Options) == 0 {
		c.log.Warn("acp permission request with no options, cancelling")
		return cancelledPermission(), nil
	}

	c.mu.RLock()
	handler := c.permissionHandler
	c.mu.RUnlock()

	if handler == nil {
		return autoApprovePermission(p), nil
	}

	options := make([]PermissionOption, len(p.Options))
	for i, opt := range p.Options {
		options[i] = PermissionOption{OptionID: string(opt.OptionId), Name: opt.Name, Kind: string(opt.Kind)}
	}
	title := ""
	if p.ToolCall.Title != nil {
		title = *p.ToolCall.Title
	}

	resp, err := handler(ctx, &PermissionRequest{
		SessionID:  string(p.SessionId),
		ToolCallID: string(p.ToolCall.ToolCallId),
		Title:      title,
		Options:    options,
	})
	if err != nil {
		c.log.Error("permission handler failed", zap.Error(err))
		return cancelledPermission(), nil
	}
	if resp.Cancelled {
		return cancelledPermission(), nil
	}
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: acp.PermissionOptionId(resp.OptionID)},
		},
	}, nil
}

func cancelledPermission() acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
	}
}

// autoApprovePermission selects the first allow-kind option, falling
// back to whatever option is first when none are explicitly an allow.
func autoApprovePermission(p acp.RequestPermissionRequest) acp.RequestPermissionResponse {
	selected := &p.Options[0]
	for i := range p.Options {
		if p.Options[i].Kind == acp.PermissionOptionKindAllowOnce || p.Options[i].Kind == acp.PermissionOptionKindAllowAlways {
			selected = &p.Options[i]
			break
		}
	}
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: selected.OptionId},
		},
	}
}

// SessionUpdate folds one ACP session/update notification into the
// normalized Event set the Supervisor's Snapshot understands.
func (c *acpClient) SessionUpdate(_ context.Context, n acp.SessionNotification) error {
	c.mu.RLock()
	handler := c.updateHandler
	c.mu.RUnlock()
	if handler == nil {
		return nil
	}

	u := n.Update
	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text != nil {
			handler(Event{Type: "text_delta", Role: "assistant", Delta: u.AgentMessageChunk.Content.Text.Text})
		}
	case u.AgentThoughtChunk != nil:
		if u.AgentThoughtChunk.Content.Text != nil {
			handler(Event{Type: "thinking_delta", Role: "assistant", Delta: u.AgentThoughtChunk.Content.Text.Text})
		}
	case u.ToolCall != nil:
		handler(Event{
			Type:       "tool_call_end",
			Role:       "assistant",
			ToolCallID: string(u.ToolCall.ToolCallId),
			ToolName:   string(u.ToolCall.Kind),
			ToolInput:  u.ToolCall.RawInput,
		})
	case u.ToolCallUpdate != nil:
		status := ""
		if u.ToolCallUpdate.Status != nil {
			status = string(*u.ToolCallUpdate.Status)
		}
		if status == "completed" || status == "failed" {
			handler(Event{
				Type:            "tool_execution_end",
				ToolCallID:      string(u.ToolCallUpdate.ToolCallId),
				ToolResult:      u.ToolCallUpdate.RawOutput,
				ToolResultError: status == "failed",
			})
		}
	}
	return nil
}

// resolvePath makes a relative path relative to the workspace root and
// rejects paths that escape it.
func (c *acpClient) resolvePath(p string) (string, error) {
	var resolved string
	if filepath.IsAbs(p) {
		resolved = filepath.Clean(p)
	} else {
		resolved = filepath.Join(c.workspaceRoot, p)
	}
	root := filepath.Clean(c.workspaceRoot) + string(filepath.Separator)
	if resolved != filepath.Clean(c.workspaceRoot) && !strings.HasPrefix(resolved, root) {
		return "", fmt.Errorf("path %q resolves outside workspace root %q", p, c.workspaceRoot)
	}
	return resolved, nil
}

func (c *acpClient) ReadTextFile(_ context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	path, err := c.resolvePath(p.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	content := string(b)
	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = *p.Line - 1
			if start > len(lines) {
				start = len(lines)
			}
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return acp.ReadTextFileResponse{Content: content}, nil
}

func (c *acpClient) WriteTextFile(_ context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	path, err := c.resolvePath(p.Path)
	if err != nil {
		return acp.WriteTextFileResponse{}, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, err
		}
	}
	return acp.WriteTextFileResponse{}, os.WriteFile(path, []byte(p.Content), 0o644)
}

// Terminal operations are not offered to main-chat coprocesses in this
// deployment: agents run already inside the session's own sandboxed
// workspace and reach a shell through the session's ttyd service
// directly rather than through ACP's terminal RPCs.
func (c *acpClient) CreateTerminal(_ context.Context, _ acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, fmt.Errorf("terminal operations are not supported")
}

func (c *acpClient) KillTerminalCommand(_ context.Context, _ acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, fmt.Errorf("terminal operations are not supported")
}

func (c *acpClient) TerminalOutput(_ context.Context, _ acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, fmt.Errorf("terminal operations are not supported")
}

func (c *acpClient) ReleaseTerminal(_ context.Context, _ acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, fmt.Errorf("terminal operations are not supported")
}

func (c *acpClient) WaitForTerminalExit(_ context.Context, _ acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, fmt.Errorf("terminal operations are not supported")
}

var _ acp.Client = (*acpClient)(nil)
