// Package tools exposes the sandbox to the reasoning engine: running
// commands, writing files, and reading skills. Every failure is reported
// as result text so the model can react to it; errors never escape a
// dispatch.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"persona/internal/agent"
	"persona/internal/logging"
	"persona/internal/sandbox"
)

// Execer is the sandbox surface the tools need.
type Execer interface {
	Exec(ctx context.Context, command string) (sandbox.Output, error)
	WriteFile(ctx context.Context, path, content string) (int, error)
}

// SkillReader resolves a skill name to its instructions.
type SkillReader interface {
	Read(name string) (string, error)
}

// Registry implements agent.ToolExecutor over a sandbox bridge and an
// optional skill reader.
type Registry struct {
	bridge Execer
	skills SkillReader
}

// New builds a Registry. skills may be nil when no skills directory is
// configured; the load_skill tool is then omitted.
func New(bridge Execer, skills SkillReader) *Registry {
	return &Registry{bridge: bridge, skills: skills}
}

// Definitions lists the tools advertised to the model.
func (r *Registry) Definitions() []agent.ToolDefinition {
	defs := []agent.ToolDefinition{
		{
			Name:        "run_cmd",
			Description: "Run a bash command inside the sandbox container and return its output.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"cmd": {"type": "string", "description": "The bash command to run"}
				},
				"required": ["cmd"]
			}`),
		},
		{
			Name:        "save_text_file",
			Description: "Write a text file inside the sandbox container at the given absolute path.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "Absolute path to write to"},
					"file_body": {"type": "string", "description": "Full file contents"}
				},
				"required": ["path", "file_body"]
			}`),
		},
	}
	if r.skills != nil {
		defs = append(defs, agent.ToolDefinition{
			Name:        "load_skill",
			Description: "Load a skill's instructions by name before using it.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"skill": {"type": "string", "description": "Name of the skill to load"}
				},
				"required": ["skill"]
			}`),
		})
	}
	return defs
}

// Dispatch runs one tool call and returns its textual result.
func (r *Registry) Dispatch(ctx context.Context, name string, args json.RawMessage) string {
	switch name {
	case "run_cmd":
		return r.runCmd(ctx, args)
	case "save_text_file":
		return r.saveTextFile(ctx, args)
	case "load_skill":
		return r.loadSkill(args)
	default:
		logging.EngineDebug("unknown tool requested: %s", name)
		return fmt.Sprintf("Unknown tool: %s", name)
	}
}

func (r *Registry) runCmd(ctx context.Context, args json.RawMessage) string {
	var req struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(args, &req); err != nil || req.Cmd == "" {
		return "Error: run_cmd requires a 'cmd' string argument"
	}

	out, err := r.bridge.Exec(ctx, req.Cmd)
	if err != nil {
		logging.SandboxError("run_cmd failed: %v", err)
		return fmt.Sprintf("Error: %v", err)
	}
	return out.Combined()
}

func (r *Registry) saveTextFile(ctx context.Context, args json.RawMessage) string {
	var req struct {
		Path     string `json:"path"`
		FileBody string `json:"file_body"`
	}
	if err := json.Unmarshal(args, &req); err != nil || req.Path == "" {
		return "Error: save_text_file requires 'path' and 'file_body' arguments"
	}

	n, err := r.bridge.WriteFile(ctx, req.Path, req.FileBody)
	if err != nil {
		logging.SandboxError("save_text_file failed: %v", err)
		return fmt.Sprintf("Error: %v", err)
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", n, req.Path)
}

func (r *Registry) loadSkill(args json.RawMessage) string {
	if r.skills == nil {
		return "Error: no skills are configured"
	}
	var req struct {
		Skill string `json:"skill"`
	}
	if err := json.Unmarshal(args, &req); err != nil || req.Skill == "" {
		return "Error: load_skill requires a 'skill' string argument"
	}

	body, err := r.skills.Read(req.Skill)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return fmt.Sprintf("Reading: %s\nBase directory: /skills\n%s\nSkill read: %s", req.Skill, body, req.Skill)
}
