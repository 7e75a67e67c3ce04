package vlm

import (
	"encoding/json"
	"regexp"
	"strings"

	"vigil/internal/pipeline"
)

var (
	fencedJSONRe = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")
	mcpBlockRe   = regexp.MustCompile(`(?s)<use_mcp_tool>(.*?)</use_mcp_tool>`)
	toolNameRe   = regexp.MustCompile(`(?s)<tool_name>(.*?)</tool_name>`)
	argumentsRe  = regexp.MustCompile(`(?s)<arguments>(.*?)</arguments>`)
	reasonRe     = regexp.MustCompile(`(?s)<reason>(.*?)</reason>`)
)

// Parse turns raw model text into an Analysis. Parsing is total: the scene
// defaults to zero values when the payload is malformed, with the reason in
// ParseErr. Prose before a fenced JSON block is kept as the conversational
// reply.
func Parse(raw string) *pipeline.Analysis {
	a := &pipeline.Analysis{
		Raw:   raw,
		Scene: &pipeline.SceneResult{},
	}

	payload, prelude := extractJSON(raw)
	a.AIResponse = prelude

	switch {
	case payload == "":
		a.ParseErr = "no JSON payload in response"
		if a.AIResponse == "" {
			a.AIResponse = strings.TrimSpace(raw)
		}
	default:
		if err := json.Unmarshal([]byte(payload), a.Scene); err != nil {
			a.ParseErr = err.Error()
			a.Scene = &pipeline.SceneResult{}
		}
	}

	a.MCPIntent = parseMCPIntent(raw)
	return a
}

// extractJSON splits raw into a JSON payload and any non-JSON prelude.
// A fenced ```json block wins; otherwise the outermost braces are used.
func extractJSON(raw string) (payload, prelude string) {
	if m := fencedJSONRe.FindStringSubmatchIndex(raw); m != nil {
		payload = raw[m[2]:m[3]]
		prelude = strings.TrimSpace(raw[:m[0]])
		return payload, prelude
	}

	i := strings.Index(raw, "{")
	j := strings.LastIndex(raw, "}")
	if i >= 0 && j > i {
		payload = raw[i : j+1]
		prelude = strings.TrimSpace(raw[:i])
	}
	return payload, prelude
}

// parseMCPIntent extracts the tool-call block the model may embed in its
// answer. This only parses intent; execution belongs to the control bridge.
func parseMCPIntent(raw string) *pipeline.MCPResult {
	m := mcpBlockRe.FindStringSubmatch(raw)
	if m == nil {
		return nil
	}
	block := m[1]

	intent := &pipeline.MCPResult{
		ToolName: tagText(toolNameRe, block),
		Reason:   tagText(reasonRe, block),
	}
	if intent.ToolName == "" {
		return nil
	}
	if args := tagText(argumentsRe, block); args != "" {
		// Arguments stay nil when the model emits broken JSON.
		_ = json.Unmarshal([]byte(args), &intent.Arguments)
	}
	return intent
}

func tagText(re *regexp.Regexp, block string) string {
	m := re.FindStringSubmatch(block)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}
