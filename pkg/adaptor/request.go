package adaptor

import (
	"encoding/json"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/duogate/duogate/internal/protocol"
)

// ConvertOpenAIToAnthropicRequest maps an OpenAI chat completion request
// onto the Anthropic Messages schema. model is the resolved upstream model
// name; defaultMaxTokens fills in when the client set no completion budget.
func ConvertOpenAIToAnthropicRequest(req *protocol.ChatCompletionRequest, model string, defaultMaxTokens int) *protocol.MessagesRequest {
	out := &protocol.MessagesRequest{
		Model:  model,
		Stream: req.Stream,
	}

	var systemBlocks []protocol.ContentPart
	for i := range req.Messages {
		msg := &req.Messages[i]
		switch msg.Role {
		case protocol.RoleSystem:
			systemBlocks = append(systemBlocks, systemBlocksOf(msg)...)

		case protocol.RoleTool:
			// Tool results travel as user messages on the Anthropic side.
			out.Messages = append(out.Messages, toolResultMessage(msg))

		case protocol.RoleAssistant:
			out.Messages = append(out.Messages, assistantMessage(msg))

		default:
			out.Messages = append(out.Messages, protocol.Message{
				Role:    protocol.RoleUser,
				Content: protocol.PartsContent(contentBlocksOrEmpty(msg.Content)...),
			})
		}
	}
	if len(systemBlocks) > 0 {
		out.System = &protocol.SystemPrompt{Blocks: systemBlocks}
	}

	if mt := req.EffectiveMaxTokens(); mt > 0 {
		out.MaxTokens = mt
	} else {
		out.MaxTokens = defaultMaxTokens
	}
	out.Temperature = req.Temperature
	out.TopP = req.TopP
	if req.Stop != nil && len(req.Stop.Values) > 0 {
		out.StopSequences = append([]string(nil), req.Stop.Values...)
	}
	if len(req.Tools) > 0 {
		out.Tools = ConvertOpenAIToAnthropicTools(req.Tools)
	}
	if len(req.ToolChoice) > 0 {
		out.ToolChoice = ConvertOpenAIToAnthropicToolChoice(req.ToolChoice)
	}
	return out
}

// systemBlocksOf flattens one system message into text blocks: a string
// yields one block, list content contributes its text parts in order.
func systemBlocksOf(msg *protocol.Message) []protocol.ContentPart {
	if msg.Content.IsString() {
		if *msg.Content.Text == "" {
			return nil
		}
		return []protocol.ContentPart{protocol.TextPart(*msg.Content.Text)}
	}
	var blocks []protocol.ContentPart
	for i := range msg.Content.Parts {
		if part := &msg.Content.Parts[i]; part.Type == protocol.PartText && part.Text != "" {
			blocks = append(blocks, protocol.TextPart(part.Text))
		}
	}
	return blocks
}

func assistantMessage(msg *protocol.Message) protocol.Message {
	var parts []protocol.ContentPart
	if !msg.Content.IsEmpty() {
		parts = contentBlocks(msg.Content)
	}
	for i := range msg.ToolCalls {
		parts = append(parts, toolUsePart(&msg.ToolCalls[i]))
	}
	if len(parts) == 0 {
		parts = []protocol.ContentPart{protocol.TextPart("")}
	}
	return protocol.Message{Role: protocol.RoleAssistant, Content: protocol.PartsContent(parts...)}
}

func toolUsePart(tc *protocol.ToolCall) protocol.ContentPart {
	input := json.RawMessage(tc.Function.Arguments)
	if len(input) == 0 || !json.Valid(input) {
		quoted, _ := json.Marshal(tc.Function.Arguments)
		input = quoted
	}
	return protocol.ContentPart{
		Type:  protocol.PartToolUse,
		ID:    tc.ID,
		Name:  tc.Function.Name,
		Input: input,
	}
}

func toolResultMessage(msg *protocol.Message) protocol.Message {
	var content json.RawMessage
	if msg.Content.IsString() {
		content, _ = json.Marshal(*msg.Content.Text)
	} else if len(msg.Content.Parts) > 0 {
		content, _ = json.Marshal(msg.Content.Parts)
	}
	return protocol.Message{
		Role: protocol.RoleUser,
		Content: protocol.PartsContent(protocol.ContentPart{
			Type:      protocol.PartToolResult,
			ToolUseID: msg.ToolCallID,
			Content:   content,
		}),
	}
}

// contentBlocksOrEmpty normalizes empty content to a single empty text
// block so the upstream always sees a non-empty content array.
func contentBlocksOrEmpty(content protocol.MessageContent) []protocol.ContentPart {
	blocks := contentBlocks(content)
	if len(blocks) == 0 {
		blocks = []protocol.ContentPart{protocol.TextPart("")}
	}
	return blocks
}

// contentBlocks maps OpenAI content onto Anthropic blocks. Image parts
// with undecodable data URLs are dropped rather than failing the request;
// unknown part kinds are JSON-stringified into text blocks.
func contentBlocks(content protocol.MessageContent) []protocol.ContentPart {
	if content.IsString() {
		if *content.Text == "" {
			return nil
		}
		return []protocol.ContentPart{protocol.TextPart(*content.Text)}
	}

	var blocks []protocol.ContentPart
	for i := range content.Parts {
		part := &content.Parts[i]
		switch part.Type {
		case protocol.PartText:
			blocks = append(blocks, protocol.TextPart(part.Text))

		case protocol.PartImage, protocol.PartInputImage:
			// Already Anthropic-shaped; keep the source as-is.
			if part.Source != nil {
				blocks = append(blocks, protocol.ContentPart{Type: protocol.PartImage, Source: part.Source})
			}

		case protocol.PartImageURL:
			if part.ImageURL == nil || part.ImageURL.URL == "" {
				continue
			}
			if block, ok := imageBlockFromURL(part.ImageURL.URL); ok {
				blocks = append(blocks, block)
			}

		case protocol.PartThinking:
			blocks = append(blocks, *part)

		default:
			if text := stringifyPart(part); text != "" {
				blocks = append(blocks, protocol.TextPart(text))
			}
		}
	}
	return blocks
}

func imageBlockFromURL(rawURL string) (protocol.ContentPart, bool) {
	if strings.HasPrefix(rawURL, "data:") {
		mediaType, data, ok := ParseDataURL(rawURL)
		if !ok {
			logrus.Debug("dropping image part with invalid data URL")
			return protocol.ContentPart{}, false
		}
		return protocol.ContentPart{
			Type:   protocol.PartImage,
			Source: &protocol.ImageSource{Type: "base64", MediaType: mediaType, Data: data},
		}, true
	}
	return protocol.ContentPart{
		Type:   protocol.PartImage,
		Source: &protocol.ImageSource{Type: "url", URL: rawURL},
	}, true
}

func stringifyPart(part *protocol.ContentPart) string {
	if raw := part.Raw(); len(raw) > 0 {
		return string(raw)
	}
	data, err := json.Marshal(part)
	if err != nil {
		return ""
	}
	return string(data)
}

// ConvertOpenAIToAnthropicTools maps function-tool declarations; the
// OpenAI parameters schema becomes the Anthropic input_schema unchanged.
func ConvertOpenAIToAnthropicTools(tools []protocol.OpenAITool) []protocol.Tool {
	out := make([]protocol.Tool, 0, len(tools))
	for i := range tools {
		fn := tools[i].Function
		if fn.Name == "" {
			continue
		}
		out = append(out, protocol.Tool{
			Name:        fn.Name,
			Description: fn.Description,
			InputSchema: fn.Parameters,
		})
	}
	return out
}

// ConvertOpenAIToAnthropicToolChoice maps the tool_choice union: the
// string forms and the {"function":{"name":…}} object form.
func ConvertOpenAIToAnthropicToolChoice(raw json.RawMessage) json.RawMessage {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "none":
			return json.RawMessage(`{"type":"none"}`)
		case "required", "any":
			return json.RawMessage(`{"type":"any"}`)
		default:
			return json.RawMessage(`{"type":"auto"}`)
		}
	}
	if name := gjson.GetBytes(raw, "function.name"); name.String() != "" {
		choice, _ := json.Marshal(map[string]string{"type": "tool", "name": name.String()})
		return choice
	}
	return json.RawMessage(`{"type":"auto"}`)
}

// ConvertAnthropicToOpenAIRequest maps an Anthropic Messages request onto
// the OpenAI chat schema of the vision-family upstream. That dialect takes
// message content as a single string, so multi-part content is flattened:
// text parts and image references joined with spaces.
func ConvertAnthropicToOpenAIRequest(req *protocol.MessagesRequest, model string) *protocol.ChatCompletionRequest {
	out := &protocol.ChatCompletionRequest{
		Model:     model,
		Stream:    req.Stream,
		MaxTokens: req.MaxTokens,
	}

	// The system field splits back into leading system messages, one per
	// block, preserving the merge count from the opposite direction.
	if req.System != nil {
		if req.System.Text != nil {
			out.Messages = append(out.Messages, protocol.Message{
				Role:    protocol.RoleSystem,
				Content: protocol.TextContent(*req.System.Text),
			})
		}
		for i := range req.System.Blocks {
			if block := &req.System.Blocks[i]; block.Type == protocol.PartText {
				out.Messages = append(out.Messages, protocol.Message{
					Role:    protocol.RoleSystem,
					Content: protocol.TextContent(block.Text),
				})
			}
		}
	}

	for i := range req.Messages {
		out.Messages = append(out.Messages, convertAnthropicMessage(&req.Messages[i])...)
	}

	out.Temperature = req.Temperature
	out.TopP = req.TopP
	if len(req.StopSequences) > 0 {
		out.Stop = &protocol.StopSequences{Values: append([]string(nil), req.StopSequences...)}
	}
	if len(req.Tools) > 0 {
		out.Tools = ConvertAnthropicToOpenAITools(req.Tools)
	}
	return out
}

// convertAnthropicMessage yields the OpenAI rendition of one Anthropic
// message: flattened string content, tool_use blocks as envelope tool
// calls, tool_result blocks as separate tool-role messages.
func convertAnthropicMessage(msg *protocol.Message) []protocol.Message {
	if msg.Content.IsString() {
		return []protocol.Message{{Role: msg.Role, Content: protocol.TextContent(*msg.Content.Text)}}
	}

	var (
		pieces      []string
		toolCalls   []protocol.ToolCall
		toolResults []protocol.Message
	)
	for i := range msg.Content.Parts {
		part := &msg.Content.Parts[i]
		switch part.Type {
		case protocol.PartText:
			if part.Text != "" {
				pieces = append(pieces, part.Text)
			}

		case protocol.PartImage, protocol.PartInputImage:
			if part.Source == nil {
				continue
			}
			switch {
			case part.Source.URL != "":
				pieces = append(pieces, part.Source.URL)
			case part.Source.Data != "":
				pieces = append(pieces, "data:"+part.Source.MediaType+";base64,"+part.Source.Data)
			}

		case protocol.PartImageURL:
			if part.ImageURL != nil && part.ImageURL.URL != "" {
				pieces = append(pieces, part.ImageURL.URL)
			}

		case protocol.PartToolUse:
			toolCalls = append(toolCalls, protocol.ToolCall{
				ID:   part.ID,
				Type: "function",
				Function: protocol.ToolCallFunction{
					Name:      part.Name,
					Arguments: string(part.Input),
				},
			})

		case protocol.PartToolResult:
			toolResults = append(toolResults, protocol.Message{
				Role:       protocol.RoleTool,
				Content:    protocol.TextContent(toolResultText(part.Content)),
				ToolCallID: part.ToolUseID,
			})
		}
	}

	var out []protocol.Message
	flat := strings.Join(pieces, " ")
	if flat != "" || len(toolCalls) > 0 || len(toolResults) == 0 {
		m := protocol.Message{Role: msg.Role, Content: protocol.TextContent(flat)}
		m.ToolCalls = toolCalls
		out = append(out, m)
	}
	return append(out, toolResults...)
}

func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []protocol.ContentPart
	if err := json.Unmarshal(raw, &parts); err == nil {
		var pieces []string
		for i := range parts {
			if parts[i].Type == protocol.PartText && parts[i].Text != "" {
				pieces = append(pieces, parts[i].Text)
			}
		}
		if len(pieces) > 0 {
			return strings.Join(pieces, "\n")
		}
	}
	return string(raw)
}

// ConvertAnthropicToOpenAITools is the reverse tool mapping.
func ConvertAnthropicToOpenAITools(tools []protocol.Tool) []protocol.OpenAITool {
	out := make([]protocol.OpenAITool, 0, len(tools))
	for i := range tools {
		out = append(out, protocol.OpenAITool{
			Type: "function",
			Function: protocol.OpenAIToolFunction{
				Name:        tools[i].Name,
				Description: tools[i].Description,
				Parameters:  tools[i].InputSchema,
			},
		})
	}
	return out
}
