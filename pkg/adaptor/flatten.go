package adaptor

import (
	"strings"

	"github.com/duogate/duogate/internal/protocol"
)

// FlattenChatRequest prepares an OpenAI request for the vision-family
// upstream, which takes message content as a single string. Multi-part
// content flattens to text and image references joined with spaces;
// envelope fields (tool_calls, tool_call_id, name) pass through untouched.
// model replaces the client-declared name.
func FlattenChatRequest(req *protocol.ChatCompletionRequest, model string) *protocol.ChatCompletionRequest {
	out := *req
	out.Model = model
	out.Messages = make([]protocol.Message, len(req.Messages))
	for i := range req.Messages {
		msg := req.Messages[i]
		if !msg.Content.IsString() {
			msg.Content = protocol.TextContent(flattenParts(msg.Content.Parts))
		}
		out.Messages[i] = msg
	}
	return &out
}

func flattenParts(parts []protocol.ContentPart) string {
	var pieces []string
	for i := range parts {
		part := &parts[i]
		switch part.Type {
		case protocol.PartText:
			if part.Text != "" {
				pieces = append(pieces, part.Text)
			}

		case protocol.PartImageURL:
			if part.ImageURL != nil && part.ImageURL.URL != "" {
				pieces = append(pieces, part.ImageURL.URL)
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

		default:
			if text := stringifyPart(part); text != "" {
				pieces = append(pieces, text)
			}
		}
	}
	return strings.Join(pieces, " ")
}
