package llm

import "strings"

type ReplyKind int

const (
	ReplyText ReplyKind = iota
	ReplyToolCalls
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyToolCalls:
		return "tool_calls"
	default:
		return "text"
	}
}

// Reply is a model turn, classified once when the provider response is
// decoded. A reply carrying at least one tool call is ReplyToolCalls even
// when the model also produced text.
type Reply struct {
	kind  ReplyKind
	text  string
	calls []ToolCall
}

func TextReply(text string) Reply {
	return Reply{kind: ReplyText, text: text}
}

func ToolCallsReply(text string, calls []ToolCall) Reply {
	if len(calls) == 0 {
		return TextReply(text)
	}
	copied := append([]ToolCall(nil), calls...)
	return Reply{kind: ReplyToolCalls, text: text, calls: copied}
}

func (r Reply) Kind() ReplyKind { return r.kind }

func (r Reply) Text() string { return r.text }

func (r Reply) ToolCalls() []ToolCall {
	return append([]ToolCall(nil), r.calls...)
}

// IsEnd reports whether the reply is the literal termination sentinel.
func (r Reply) IsEnd() bool {
	return r.kind == ReplyText && strings.TrimSpace(r.text) == "END"
}

func (r Reply) Message() Message {
	return Message{
		Role:      RoleAssistant,
		Content:   r.text,
		ToolCalls: r.ToolCalls(),
	}
}

// FirstText extracts the text of a content value that is either a plain
// string or a list of parts; for lists only the first element's "text"
// field is used.
func FirstText(content any) string {
	switch value := content.(type) {
	case nil:
		return ""
	case string:
		return value
	case []any:
		if len(value) == 0 {
			return ""
		}
		if part, ok := value[0].(map[string]any); ok {
			if text, ok := part["text"].(string); ok {
				return text
			}
		}
		if text, ok := value[0].(string); ok {
			return text
		}
		return ""
	case []map[string]any:
		if len(value) == 0 {
			return ""
		}
		text, _ := value[0]["text"].(string)
		return text
	default:
		return ""
	}
}
