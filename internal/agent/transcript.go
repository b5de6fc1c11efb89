package agent

import "github.com/Keyring-Network/keyring-gavryn/quizrunner/internal/llm"

// Transcript is the append-only message history of one run.
type Transcript struct {
	messages []llm.Message
}

func (t *Transcript) Append(msg llm.Message) int {
	t.messages = append(t.messages, msg)
	return len(t.messages) - 1
}

func (t *Transcript) Len() int {
	return len(t.messages)
}

func (t *Transcript) Last() (llm.Message, bool) {
	if len(t.messages) == 0 {
		return llm.Message{}, false
	}
	return t.messages[len(t.messages)-1], true
}

// Messages returns a copy that callers may keep or modify.
func (t *Transcript) Messages() []llm.Message {
	return append([]llm.Message(nil), t.messages...)
}
