package contextwindow

import (
	"github.com/songquanpeng/conduit-gateway/relay/model"
)

// Trim drops the oldest droppable messages from messages until the total
// estimated token count fits within maxTokens. The system message (if any,
// always messages[0] when role is "system") and the final user message are
// never dropped; if the budget still can't be met, Trim returns a
// KindValidation error rather than silently truncating the conversation.
func Trim(tokenizerType string, messages []model.Message, maxTokens int) ([]model.Message, *model.ErrorWithStatusCode) {
	if maxTokens <= 0 || CountMessages(tokenizerType, messages) <= maxTokens {
		return messages, nil
	}

	systemIdx := -1
	if len(messages) > 0 && messages[0].Role == "system" {
		systemIdx = 0
	}
	lastUserIdx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			lastUserIdx = i
			break
		}
	}

	protected := map[int]bool{}
	if systemIdx >= 0 {
		protected[systemIdx] = true
	}
	if lastUserIdx >= 0 {
		protected[lastUserIdx] = true
	}

	dropped := map[int]bool{}
	for i := 0; i < len(messages); i++ {
		if protected[i] {
			continue
		}
		dropped[i] = true

		kept := make([]model.Message, 0, len(messages))
		for j, m := range messages {
			if !dropped[j] {
				kept = append(kept, m)
			}
		}
		if CountMessages(tokenizerType, kept) <= maxTokens {
			return kept, nil
		}
	}

	return nil, model.NewError(model.KindValidation,
		"request exceeds the model's context window even after trimming")
}
