// Package contextwindow selects a tokenizer per mapping and trims chat
// requests that would overflow a model's context window.
package contextwindow

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/songquanpeng/conduit-gateway/relay/model"
)

const (
	TokenizerCl100kBase = "cl100k_base"
	TokenizerP50kBase   = "p50k_base"
	TokenizerClaude     = "claude"
	TokenizerLlama      = "llama"

	// charsPerTokenFallback approximates token count when no real tokenizer
	// is available for a mapping's declared tokenizer_type.
	charsPerTokenFallback = 4
)

var (
	encodersMu sync.Mutex
	encoders   = map[string]*tiktoken.Tiktoken{}
)

func encoderFor(encodingName string) *tiktoken.Tiktoken {
	encodersMu.Lock()
	defer encodersMu.Unlock()

	if enc, ok := encoders[encodingName]; ok {
		return enc
	}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		// Degrade gracefully: callers fall back to the chars-per-token
		// heuristic when the encoder can't be constructed (e.g. offline
		// environment with no cached BPE ranks).
		encoders[encodingName] = nil
		return nil
	}
	encoders[encodingName] = enc
	return enc
}

// CountText returns the token count of text under tokenizerType, degrading
// to a 4-characters-per-token estimate when no concrete tokenizer is
// available for the declared type.
func CountText(tokenizerType, text string) int {
	switch strings.ToLower(tokenizerType) {
	case TokenizerCl100kBase:
		if enc := encoderFor("cl100k_base"); enc != nil {
			return len(enc.Encode(text, nil, nil))
		}
	case TokenizerP50kBase:
		if enc := encoderFor("p50k_base"); enc != nil {
			return len(enc.Encode(text, nil, nil))
		}
	case TokenizerClaude:
		// Anthropic does not publish a BPE table; cl100k_base is a close
		// enough approximation for budgeting purposes.
		if enc := encoderFor("cl100k_base"); enc != nil {
			return len(enc.Encode(text, nil, nil))
		}
	case TokenizerLlama:
		// No public Go tokenizer for Llama's SentencePiece model; fall
		// through to the character-based estimate below.
	}
	return approximateTokens(text)
}

func approximateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	n := len(text) / charsPerTokenFallback
	if n == 0 {
		n = 1
	}
	return n
}

// CountMessages estimates the total token footprint of messages, including
// OpenAI's fixed per-message/per-reply overhead so the estimate stays
// comparable across tokenizer types.
func CountMessages(tokenizerType string, messages []model.Message) int {
	total := 3 // reply priming overhead
	for _, msg := range messages {
		total += 3
		total += CountText(tokenizerType, msg.Role)
		if msg.Name != "" {
			total += 1 + CountText(tokenizerType, msg.Name)
		}
		for _, part := range msg.ParseContent() {
			switch part.Type {
			case "text":
				total += CountText(tokenizerType, part.Text)
			case "image_url":
				// Vision token costs are provider-specific and already
				// reconciled from usage after the call completes; budget a
				// conservative flat estimate here so trimming stays safe.
				total += 765
			}
		}
	}
	return total
}
