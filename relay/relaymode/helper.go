// Package relaymode classifies an inbound data-plane request by its URL path.
package relaymode

import "strings"

const (
	Unknown = iota
	ChatCompletions
	Embeddings
	ImagesGenerations
	Models
)

// GetByPath maps a request path to one of the four data-plane operations the
// gateway serves; everything else is Unknown and rejected upstream of the dispatcher.
func GetByPath(path string) int {
	switch {
	case strings.HasPrefix(path, "/v1/chat/completions"):
		return ChatCompletions
	case strings.HasPrefix(path, "/v1/embeddings"):
		return Embeddings
	case strings.HasPrefix(path, "/v1/images/generations"):
		return ImagesGenerations
	case strings.HasPrefix(path, "/v1/models"):
		return Models
	default:
		return Unknown
	}
}
