// Package tokencount estimates token usage with tiktoken when the
// inference server omits usage numbers in its responses.
package tokencount

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/fairyhunter13/llm-batchd/internal/domain"
)

var (
	mu    sync.Mutex
	cache = map[string]*tiktoken.Tiktoken{}
)

// encodingFor resolves a tiktoken encoding for an arbitrary model id,
// falling back to cl100k_base, which approximates most modern chat
// models well enough for accounting.
func encodingFor(model string) *tiktoken.Tiktoken {
	key := normalize(model)
	mu.Lock()
	defer mu.Unlock()
	if enc, ok := cache[key]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(key)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil
		}
	}
	cache[key] = enc
	return enc
}

func normalize(model string) string {
	model = strings.ToLower(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		return "gpt-4"
	}
}

// Estimate counts tokens in a plain text string.
func Estimate(text, model string) int {
	enc := encodingFor(model)
	if enc == nil {
		// ~4 chars per token heuristic
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimateChat counts tokens for a chat prompt, including the
// per-message framing overhead used by OpenAI-compatible servers.
func EstimateChat(messages []domain.ChatMessage, model string) int {
	enc := encodingFor(model)
	if enc == nil {
		total := 0
		for _, m := range messages {
			total += len(m.Content) / 4
		}
		return total
	}
	const tokensPerMessage = 4 // framing + role
	n := 0
	for _, m := range messages {
		n += tokensPerMessage
		n += len(enc.Encode(m.Role, nil, nil))
		n += len(enc.Encode(m.Content, nil, nil))
	}
	n += 3 // assistant reply priming
	return n
}
