// Package batchfile parses and validates the JSONL batch formats: the
// uploaded input file of chat-completion requests and the append-only
// output file of results.
package batchfile

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fairyhunter13/llm-batchd/internal/domain"
)

// MaxLineBytes bounds a single JSONL line; anything longer is malformed.
const MaxLineBytes = 4 << 20

// ChatBody is the OpenAI-shaped chat-completion request carried in each
// input line. Unknown fields are rejected so that typos surface at
// admission instead of silently changing sampling behaviour.
type ChatBody struct {
	Model       string               `json:"model"`
	Messages    []domain.ChatMessage `json:"messages"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
	Temperature *float64             `json:"temperature,omitempty"`
	TopP        *float64             `json:"top_p,omitempty"`
}

// InputLine is one request of a batch input file.
type InputLine struct {
	CustomID string   `json:"custom_id"`
	Method   string   `json:"method"`
	URL      string   `json:"url"`
	Body     ChatBody `json:"body"`
}

// Prompt converts the line into the engine's prompt shape.
func (l InputLine) Prompt() domain.Prompt {
	return domain.Prompt{
		CustomID: l.CustomID,
		Model:    l.Body.Model,
		Messages: l.Body.Messages,
		Sampling: domain.Sampling{
			MaxTokens:   l.Body.MaxTokens,
			Temperature: l.Body.Temperature,
			TopP:        l.Body.TopP,
		},
	}
}

// ParseInput stream-parses a batch input file. Every line must decode
// strictly, validate against the request schema, and carry a custom_id
// unique within the file. maxRequests caps the line count; 0 means
// unlimited.
func ParseInput(r io.Reader, maxRequests int) ([]InputLine, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxLineBytes)

	var lines []InputLine
	seen := make(map[string]struct{})
	n := 0
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		n++
		if maxRequests > 0 && n > maxRequests {
			return nil, fmt.Errorf("%w: more than %d requests", domain.ErrInvalidInput, maxRequests)
		}
		line, err := parseLine(raw, n)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[line.CustomID]; dup {
			return nil, fmt.Errorf("%w: duplicate custom_id %q at line %d", domain.ErrInvalidInput, line.CustomID, n)
		}
		seen[line.CustomID] = struct{}{}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: empty batch file", domain.ErrInvalidInput)
	}
	return lines, nil
}

// CountRequests counts the non-empty lines without materialising them.
func CountRequests(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxLineBytes)
	n := 0
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) > 0 {
			n++
		}
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("op=batchfile.count: %w", err)
	}
	return n, nil
}

func parseLine(raw []byte, n int) (InputLine, error) {
	if err := ValidateRequestLine(raw); err != nil {
		return InputLine{}, fmt.Errorf("%w: line %d: %v", domain.ErrInvalidInput, n, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var line InputLine
	if err := dec.Decode(&line); err != nil {
		return InputLine{}, fmt.Errorf("%w: line %d: %v", domain.ErrInvalidInput, n, err)
	}
	return line, nil
}

// Output line shapes

// OutputResponse is the success branch of an output line.
type OutputResponse struct {
	StatusCode int          `json:"status_code"`
	Body       ResponseBody `json:"body"`
}

// ResponseBody mirrors the OpenAI chat-completion response subset the
// orchestrator emits.
type ResponseBody struct {
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice wraps a single completion message.
type Choice struct {
	Message domain.ChatMessage `json:"message"`
}

// Usage carries token accounting for one request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// OutputError is the failure branch of an output line.
type OutputError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// OutputLine is one result in the output file; exactly one of Response
// and Error is set.
type OutputLine struct {
	CustomID string          `json:"custom_id"`
	Response *OutputResponse `json:"response,omitempty"`
	Error    *OutputError    `json:"error,omitempty"`
}

// SuccessLine composes the serialized output line for a completion.
func SuccessLine(customID, content string, promptTokens, completionTokens int) ([]byte, error) {
	line := OutputLine{
		CustomID: customID,
		Response: &OutputResponse{
			StatusCode: 200,
			Body: ResponseBody{
				Choices: []Choice{{Message: domain.ChatMessage{Role: "assistant", Content: content}}},
				Usage:   Usage{PromptTokens: promptTokens, CompletionTokens: completionTokens},
			},
		},
	}
	b, err := json.Marshal(line)
	if err != nil {
		return nil, fmt.Errorf("op=batchfile.success_line: %w", err)
	}
	return b, nil
}

// ErrorLine composes the serialized output line for a per-request error.
func ErrorLine(customID, kind, message string) ([]byte, error) {
	line := OutputLine{CustomID: customID, Error: &OutputError{Kind: kind, Message: message}}
	b, err := json.Marshal(line)
	if err != nil {
		return nil, fmt.Errorf("op=batchfile.error_line: %w", err)
	}
	return b, nil
}
