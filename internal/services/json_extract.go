package services

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseError describes why provider output could not be turned into JSON
type ParseError struct {
	Reason string
	// Snippet is the start of the offending text, truncated for logs
	Snippet string
	Cause   error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid JSON in provider output: %s: %v (near %q)", e.Reason, e.Cause, e.Snippet)
	}
	return fmt.Sprintf("invalid JSON in provider output: %s (near %q)", e.Reason, e.Snippet)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

const parseErrorSnippetLen = 80

func newParseError(reason, text string, cause error) *ParseError {
	snippet := text
	if len(snippet) > parseErrorSnippetLen {
		snippet = snippet[:parseErrorSnippetLen]
	}
	return &ParseError{Reason: reason, Snippet: snippet, Cause: cause}
}

// ExtractJSON pulls the first JSON object or array out of raw provider text.
// It strips markdown fences, drops leading and trailing prose, removes
// trailing commas and closes brackets left open by truncated output. A
// bracketed span that is not JSON, like "[note]" in prose, is skipped and the
// search resumes after it.
func ExtractJSON(raw string) (json.RawMessage, error) {
	text := stripCodeFences(strings.TrimSpace(raw))
	if text == "" {
		return nil, newParseError("empty response", raw, nil)
	}

	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}

	var firstErr *ParseError
	for offset := 0; offset < len(text); {
		start := strings.IndexAny(text[offset:], "{[")
		if start < 0 {
			break
		}
		start += offset

		span, balanced := scanBalanced(text[start:])
		candidate := span
		if !balanced {
			candidate = closeOpenBrackets(candidate)
		}
		candidate = removeTrailingCommas(candidate)

		if json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), nil
		}
		if firstErr == nil {
			var v interface{}
			err := json.Unmarshal([]byte(candidate), &v)
			firstErr = newParseError("malformed JSON", candidate, err)
		}
		offset = start + len(span)
	}

	if firstErr != nil {
		return nil, firstErr
	}
	return nil, newParseError("no JSON object or array found", text, nil)
}

// DecodeJSON extracts JSON from raw and unmarshals it into v
func DecodeJSON(raw string, v interface{}) error {
	data, err := ExtractJSON(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return newParseError("unexpected JSON shape", string(data), err)
	}
	return nil
}

// stripCodeFences removes ```json ... ``` style wrappers
func stripCodeFences(text string) string {
	open := strings.Index(text, "```")
	if open < 0 {
		return text
	}
	body := text[open+3:]
	// language tag runs to the end of the fence line
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], "{[") {
		body = body[nl+1:]
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// scanBalanced returns the prefix of text up to the bracket closing text[0].
// Brackets inside strings are ignored. balanced is false when input ends first.
func scanBalanced(text string) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return text[:i+1], true
			}
		}
	}
	return text, false
}

// closeOpenBrackets appends the closers a truncated document is missing
func closeOpenBrackets(text string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(text, " \t\r\n,"))
	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

// removeTrailingCommas drops commas directly before a closing bracket
func removeTrailingCommas(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			b.WriteByte(c)
			continue
		}
		if c == '"' {
			inString = true
		}
		if c == ',' {
			j := i + 1
			for j < len(text) && strings.IndexByte(" \t\r\n", text[j]) >= 0 {
				j++
			}
			if j < len(text) && (text[j] == '}' || text[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}
