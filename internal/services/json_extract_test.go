package services

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON_Fixtures(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain object", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n[1,2]\n```", `[1,2]`},
		{"leading prose", "Here is your lesson:\n{\"a\":1}", `{"a":1}`},
		{"trailing prose", "{\"a\":1}\nLet me know if you need more.", `{"a":1}`},
		{"prose both sides with fence", "Sure!\n```json\n{\"a\":[1,2]}\n```\nEnjoy.", `{"a":[1,2]}`},
		{"trailing comma", `{"a":[1,2,],}`, `{"a":[1,2]}`},
		{"truncated", `{"questions":[{"content":"x","options":["a","b"`, `{"questions":[{"content":"x","options":["a","b"]}]}`},
		{"truncated inside string", `{"title":"Photosyn`, `{"title":"Photosyn"}`},
		{"braces inside strings", `note {"a":"}{"} tail`, `{"a":"}{"}`},
		{"escaped quote", `{"a":"say \"hi\" }"}`, `{"a":"say \"hi\" }"}`},
		{"bracket in leading prose", `Here is the quiz [JSON]: {"title":"Cells","questions":[]}`, `{"title":"Cells","questions":[]}`},
		{"several bracketed notes", "(see [note] and {ref})\n{\"a\":1}", `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.raw)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestExtractJSON_Errors(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		reason string
	}{
		{"empty", "   ", "empty response"},
		{"no json", "I cannot help with that.", "no JSON object or array found"},
		{"garbage", `{"a": nope}`, "malformed JSON"},
		{"malformed object around valid array", `{"questions": [1, 2], oops}`, "malformed JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ExtractJSON(tt.raw)
			require.Error(t, err)
			var parseErr *ParseError
			require.True(t, errors.As(err, &parseErr))
			assert.Equal(t, tt.reason, parseErr.Reason)
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	var out struct {
		Title string `json:"title"`
	}
	require.NoError(t, DecodeJSON("```json\n{\"title\":\"Cells\"}\n```", &out))
	assert.Equal(t, "Cells", out.Title)

	err := DecodeJSON(`[1,2]`, &out)
	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Equal(t, "unexpected JSON shape", parseErr.Reason)
	var typeErr *json.UnmarshalTypeError
	assert.True(t, errors.As(err, &typeErr))
}
