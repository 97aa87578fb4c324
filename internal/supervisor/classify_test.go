package supervisor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindmapper/claudebridge/internal/events"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		line     string
		wantType string
		wantData any
	}{
		{name: "object", line: `{"x":1}`, wantType: events.ProgressTypeJSON, wantData: map[string]any{"x": json.Number("1")}},
		{
			name:     "nested stream-json record",
			line:     `{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}`,
			wantType: events.ProgressTypeJSON,
			wantData: map[string]any{
				"type": "assistant",
				"message": map[string]any{
					"content": []any{map[string]any{"type": "text", "text": "hi"}},
				},
			},
		},
		{name: "array", line: `[1,"a",true,null]`, wantType: events.ProgressTypeJSON, wantData: []any{json.Number("1"), "a", true, nil}},
		{name: "number", line: `42`, wantType: events.ProgressTypeJSON, wantData: json.Number("42")},
		{
			name:     "large integers keep precision",
			line:     `{"id":12345678901234567890,"n":9007199254740993,"f":-1.5e3}`,
			wantType: events.ProgressTypeJSON,
			wantData: map[string]any{
				"id": json.Number("12345678901234567890"),
				"n":  json.Number("9007199254740993"),
				"f":  json.Number("-1.5e3"),
			},
		},
		{name: "empty containers", line: `{"a":[],"o":{}}`, wantType: events.ProgressTypeJSON, wantData: map[string]any{"a": []any{}, "o": map[string]any{}}},
		{name: "quoted string", line: `"done"`, wantType: events.ProgressTypeJSON, wantData: "done"},
		{name: "surrounding whitespace", line: `  {"ok":true}  `, wantType: events.ProgressTypeJSON, wantData: map[string]any{"ok": true}},
		{name: "plain text", line: `Thinking...`, wantType: events.ProgressTypeText, wantData: `Thinking...`},
		{name: "empty line", line: ``, wantType: events.ProgressTypeText, wantData: ``},
		{name: "truncated object", line: `{"x":`, wantType: events.ProgressTypeText, wantData: `{"x":`},
		{name: "trailing garbage", line: `{"x":1} tail`, wantType: events.ProgressTypeText, wantData: `{"x":1} tail`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			gotType, gotData := Classify(tc.line)
			assert.Equal(t, tc.wantType, gotType)
			assert.Equal(t, tc.wantData, gotData)
		})
	}
}

func TestClassifyRoundTripsLargeIntegers(t *testing.T) {
	t.Parallel()

	line := `{"id":12345678901234567890,"n":9007199254740993}`
	_, data := Classify(line)
	encoded, err := json.Marshal(data)
	require.NoError(t, err)
	assert.JSONEq(t, line, string(encoded))
	assert.Contains(t, string(encoded), "12345678901234567890")
	assert.Contains(t, string(encoded), "9007199254740993")
}
