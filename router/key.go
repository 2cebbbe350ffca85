package router

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// sessionHeaders are consulted in order; the first non-empty one wins.
var sessionHeaders = []string{
	"X-Session-ID",
	"X-User-ID",
	"X-Tenant-ID",
	"X-Request-ID",
	"X-Correlation-ID",
	"X-Trace-ID",
}

// ExtractRoutingKey derives the consistent-hash key for a request: a session
// header, else a session/user field of the JSON body, else a hash of the whole
// body. The returned key is prefixed with its source so that the same value
// from different sources never collides.
func ExtractRoutingKey(header http.Header, body []byte) string {
	for _, name := range sessionHeaders {
		if v := strings.TrimSpace(header.Get(name)); v != "" {
			return "header:" + strings.ToLower(name) + ":" + v
		}
	}
	if key, ok := bodySessionKey(body); ok {
		return key
	}
	return fmt.Sprintf("body:%016x", hashString(string(body)))
}

func bodySessionKey(body []byte) (string, bool) {
	if len(body) == 0 {
		return "", false
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", false
	}
	if params, ok := doc["session_params"].(map[string]any); ok {
		if v, ok := scalarString(params["session_id"]); ok {
			return "session:" + v, true
		}
	}
	for _, field := range []string{"user", "session_id", "user_id"} {
		if v, ok := scalarString(doc[field]); ok {
			return field + ":" + v, true
		}
	}
	return "", false
}

func scalarString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		if x == "" {
			return "", false
		}
		return x, true
	case float64:
		return fmt.Sprintf("%v", x), true
	case bool:
		return fmt.Sprintf("%t", x), true
	default:
		return "", false
	}
}

// ExtractPromptText returns the text a cache-aware policy matches prefixes on:
// the completion prompt, or the concatenated chat message contents. Bodies
// that are not recognizable JSON requests are used verbatim.
func ExtractPromptText(body []byte) string {
	var doc struct {
		Prompt   any `json:"prompt"`
		Text     any `json:"text"`
		Input    any `json:"input"`
		Messages []struct {
			Role    string `json:"role"`
			Content any    `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return string(body)
	}
	if len(doc.Messages) > 0 {
		var sb strings.Builder
		for _, m := range doc.Messages {
			sb.WriteString(m.Role)
			sb.WriteString(": ")
			sb.WriteString(flattenText(m.Content))
			sb.WriteString("\n")
		}
		return sb.String()
	}
	for _, v := range []any{doc.Prompt, doc.Text, doc.Input} {
		if s := flattenText(v); s != "" {
			return s
		}
	}
	return string(body)
}

// flattenText handles string, []string and OpenAI content-part arrays.
func flattenText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			switch p := item.(type) {
			case string:
				parts = append(parts, p)
			case map[string]any:
				if s, ok := p["text"].(string); ok {
					parts = append(parts, s)
				}
			}
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}
