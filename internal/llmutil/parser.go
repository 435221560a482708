// Package llmutil cleans up and decodes model responses.
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	json "github.com/json-iterator/go"
)

var (
	// \x60 is a backtick, which raw strings cannot contain.
	jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
	codeBlockRegex  = regexp.MustCompile("(?s)\x60\x60\x60[a-zA-Z]*\\s*(.*?)\\s*\x60\x60\x60")
)

// ParseJSONResponse decodes a model response into T. It tolerates markdown
// fences and conversational text around a single JSON object.
func ParseJSONResponse[T any](response string) (*T, error) {
	response = strings.TrimSpace(response)
	candidate := response

	if strings.HasPrefix(response, "```") {
		if m := jsonObjectRegex.FindStringSubmatch(response); len(m) > 1 {
			candidate = m[1]
		}
	} else if !strings.HasPrefix(response, "{") {
		first, last := strings.Index(response, "{"), strings.LastIndex(response, "}")
		if first != -1 && last > first {
			candidate = response[first : last+1]
		}
	}

	var result T
	if err := json.UnmarshalFromString(candidate, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, truncateString(candidate, 500))
	}
	return &result, nil
}

// CleanPatch strips a markdown fence from a unified diff and guarantees a
// trailing newline.
func CleanPatch(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		if m := codeBlockRegex.FindStringSubmatch(content); len(m) > 1 {
			content = strings.TrimSpace(m[1])
		}
	}
	if content == "" {
		return ""
	}
	return content + "\n"
}

func truncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
