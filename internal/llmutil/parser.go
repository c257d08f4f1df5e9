// internal/llmutil/parser.go
package llmutil

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var (
	// Regex definitions use \x60 for backticks because Go raw strings cannot contain them.
	jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
	jsonArrayRegex  = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*(\\[.*\\])\\s*\x60\x60\x60")

	lenientAPI = jsoniter.ConfigCompatibleWithStandardLibrary
	strictAPI  = jsoniter.Config{
		EscapeHTML:             true,
		SortMapKeys:            true,
		ValidateJsonRawMessage: true,
		DisallowUnknownFields:  true,
	}.Froze()
)

// ErrEmptyResponse is returned when the model produced no text at all.
var ErrEmptyResponse = errors.New("empty LLM response")

// ExtractJSON isolates the JSON document in a model response, unwrapping
// markdown fences and conversational text around a single object or array.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)
	isObject := strings.Contains(response, "{")
	isArray := strings.Contains(response, "[")

	if strings.HasPrefix(response, "```") {
		var matches []string
		if isObject {
			matches = jsonObjectRegex.FindStringSubmatch(response)
		}
		if len(matches) <= 1 && isArray {
			matches = jsonArrayRegex.FindStringSubmatch(response)
		}
		if len(matches) > 1 {
			return matches[1]
		}
		return response
	}

	if (isObject || isArray) && !strings.HasPrefix(response, "{") && !strings.HasPrefix(response, "[") {
		if isObject {
			fb := strings.Index(response, "{")
			lb := strings.LastIndex(response, "}")
			if fb != -1 && lb > fb {
				return response[fb : lb+1]
			}
		}
		if isArray {
			fb := strings.Index(response, "[")
			lb := strings.LastIndex(response, "]")
			if fb != -1 && lb > fb {
				return response[fb : lb+1]
			}
		}
	}
	return response
}

// ParseJSONResponse parses a model response into T, tolerating markdown
// wrapping and unknown fields.
func ParseJSONResponse[T any](response string) (*T, error) {
	doc := ExtractJSON(response)
	if doc == "" {
		return nil, ErrEmptyResponse
	}
	var result T
	if err := lenientAPI.UnmarshalFromString(doc, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, truncateString(doc, 500))
	}
	return &result, nil
}

// DecodeStrict parses a model response into T and rejects anything that is not
// exactly one JSON document of T's shape: unknown fields, trailing data and
// type mismatches are all errors.
func DecodeStrict[T any](response string) (*T, error) {
	doc := ExtractJSON(response)
	if doc == "" {
		return nil, ErrEmptyResponse
	}
	var result T
	if err := strictAPI.UnmarshalFromString(doc, &result); err != nil {
		return nil, fmt.Errorf("strict decode failed: %w. Extracted JSON (truncated): %s", err, truncateString(doc, 500))
	}
	return &result, nil
}

// Marshal encodes v with the standard-library compatible configuration.
func Marshal(v interface{}) ([]byte, error) {
	return lenientAPI.Marshal(v)
}

// truncateString truncates s to maxLen bytes for error messages.
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
