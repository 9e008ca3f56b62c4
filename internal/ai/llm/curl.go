package llm

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/sjson"
)

// apiKeyPlaceholder stands in for the secret in replayable commands.
const apiKeyPlaceholder = "$API_KEY"

func anthropicCurl(baseURL string, params any) string {
	endpoint := strings.TrimSuffix(strings.TrimSpace(baseURL), "/") + "/v1/messages"
	return buildCurl(endpoint, params, []string{
		"x-api-key: " + apiKeyPlaceholder,
		"anthropic-version: 2023-06-01",
		"content-type: application/json",
	})
}

func openAICurl(baseURL string, params any) string {
	endpoint := strings.TrimSuffix(strings.TrimSpace(baseURL), "/") + "/responses"
	return buildCurl(endpoint, params, []string{
		"Authorization: Bearer " + apiKeyPlaceholder,
		"content-type: application/json",
	})
}

// buildCurl renders a streaming request as a curl command. Headers are
// double-quoted so the shell expands $API_KEY; the body is single-quoted.
func buildCurl(endpoint string, params any, headers []string) string {
	body, err := json.Marshal(params)
	if err != nil {
		body = []byte("{}")
	}
	if withStream, err := sjson.SetBytes(body, "stream", true); err == nil {
		body = withStream
	}
	var sb strings.Builder
	sb.WriteString("curl -N ")
	sb.WriteString(shellQuote(endpoint))
	for _, h := range headers {
		sb.WriteString(" \\\n  -H \"")
		sb.WriteString(h)
		sb.WriteString("\"")
	}
	sb.WriteString(" \\\n  -d ")
	sb.WriteString(shellQuote(string(body)))
	return sb.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
