package agent

import (
	_ "embed"
	"strconv"
	"strings"
)

//go:embed prompts/generate_query.md
var generateQueryPrompt string

//go:embed prompts/check_query.md
var checkQueryPrompt string

// GenerateQueryPrompt is the generator's system prompt with the default row
// limit substituted in.
func GenerateQueryPrompt(topK int) string {
	return strings.ReplaceAll(generateQueryPrompt, "{top_k}", strconv.Itoa(topK))
}

// CheckQueryPrompt is the narrower system prompt for the query double-check
// pass.
func CheckQueryPrompt() string {
	return checkQueryPrompt
}
