package runtime

import (
	"os"
	"strings"
)

// ClaudeCLI invokes the Claude command-line tool in print mode, with the
// prompt on stdin and plain-text output.
type ClaudeCLI struct{}

func (c *ClaudeCLI) Name() string { return "claude" }

func (c *ClaudeCLI) EnvVar() string { return "ANTHROPIC_API_KEY" }

func (c *ClaudeCLI) Binary() string { return "claude" }

func (c *ClaudeCLI) Command(prompt, contextFile string) ([]string, string) {
	args := []string{"-p", "--output-format", "text"}
	// The tool has no context-file flag, so prior history rides along in
	// the stdin prompt when resuming a task.
	stdin := prompt
	if contextFile != "" {
		if data, err := os.ReadFile(contextFile); err == nil {
			stdin = "Previous conversation (JSON):\n" + string(data) + "\n\nCurrent request:\n" + prompt
		}
	}
	return args, stdin
}

func (c *ClaudeCLI) ParseResult(stdout []byte, prompt string) Result {
	response := trimOutput(stdout)
	return Result{Response: response, Tokens: estimateTokens(prompt, response)}
}

func (c *ClaudeCLI) Validate(prompt string) error {
	return validatePrompt(prompt)
}

func trimOutput(b []byte) string {
	return strings.TrimSpace(string(b))
}
