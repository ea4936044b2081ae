// Package runtime defines how the broker invokes each supported LLM CLI.
// The CLI itself is an opaque collaborator: adapters only know the binary,
// the environment variable carrying the API key, the argv, and how to read
// usage out of whatever the tool printed.
package runtime

import (
	"fmt"
	"strings"
)

// Result is the parsed outcome of one CLI invocation.
type Result struct {
	Response string
	Tokens   int64
}

// CLI defines how to invoke a specific LLM command-line tool.
type CLI interface {
	// Name returns the runtime identifier (e.g., "gemini", "claude").
	Name() string

	// EnvVar returns the environment variable the tool reads its API key
	// from (e.g., "GEMINI_API_KEY").
	EnvVar() string

	// Binary returns the default executable name.
	Binary() string

	// Command returns argv (after the binary) and the stdin payload for
	// the given prompt. contextFile may be empty when the task has no
	// prior history.
	Command(prompt, contextFile string) (args []string, stdin string)

	// ParseResult extracts the response text and token usage from the
	// tool's stdout. Adapters estimate usage when the tool reports none.
	ParseResult(stdout []byte, prompt string) Result

	// Validate checks the prompt before launching the subprocess.
	Validate(prompt string) error
}

// Registry maps runtime names to their CLI implementations.
type Registry struct {
	clis map[string]CLI
}

// NewRegistry creates a registry with all supported runtimes.
func NewRegistry() *Registry {
	r := &Registry{clis: make(map[string]CLI)}
	r.Register(&GeminiCLI{})
	r.Register(&ClaudeCLI{})
	return r
}

// Register adds a CLI to the registry.
func (r *Registry) Register(c CLI) {
	r.clis[c.Name()] = c
}

// Get returns the CLI for the given runtime name.
func (r *Registry) Get(name string) (CLI, error) {
	c, ok := r.clis[name]
	if !ok {
		return nil, fmt.Errorf("unsupported runtime: %q (supported: %s)", name, strings.Join(r.Names(), ", "))
	}
	return c, nil
}

// Names returns all registered runtime names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clis))
	for name := range r.clis {
		names = append(names, name)
	}
	return names
}

func validatePrompt(prompt string) error {
	if len(prompt) == 0 {
		return fmt.Errorf("empty prompt")
	}
	if len(prompt) > 1<<20 {
		return fmt.Errorf("prompt too large: %d bytes (max 1MB)", len(prompt))
	}
	return nil
}

// estimateTokens approximates usage by whitespace word count, used when
// the tool does not report its own numbers. Never zero for non-empty
// text, so a successful call is always charged something.
func estimateTokens(prompt, response string) int64 {
	n := int64(len(strings.Fields(prompt)) + len(strings.Fields(response)))
	if n == 0 {
		n = 1
	}
	return n
}
