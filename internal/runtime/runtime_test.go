package runtime

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRegistryGet(t *testing.T) {
	r := NewRegistry()

	for _, name := range []string{"gemini", "claude"} {
		c, err := r.Get(name)
		if err != nil {
			t.Errorf("Get(%q): %v", name, err)
			continue
		}
		if c.Name() != name {
			t.Errorf("Get(%q).Name() = %q", name, c.Name())
		}
		if c.EnvVar() == "" || c.Binary() == "" {
			t.Errorf("%q has empty env var or binary", name)
		}
	}

	if _, err := r.Get("gpt"); err == nil {
		t.Error("Get(gpt): expected error for unsupported runtime")
	}
}

func TestGeminiCommand(t *testing.T) {
	g := &GeminiCLI{}

	args, stdin := g.Command("hello", "/tmp/ctx.json")
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--prompt hello") {
		t.Errorf("args = %v, want --prompt hello", args)
	}
	if !strings.Contains(joined, "--context-file /tmp/ctx.json") {
		t.Errorf("args = %v, want --context-file", args)
	}
	if stdin != "" {
		t.Errorf("stdin = %q, want empty", stdin)
	}

	args, _ = g.Command("hello", "")
	if strings.Contains(strings.Join(args, " "), "--context-file") {
		t.Errorf("args = %v, context-file flag without a context file", args)
	}
}

func TestGeminiParseJSONOutput(t *testing.T) {
	g := &GeminiCLI{}
	out := []byte(`{"response":"the answer","usage":{"total_tokens":42}}`)

	res := g.ParseResult(out, "the question")
	if res.Response != "the answer" {
		t.Errorf("Response = %q, want the answer", res.Response)
	}
	if res.Tokens != 42 {
		t.Errorf("Tokens = %d, want 42", res.Tokens)
	}
}

func TestGeminiParsePlainTextFallback(t *testing.T) {
	g := &GeminiCLI{}

	res := g.ParseResult([]byte("  two words \n"), "three little words")
	if res.Response != "two words" {
		t.Errorf("Response = %q, want trimmed plain text", res.Response)
	}
	// 3 prompt words + 2 response words.
	if res.Tokens != 5 {
		t.Errorf("Tokens = %d, want 5 (word-count estimate)", res.Tokens)
	}
}

func TestClaudeCommandUsesStdin(t *testing.T) {
	c := &ClaudeCLI{}

	args, stdin := c.Command("do the thing", "")
	if stdin != "do the thing" {
		t.Errorf("stdin = %q, want the prompt", stdin)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-p") || !strings.Contains(joined, "--output-format text") {
		t.Errorf("args = %v, want print mode with text output", args)
	}
}

func TestClaudeCommandEmbedsContextFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "context.json")
	if err := os.WriteFile(path, []byte(`{"history":[{"prompt":"q1","response":"a1"}]}`), 0o600); err != nil {
		t.Fatal(err)
	}

	c := &ClaudeCLI{}
	_, stdin := c.Command("follow up", path)

	if !strings.Contains(stdin, `"q1"`) || !strings.Contains(stdin, "follow up") {
		t.Errorf("stdin = %q, want history plus current prompt", stdin)
	}
}

func TestEstimateTokensNeverZero(t *testing.T) {
	if got := estimateTokens("", ""); got != 1 {
		t.Errorf("estimateTokens empty = %d, want 1", got)
	}
	if got := estimateTokens("a b", "c"); got != 3 {
		t.Errorf("estimateTokens = %d, want 3", got)
	}
}

func TestValidatePrompt(t *testing.T) {
	g := &GeminiCLI{}

	if err := g.Validate(""); err == nil {
		t.Error("Validate(empty): expected error")
	}
	if err := g.Validate(strings.Repeat("x", 1<<20+1)); err == nil {
		t.Error("Validate(oversized): expected error")
	}
	if err := g.Validate("fine"); err != nil {
		t.Errorf("Validate(fine): %v", err)
	}
}
