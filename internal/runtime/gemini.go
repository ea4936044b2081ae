package runtime

import "encoding/json"

// GeminiCLI invokes the Gemini command-line tool.
type GeminiCLI struct{}

func (g *GeminiCLI) Name() string { return "gemini" }

func (g *GeminiCLI) EnvVar() string { return "GEMINI_API_KEY" }

func (g *GeminiCLI) Binary() string { return "gemini" }

func (g *GeminiCLI) Command(prompt, contextFile string) ([]string, string) {
	args := []string{"--prompt", prompt, "--json-output"}
	if contextFile != "" {
		args = append(args, "--context-file", contextFile)
	}
	return args, ""
}

// geminiOutput is the tool's --json-output shape.
type geminiOutput struct {
	Response string `json:"response"`
	Usage    struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (g *GeminiCLI) ParseResult(stdout []byte, prompt string) Result {
	var out geminiOutput
	if err := json.Unmarshal(stdout, &out); err == nil && out.Response != "" {
		res := Result{Response: out.Response, Tokens: out.Usage.TotalTokens}
		if res.Tokens == 0 {
			res.Tokens = estimateTokens(prompt, res.Response)
		}
		return res
	}

	// Older CLI builds print plain text; fall back to an estimate.
	response := trimOutput(stdout)
	return Result{Response: response, Tokens: estimateTokens(prompt, response)}
}

func (g *GeminiCLI) Validate(prompt string) error {
	return validatePrompt(prompt)
}
