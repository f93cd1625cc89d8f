package cfg

import (
	"errors"
	"flag"
	"fmt"

	"github.com/linnemanlabs/frontdesk/internal/authmw"
)

// Embedding and reasoning providers accepted by the -embed-provider and
// -reasoner flags.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderClaude = "claude"
	ProviderNone   = "none"
)

// Config holds the application-specific flags. Library settings (http, log,
// ops, profiling, tracing) register their own.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	GuidelinePath      string
	WatchGuidelines    bool
	ChunkChars         int
	ChunkOverlap       int
	EmbedProvider      string
	EmbedModel         string
	EmbedDimension     int
	OllamaHost         string
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	Reasoner           string
	ClaudeAPIKey       string
	ClaudeModel        string
	OpenAIModel        string
	ReasonTimeoutSecs  int
	WindowTurns        int
	GuidanceK          int
	MaxMessageChars    int
	ContextMaxTurns    int
	ContextMaxChars    int
	ContextIdleMinutes int
	RedisAddr          string
	DatabaseURL        string
	SlowQueryMillis    int
	SlackWebhookURL    string
	StaffTokens        string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.GuidelinePath, "guideline-path", "", "triage guideline document (.md, .txt or .pdf)")
	fs.BoolVar(&c.WatchGuidelines, "watch-guidelines", true, "rebuild the guideline index when the document changes")
	fs.IntVar(&c.ChunkChars, "chunk-chars", 1000, "maximum characters per guideline chunk")
	fs.IntVar(&c.ChunkOverlap, "chunk-overlap", 200, "characters shared between adjacent chunks (-1 disables)")
	fs.StringVar(&c.EmbedProvider, "embed-provider", ProviderOpenAI, "embedding provider (openai|ollama)")
	fs.StringVar(&c.EmbedModel, "embed-model", "", "embedding model (empty = provider default)")
	fs.IntVar(&c.EmbedDimension, "embed-dimension", 0, "expected embedding dimension (0 = not enforced)")
	fs.StringVar(&c.OllamaHost, "ollama-host", "http://localhost:11434", "Ollama server URL")
	fs.StringVar(&c.OpenAIAPIKey, "openai-api-key", "", "API key for OpenAI embeddings and reasoning")
	fs.StringVar(&c.OpenAIBaseURL, "openai-base-url", "", "OpenAI-compatible API base URL (empty = api.openai.com)")

	fs.StringVar(&c.Reasoner, "reasoner", ProviderClaude, "reasoning provider (claude|openai|none)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude reasoning provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-5", "Claude model to use")
	fs.StringVar(&c.OpenAIModel, "openai-model", "gpt-4o-mini", "OpenAI chat model to use when -reasoner=openai")
	fs.IntVar(&c.ReasonTimeoutSecs, "reason-timeout-seconds", 20, "timeout for one reasoning call before the fallback verdict is used (1..120)")

	fs.IntVar(&c.WindowTurns, "window-turns", 6, "prior conversation turns shown to the reasoner")
	fs.IntVar(&c.GuidanceK, "guidance-k", 3, "guideline chunks retrieved per inquiry")
	fs.IntVar(&c.MaxMessageChars, "max-message-chars", 4000, "longest accepted patient message")
	fs.IntVar(&c.ContextMaxTurns, "context-max-turns", 20, "turns retained per patient (0 = unbounded)")
	fs.IntVar(&c.ContextMaxChars, "context-max-chars", 8000, "characters retained per patient (0 = unbounded)")
	fs.IntVar(&c.ContextIdleMinutes, "context-idle-minutes", 1440, "minutes before an idle patient history is dropped (0 = never)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for the context store (empty = in-memory)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory case store, no index snapshots)")
	fs.IntVar(&c.SlowQueryMillis, "slow-query-millis", 200, "log database queries slower than this (0 = log all)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for urgent case notifications")
	fs.StringVar(&c.StaffTokens, "staff-tokens", "", "staff API bearer tokens as name:token,name:token")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.GuidelinePath == "" {
		errs = append(errs, errors.New("GUIDELINE_PATH is required"))
	}
	if c.ChunkChars < 100 {
		errs = append(errs, fmt.Errorf("invalid CHUNK_CHARS %d (must be >= 100)", c.ChunkChars))
	}
	if c.ChunkOverlap >= c.ChunkChars {
		errs = append(errs, fmt.Errorf("CHUNK_OVERLAP %d must be less than CHUNK_CHARS %d", c.ChunkOverlap, c.ChunkChars))
	}
	if c.EmbedDimension < 0 {
		errs = append(errs, fmt.Errorf("invalid EMBED_DIMENSION %d", c.EmbedDimension))
	}
	switch c.EmbedProvider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai embed provider"))
		}
	case ProviderOllama:
		if c.OllamaHost == "" {
			errs = append(errs, errors.New("OLLAMA_HOST is required for the ollama embed provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid EMBED_PROVIDER %q (must be openai or ollama)", c.EmbedProvider))
	}

	switch c.Reasoner {
	case ProviderClaude:
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required for the claude reasoner"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required"))
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai reasoner"))
		}
	case ProviderNone:
	default:
		errs = append(errs, fmt.Errorf("invalid REASONER %q (must be claude, openai or none)", c.Reasoner))
	}
	if c.ReasonTimeoutSecs <= 0 || c.ReasonTimeoutSecs > 120 {
		errs = append(errs, fmt.Errorf("invalid REASON_TIMEOUT_SECONDS %d (must be 1..120)", c.ReasonTimeoutSecs))
	}

	if c.WindowTurns < 0 || c.GuidanceK < 0 {
		errs = append(errs, errors.New("WINDOW_TURNS and GUIDANCE_K must not be negative"))
	}
	if c.MaxMessageChars <= 0 {
		errs = append(errs, fmt.Errorf("invalid MAX_MESSAGE_CHARS %d", c.MaxMessageChars))
	}
	if c.ContextMaxTurns < 0 || c.ContextMaxChars < 0 || c.ContextIdleMinutes < 0 {
		errs = append(errs, errors.New("context limits must not be negative"))
	}
	if c.ContextMaxChars > 0 && c.ContextMaxChars < c.MaxMessageChars {
		errs = append(errs, fmt.Errorf("CONTEXT_MAX_CHARS %d is smaller than MAX_MESSAGE_CHARS %d; a long message would be evicted immediately", c.ContextMaxChars, c.MaxMessageChars))
	}
	if c.SlowQueryMillis < 0 {
		errs = append(errs, fmt.Errorf("invalid SLOW_QUERY_MILLIS %d", c.SlowQueryMillis))
	}

	if len(authmw.ParseTokens(c.StaffTokens)) == 0 {
		errs = append(errs, errors.New("STAFF_TOKENS is required"))
	}

	return errors.Join(errs...)
}
