package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/codecrew-ai/codecrew/internal/tools"
)

// ValidProviderNames lists known model backend names.
// Used by [Validate] to reject typos early.
var ValidProviderNames = []string{
	"openai", "anthropic", "gemini", "grok", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued tuning knobs with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = LogInfo
	}
	if cfg.Conversation.SilenceThreshold == 0 {
		cfg.Conversation.SilenceThreshold = DefaultSilenceThreshold
	}
	if cfg.Conversation.FirstResponder == "" {
		cfg.Conversation.FirstResponder = StrategyConfidence
	}
	if cfg.Conversation.EvalTimeoutSeconds == 0 {
		cfg.Conversation.EvalTimeoutSeconds = DefaultEvalTimeoutSecs
	}
	if cfg.Conversation.MaxToolIterations == 0 {
		cfg.Conversation.MaxToolIterations = DefaultMaxToolIterations
	}
	if cfg.Conversation.ResponseReserveTokens == 0 {
		cfg.Conversation.ResponseReserveTokens = DefaultResponseReserve
	}
	if len(cfg.Conversation.FixedOrder) == 0 {
		for _, p := range cfg.Participants {
			cfg.Conversation.FixedOrder = append(cfg.Conversation.FixedOrder, p.ID)
		}
	}
	if cfg.Tools.TimeoutSeconds == 0 {
		cfg.Tools.TimeoutSeconds = DefaultToolTimeoutSecs
	}
	if cfg.Summarize.TokenThreshold == 0 {
		cfg.Summarize.TokenThreshold = DefaultSummarizeThreshold
	}
	for i := range cfg.Participants {
		if cfg.Participants[i].MaxContextTokens == 0 {
			cfg.Participants[i].MaxContextTokens = DefaultMaxContextTokens
		}
		if cfg.Participants[i].DisplayName == "" {
			cfg.Participants[i].DisplayName = cfg.Participants[i].ID
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Log.Level != "" && !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}

	if len(cfg.Participants) == 0 {
		errs = append(errs, errors.New("participants must not be empty"))
	}

	idsSeen := make(map[string]int, len(cfg.Participants))
	for i, p := range cfg.Participants {
		prefix := fmt.Sprintf("participants[%d]", i)
		switch {
		case p.ID == "":
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		case p.ID == "all":
			errs = append(errs, fmt.Errorf("%s.id %q is reserved for broadcast mentions", prefix, p.ID))
		case p.ID != strings.ToLower(p.ID):
			errs = append(errs, fmt.Errorf("%s.id %q must be lowercase", prefix, p.ID))
		default:
			if prev, ok := idsSeen[p.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of participants[%d]", prefix, p.ID, prev))
			}
			idsSeen[p.ID] = i
		}
		if p.Provider == "" {
			errs = append(errs, fmt.Errorf("%s.provider is required", prefix))
		} else if !slices.Contains(ValidProviderNames, p.Provider) {
			errs = append(errs, fmt.Errorf("%s.provider %q is unknown; valid values: %s",
				prefix, p.Provider, strings.Join(ValidProviderNames, ", ")))
		}
		if p.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required", prefix))
		}
		if p.Temperature < 0 || p.Temperature > 2 {
			errs = append(errs, fmt.Errorf("%s.temperature %.2f is out of range [0, 2]", prefix, p.Temperature))
		}
	}

	conv := cfg.Conversation
	if conv.SilenceThreshold < 0 || conv.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("conversation.silence_threshold %.2f is out of range [0, 1]", conv.SilenceThreshold))
	}
	if conv.FirstResponder != "" && !conv.FirstResponder.IsValid() {
		errs = append(errs, fmt.Errorf("conversation.first_responder %q is invalid; valid values: confidence, rotate, fixed", conv.FirstResponder))
	}
	for i, id := range conv.FixedOrder {
		if _, ok := idsSeen[id]; !ok {
			errs = append(errs, fmt.Errorf("conversation.fixed_order[%d] %q is not a configured participant", i, id))
		}
	}
	if conv.EvalTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("conversation.eval_timeout_seconds must not be negative"))
	}
	if conv.MaxToolIterations < 0 {
		errs = append(errs, fmt.Errorf("conversation.max_tool_iterations must not be negative"))
	}

	for name, level := range cfg.Tools.Overrides {
		if !tools.Level(level).IsValid() {
			errs = append(errs, fmt.Errorf("tools.overrides[%q] %q is invalid; valid values: SAFE, CAUTIOUS, DANGEROUS, BLOCKED", name, level))
		}
	}
	for i, srv := range cfg.Tools.MCPServers {
		prefix := fmt.Sprintf("tools.mcp_servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == tools.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == tools.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
		if srv.Level != "" && !tools.Level(srv.Level).IsValid() {
			errs = append(errs, fmt.Errorf("%s.level %q is invalid; valid values: SAFE, CAUTIOUS, DANGEROUS, BLOCKED", prefix, srv.Level))
		}
	}

	if cfg.Summarize.Participant != "" {
		if _, ok := idsSeen[cfg.Summarize.Participant]; !ok {
			errs = append(errs, fmt.Errorf("summarize.participant %q is not a configured participant", cfg.Summarize.Participant))
		}
	}

	return errors.Join(errs...)
}
