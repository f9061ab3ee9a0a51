package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidator_Fields(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateProviderType("OpenAI"))
	assert.Error(t, v.ValidateProviderType("gemini"))

	assert.NoError(t, v.ValidateTemperature(0))
	assert.NoError(t, v.ValidateTemperature(2))
	assert.Error(t, v.ValidateTemperature(2.1))
	assert.Error(t, v.ValidateTemperature(-0.1))

	assert.NoError(t, v.ValidateMaxTokens(0))
	assert.Error(t, v.ValidateMaxTokens(-1))
	assert.Error(t, v.ValidateMaxTokens(200001))

	assert.NoError(t, v.ValidateResponseFormat(""))
	assert.NoError(t, v.ValidateResponseFormat("json"))
	assert.Error(t, v.ValidateResponseFormat("xml"))

	assert.NoError(t, v.ValidateLogLevel("warn"))
	assert.Error(t, v.ValidateLogLevel("verbose"))

	assert.NoError(t, v.ValidateStoreDriver("redis"))
	assert.Error(t, v.ValidateStoreDriver("postgres"))

	assert.NoError(t, v.ValidateSchedule(""))
	assert.NoError(t, v.ValidateSchedule("@every 1h"))
	assert.NoError(t, v.ValidateSchedule("0 3 * * *"))
	assert.Error(t, v.ValidateSchedule("every hour"))
}

func TestValidator_ValidateConfig(t *testing.T) {
	t.Run("should accept the defaults", func(t *testing.T) {
		v := NewValidator("get_files_with_description", "get_relevant_files_for_feature", "read_file_content", "get_file_summary")
		assert.Empty(t, v.ValidateConfig(DefaultConfig()))
	})

	t.Run("should collect every problem", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Providers[0].Type = "gemini"
		cfg.Agents[0].Temperature = 3
		cfg.Agents[0].MaxToolCalls = -1
		cfg.Agents[1].Tools = []string{"read_file_content"}
		cfg.Server.RouterRole = "dispatcher"
		cfg.Store.PurgeSchedule = "sometimes"
		cfg.Logging.Level = "loud"

		errs := NewValidator().ValidateConfig(cfg)
		var msgs []string
		for _, err := range errs {
			msgs = append(msgs, err.Error())
		}

		assert.Contains(t, msgs, "provider openai: invalid provider type: gemini (must be one of: openai, anthropic)")
		assert.Contains(t, msgs, "agent manager: temperature must be between 0 and 2, got 3")
		assert.Contains(t, msgs, "agent manager: max tool calls cannot be negative")
		assert.Contains(t, msgs, "agent coder: instruction-style provider anthropic cannot call tools")
		assert.Contains(t, msgs, `server router role "dispatcher" is not in the agent catalog`)
		assert.Contains(t, msgs, "invalid log level: loud (must be one of: debug, info, warn, error)")
		assert.Len(t, msgs, 7)
	})

	t.Run("should reject unknown tools when the catalog is known", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Agents[0].Tools = []string{"search_web"}

		errs := NewValidator("get_files_with_description").ValidateConfig(cfg)
		var found bool
		for _, err := range errs {
			if err.Error() == "agent manager: unknown tool search_web" {
				found = true
			}
		}
		assert.True(t, found)
	})

	t.Run("should check the vector index only when enabled", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.VectorIndex.EmbeddingProvider = "anthropic"
		assert.Empty(t, NewValidator().ValidateConfig(cfg))

		cfg.VectorIndex.Enabled = true
		errs := NewValidator().ValidateConfig(cfg)
		if assert.Len(t, errs, 1) {
			assert.Contains(t, errs[0].Error(), "must name an openai provider")
		}
	})
}
