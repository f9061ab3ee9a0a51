package devtools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/curie/pkg/conversation"
	"github.com/harun/curie/pkg/kvstore"
	"github.com/harun/curie/pkg/provider"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultSummaryTTL is how long a cached summary is kept.
const DefaultSummaryTTL = 7 * 24 * time.Hour

const summaryInstructions = `You are a highly skilled technical lead with knowledge of every tech stack and programming language.
Your task is to understand code and summarise it. The summary says what the code does, in one concise paragraph.`

// SummaryKey is the cache key of the summary of path.
func SummaryKey(path string) string {
	return path + "_summary"
}

type cachedSummary struct {
	Hash    string `json:"hash"`
	Summary string `json:"summary"`
}

// SummarizerConfig configures a Summarizer.
type SummarizerConfig struct {
	Provider provider.Provider
	Model    string
	Cache    kvstore.Store // optional
	TTL      time.Duration
	Logger   *zerolog.Logger
}

// Summarizer describes files with an inference backend, caching the result
// per path until the content changes.
type Summarizer struct {
	provider provider.Provider
	model    string
	cache    kvstore.Store
	ttl      time.Duration
	logger   zerolog.Logger
}

// NewSummarizer creates a Summarizer.
func NewSummarizer(cfg SummarizerConfig) (*Summarizer, error) {
	if cfg.Provider == nil {
		return nil, errors.New("summary provider is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultSummaryTTL
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Summarizer{
		provider: cfg.Provider,
		model:    cfg.Model,
		cache:    cfg.Cache,
		ttl:      ttl,
		logger:   logger.With().Str("component", "summarizer").Logger(),
	}, nil
}

// Summarize returns the summary of content, read from path.
func (s *Summarizer) Summarize(ctx context.Context, path, content string) (string, error) {
	sum := sha256.Sum256([]byte(content))
	hash := hex.EncodeToString(sum[:])
	key := SummaryKey(path)

	if s.cache != nil {
		raw, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", path).Msg("Summary cache read failed")
		} else if ok {
			var cached cachedSummary
			if err := json.Unmarshal(raw, &cached); err == nil && cached.Hash == hash {
				return cached.Summary, nil
			}
		}
	}

	thread := conversation.NewThread(summaryInstructions).Append(conversation.UserMessage(
		fmt.Sprintf("create concise summary of the code in the file %s with content: \n %s", path, content),
	))
	turn, err := s.provider.Send(ctx, provider.Request{Model: s.model, Thread: thread})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(conversation.Message{Content: turn.Content}.Text())
	if summary == "" {
		return "", fmt.Errorf("empty summary for %s", path)
	}

	if s.cache != nil {
		raw, _ := json.Marshal(cachedSummary{Hash: hash, Summary: summary})
		if err := s.cache.SetWithExpiry(ctx, key, raw, s.ttl); err != nil {
			s.logger.Warn().Err(err).Str("file", path).Msg("Summary cache write failed")
		}
	}
	s.logger.Debug().Str("file", path).Msg("File summarised")
	return summary, nil
}
