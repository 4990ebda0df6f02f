package session

import (
	"github.com/rs/zerolog/log"
	"github.com/weaviate/tiktoken-go"
)

// TokenCounter measures message content against the window budget.
type TokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// HeuristicCounter approximates tokens without a vocabulary: four ASCII
// characters or one non-ASCII character per token.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text string) int {
	weight := 0
	for _, r := range text {
		if r <= 127 {
			weight++
		} else {
			weight += 4
		}
	}
	return (weight + 3) / 4
}

// NewTokenCounter loads the cl100k_base encoding, falling back to the
// heuristic when it is unavailable.
func NewTokenCounter() TokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		log.Warn().Err(err).Msg("tiktoken encoding unavailable, using heuristic token counts")
		return HeuristicCounter{}
	}
	return tiktokenCounter{enc: enc}
}
