package stream

import (
	"sync"

	"github.com/mykhaliev/tool-conformance/logger"
	"github.com/mykhaliev/tool-conformance/model"
	"github.com/pkoukk/tiktoken-go"
)

// ApproxTokenDivisor is the characters-per-token ratio used when no
// tokenizer is available.
const ApproxTokenDivisor = 4

// DefaultEncoding is used by TiktokenCounter.
const DefaultEncoding = "cl100k_base"

type TokenCounter interface {
	Count(text string) int
}

type ApproxCounter struct{}

func (ApproxCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return max(len(text)/ApproxTokenDivisor, 1)
}

// TiktokenCounter counts BPE tokens. The encoding is loaded lazily on first
// use; if it cannot be loaded the counter falls back to ApproxCounter.
type TiktokenCounter struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
}

func NewTiktokenCounter(encoding string) *TiktokenCounter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &TiktokenCounter{encoding: encoding}
}

func (c *TiktokenCounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(c.encoding)
		if err != nil {
			logger.Logger.Warn("Tiktoken encoding unavailable, using approximate token counts",
				"encoding", c.encoding,
				"error", err)
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		return ApproxCounter{}.Count(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// NewTokenCounter maps the tokenizer setting to a counter.
func NewTokenCounter(tokenizer string) TokenCounter {
	switch tokenizer {
	case model.TokenizerTiktoken:
		return NewTiktokenCounter(DefaultEncoding)
	case "", model.TokenizerApprox:
		return ApproxCounter{}
	default:
		logger.Logger.Warn("Unknown tokenizer, using approximate token counts", "tokenizer", tokenizer)
		return ApproxCounter{}
	}
}
