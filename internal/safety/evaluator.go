// Package safety decides whether a caller utterance should be escalated to a
// human reviewer. Evaluators never interrupt a conversation; the relay only
// records their verdicts.
package safety

import (
	"context"
	"strings"
	"unicode"
)

// Action is the verdict of an evaluation.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionEscalate Action = "escalate"
)

// DefaultConfidence is recorded when an evaluator escalates without one.
const DefaultConfidence = 0.8

// MaxSentimentHistory bounds the per-call sentiment history.
const MaxSentimentHistory = 10

// Context carries what is known about the call so far.
type Context struct {
	DurationSeconds  int
	TurnCount        int
	SentimentHistory []float64
}

// Result is the outcome of evaluating one utterance.
type Result struct {
	Safe       bool
	Action     Action
	Reason     string
	Confidence float64
	// Sentiment is nil when the evaluator does not score sentiment.
	Sentiment *float64
}

// Evaluator classifies an utterance.
type Evaluator interface {
	Evaluate(ctx context.Context, text string, c Context) (Result, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, text string, c Context) (Result, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, text string, c Context) (Result, error) {
	return f(ctx, text, c)
}

// AppendSentiment adds score to history, dropping the oldest entries beyond
// MaxSentimentHistory.
func AppendSentiment(history []float64, score float64) []float64 {
	history = append(history, score)
	if over := len(history) - MaxSentimentHistory; over > 0 {
		history = append(history[:0:0], history[over:]...)
	}
	return history
}

// Average returns the mean of history, or nil when it is empty.
func Average(history []float64) *float64 {
	if len(history) == 0 {
		return nil
	}
	var sum float64
	for _, v := range history {
		sum += v
	}
	avg := sum / float64(len(history))
	return &avg
}

var escalationTriggers = []string{
	"lawsuit",
	"legal action",
	"regulatory",
	"security",
	"attorney",
	"lawyer",
}

var abusiveTerms = []string{
	"idiot",
	"stupid",
	"shut up",
	"moron",
	"useless",
	"hate you",
}

var lexicon = map[string]float64{
	"thanks":       0.6,
	"thank":        0.6,
	"great":        0.7,
	"perfect":      0.8,
	"good":         0.4,
	"happy":        0.6,
	"appreciate":   0.6,
	"awesome":      0.8,
	"love":         0.7,
	"fine":         0.2,
	"bad":          -0.5,
	"terrible":     -0.9,
	"awful":        -0.9,
	"angry":        -0.8,
	"upset":        -0.7,
	"frustrated":   -0.7,
	"worst":        -0.9,
	"horrible":     -0.9,
	"ridiculous":   -0.7,
	"unacceptable": -0.8,
	"disappointed": -0.7,
	"broken":       -0.4,
	"late":         -0.3,
	"never":        -0.3,
	"cancel":       -0.4,
	"refund":       -0.4,
}

// NegativeThreshold is the sentiment score at or below which a turn counts
// as negative.
const NegativeThreshold = -0.5

// sustainedTurns is how many consecutive negative turns force escalation.
const sustainedTurns = 3

// KeywordEvaluator is the default Evaluator: trigger phrases, an abuse list,
// and a small sentiment lexicon.
type KeywordEvaluator struct{}

// Evaluate implements Evaluator.
func (KeywordEvaluator) Evaluate(_ context.Context, text string, c Context) (Result, error) {
	lower := strings.ToLower(text)
	score := Score(lower)
	res := Result{Safe: true, Action: ActionAllow, Sentiment: &score}

	for _, trigger := range escalationTriggers {
		if strings.Contains(lower, trigger) {
			return escalate(res, "escalation trigger: "+trigger, 0.9), nil
		}
	}
	for _, term := range abusiveTerms {
		if strings.Contains(lower, term) {
			return escalate(res, "abusive language", 0.85), nil
		}
	}

	if score <= NegativeThreshold {
		negative := 1
		for i := len(c.SentimentHistory) - 1; i >= 0 && negative < sustainedTurns; i-- {
			if c.SentimentHistory[i] > NegativeThreshold {
				break
			}
			negative++
		}
		if negative >= sustainedTurns {
			return escalate(res, "sustained negative sentiment", DefaultConfidence), nil
		}
	}
	return res, nil
}

func escalate(res Result, reason string, confidence float64) Result {
	res.Safe = false
	res.Action = ActionEscalate
	res.Reason = reason
	res.Confidence = confidence
	return res
}

// Score returns a lexicon sentiment score in [-1, 1]. Text with no lexicon
// words scores 0.
func Score(text string) float64 {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	var sum float64
	var hits int
	for i, w := range words {
		v, ok := lexicon[w]
		if !ok {
			continue
		}
		if i > 0 && isNegation(words[i-1]) {
			v = -v
		}
		sum += v
		hits++
	}
	if hits == 0 {
		return 0
	}
	score := sum / float64(hits)
	if score > 1 {
		return 1
	}
	if score < -1 {
		return -1
	}
	return score
}

func isNegation(w string) bool {
	switch w {
	case "not", "no", "don't", "isn't", "wasn't", "never":
		return true
	}
	return false
}
