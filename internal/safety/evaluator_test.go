package safety

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestKeywordEvaluatorTriggers(t *testing.T) {
	tests := []struct {
		text       string
		wantAction Action
	}{
		{"I'm going to file a lawsuit over this", ActionEscalate},
		{"We may take LEGAL ACTION", ActionEscalate},
		{"this is a regulatory matter", ActionEscalate},
		{"you are an idiot", ActionEscalate},
		{"I'd like to book a cleaning on Tuesday", ActionAllow},
		{"", ActionAllow},
	}

	var ev KeywordEvaluator
	for _, tt := range tests {
		res, err := ev.Evaluate(context.Background(), tt.text, Context{})
		if err != nil {
			t.Fatalf("Evaluate(%q): %v", tt.text, err)
		}
		if res.Action != tt.wantAction {
			t.Errorf("Evaluate(%q).Action = %q, want %q", tt.text, res.Action, tt.wantAction)
		}
		if res.Safe != (tt.wantAction == ActionAllow) {
			t.Errorf("Evaluate(%q).Safe = %v", tt.text, res.Safe)
		}
		if res.Action == ActionEscalate && (res.Reason == "" || res.Confidence == 0) {
			t.Errorf("Evaluate(%q) escalated without reason/confidence: %+v", tt.text, res)
		}
		if res.Sentiment == nil {
			t.Errorf("Evaluate(%q).Sentiment = nil", tt.text)
		}
	}
}

func TestKeywordEvaluatorSustainedNegative(t *testing.T) {
	var ev KeywordEvaluator
	text := "this is terrible"

	res, _ := ev.Evaluate(context.Background(), text, Context{SentimentHistory: []float64{-0.9}})
	if res.Action != ActionAllow {
		t.Fatalf("two negative turns escalated: %+v", res)
	}

	res, _ = ev.Evaluate(context.Background(), text, Context{SentimentHistory: []float64{0.5, -0.9, -0.7}})
	if res.Action != ActionEscalate {
		t.Fatalf("three negative turns did not escalate: %+v", res)
	}
	if res.Confidence != DefaultConfidence {
		t.Errorf("Confidence = %v, want %v", res.Confidence, DefaultConfidence)
	}

	res, _ = ev.Evaluate(context.Background(), text, Context{SentimentHistory: []float64{-0.9, 0.2, -0.9}})
	if res.Action != ActionAllow {
		t.Errorf("interrupted negative run escalated: %+v", res)
	}
}

func TestScore(t *testing.T) {
	if s := Score("thanks, that's great"); s <= 0 {
		t.Errorf("positive text scored %v", s)
	}
	if s := Score("this is awful and I'm angry"); s > NegativeThreshold {
		t.Errorf("negative text scored %v", s)
	}
	if s := Score("not good"); s >= 0 {
		t.Errorf("negated positive scored %v", s)
	}
	if s := Score("the appointment is on monday"); s != 0 {
		t.Errorf("neutral text scored %v", s)
	}
}

func TestAppendSentimentBounded(t *testing.T) {
	var h []float64
	for i := 0; i < 25; i++ {
		h = AppendSentiment(h, float64(i))
	}
	if len(h) != MaxSentimentHistory {
		t.Fatalf("len = %d, want %d", len(h), MaxSentimentHistory)
	}
	if h[0] != 15 || h[len(h)-1] != 24 {
		t.Errorf("history = %v, want 15..24", h)
	}
}

func TestAverage(t *testing.T) {
	if Average(nil) != nil {
		t.Error("Average(nil) should be nil")
	}
	if got := *Average([]float64{1, 0, -0.5}); got < 0.166 || got > 0.167 {
		t.Errorf("Average = %v", got)
	}
}

func TestSanitize(t *testing.T) {
	in := "call me at +1 (555) 123-4567 or mail jo.smith@example.com, account 99887766"
	got := Sanitize(in)
	for _, leaked := range []string{"555", "jo.smith", "example.com", "99887766"} {
		if strings.Contains(got, leaked) {
			t.Errorf("Sanitize leaked %q: %q", leaked, got)
		}
	}
	if !strings.Contains(got, "[email]") || !strings.Contains(got, "[phone]") {
		t.Errorf("Sanitize = %q, want placeholders", got)
	}
}

func TestSanitizeTruncates(t *testing.T) {
	got := Sanitize(strings.Repeat("é", 500))
	if n := utf8.RuneCountInString(got); n != MaxSanitizedRunes {
		t.Errorf("rune count = %d, want %d", n, MaxSanitizedRunes)
	}
}

func TestEvaluatorFunc(t *testing.T) {
	var called bool
	ev := EvaluatorFunc(func(ctx context.Context, text string, c Context) (Result, error) {
		called = true
		return Result{Safe: true, Action: ActionAllow}, nil
	})
	if _, err := ev.Evaluate(context.Background(), "hi", Context{}); err != nil || !called {
		t.Errorf("EvaluatorFunc not invoked: called=%v err=%v", called, err)
	}
}
