package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDecider struct {
	calls  atomic.Int32
	decide func(ctx context.Context, req Request) (Verdict, error)
}

func (f *fakeDecider) Name() string { return "fake" }

func (f *fakeDecider) Decide(ctx context.Context, req Request) (Verdict, error) {
	f.calls.Add(1)
	return f.decide(ctx, req)
}

func answer(token string, confidence float64) *fakeDecider {
	return &fakeDecider{decide: func(context.Context, Request) (Verdict, error) {
		return Verdict{Token: token, Confidence: confidence}, nil
	}}
}

func TestClassify_ModelAnswer(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  Tier
	}{
		{"true is trivial", "true", TierTrivial},
		{"false is overpowered", "false", TierOverpowered},
		{"case and punctuation ignored", " False.\n", TierOverpowered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Config{}, answer(tt.token, 0))
			d := c.Classify(context.Background(), Request{Text: "show orders"})
			assert.Equal(t, tt.want, d.Tier)
			assert.Equal(t, PathModel, d.Path)
			assert.Equal(t, 1.0, d.Confidence)
		})
	}
}

func TestClassify_TimeoutFallsBack(t *testing.T) {
	slow := &fakeDecider{decide: func(ctx context.Context, _ Request) (Verdict, error) {
		<-ctx.Done()
		return Verdict{}, ctx.Err()
	}}
	c := New(Config{Timeout: 20 * time.Millisecond}, slow)

	start := time.Now()
	d := c.Classify(context.Background(), Request{Text: "compare shipments and payments last month"})
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.Equal(t, PathFallback, d.Path)
	assert.Equal(t, TierOverpowered, d.Tier)
	assert.Contains(t, d.Reason, "exceeded")
}

func TestClassify_VocabularyFallsBack(t *testing.T) {
	c := New(Config{}, answer("maybe", 0.99))
	d := c.Classify(context.Background(), Request{Text: "rewrite this sentence"})

	assert.Equal(t, PathFallback, d.Path)
	assert.Equal(t, TierTrivial, d.Tier)
	assert.Contains(t, d.Reason, `"maybe"`)
}

func TestClassify_LowConfidenceFallsBack(t *testing.T) {
	c := New(Config{ConfidenceThreshold: 0.6}, answer("true", 0.3))
	d := c.Classify(context.Background(), Request{Text: "compare orders with payments this week"})

	assert.Equal(t, PathFallback, d.Path)
	assert.Equal(t, TierOverpowered, d.Tier)
}

func TestClassify_NoDecider(t *testing.T) {
	c := New(Config{}, nil)
	d := c.Classify(context.Background(), Request{Text: "hello"})

	assert.Equal(t, PathFallback, d.Path)
	assert.Equal(t, TierTrivial, d.Tier)
	assert.Contains(t, d.Reason, "no model configured")
}

func TestClassify_BackendErrorsTripBreaker(t *testing.T) {
	failing := &fakeDecider{decide: func(context.Context, Request) (Verdict, error) {
		return Verdict{}, errors.New("connection refused")
	}}
	c := New(Config{}, failing)

	for i := 0; i < 6; i++ {
		d := c.Classify(context.Background(), Request{Text: "list refunds"})
		assert.Equal(t, PathFallback, d.Path)
	}

	assert.Equal(t, int32(3), failing.calls.Load(), "breaker should stop calling after 3 failures")
}

func TestClassify_Deterministic(t *testing.T) {
	c := New(Config{}, nil)
	req := Request{Text: "show me the top customers by revenue this quarter"}

	first := c.Classify(context.Background(), req)
	for i := 0; i < 10; i++ {
		d := c.Classify(context.Background(), req)
		assert.Equal(t, first.Tier, d.Tier)
		assert.Equal(t, first.Confidence, d.Confidence)
	}
}

func TestClassify_Observer(t *testing.T) {
	var seen []Decision
	c := New(Config{}, answer("false", 0.9), WithObserver(func(d Decision) { seen = append(seen, d) }))

	c.Classify(context.Background(), Request{Text: "x"})
	require.Len(t, seen, 1)
	assert.Equal(t, TierOverpowered, seen[0].Tier)
}

func TestHeuristic(t *testing.T) {
	h := NewHeuristic(WordCounter{}, 40)

	tests := []struct {
		name      string
		text      string
		want      Tier
		ambiguous bool
	}{
		{"greeting", "hello there", TierTrivial, false},
		{"rewrite", "rewrite this paragraph to sound friendlier", TierTrivial, false},
		{"cross source", "compare Shiprocket shipments with PayU payments last month", TierOverpowered, false},
		{"analysis", "find outliers in orders this week", TierOverpowered, false},
		{"vague retrieval", "show me something", TierTrivial, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := h.Classify(Request{Text: tt.text})
			assert.Equal(t, tt.want, d.Tier)
			assert.Equal(t, PathFallback, d.Path)
			if tt.ambiguous {
				assert.Equal(t, 0.5, d.Confidence)
			} else {
				assert.GreaterOrEqual(t, d.Confidence, 0.6)
			}
		})
	}
}

func TestParseToken(t *testing.T) {
	for token, want := range map[string]Tier{"true": TierTrivial, "TRUE": TierTrivial, "`false`": TierOverpowered} {
		got, ok := parseToken(token)
		assert.True(t, ok, token)
		assert.Equal(t, want, got, token)
	}
	for _, token := range []string{"", "yes", "trivial", "true false"} {
		_, ok := parseToken(token)
		assert.False(t, ok, token)
	}
}

func TestOllama_Decide(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"false"}}`))
	}))
	defer srv.Close()

	o := NewOllama(Config{Host: srv.URL + "/", Model: "qwen2.5:0.5b"})
	v, err := o.Decide(context.Background(), Request{Text: "orders today"})
	require.NoError(t, err)

	assert.Equal(t, "false", v.Token)
	assert.Equal(t, "qwen2.5:0.5b", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "orders today", got.Messages[1].Content)
}

func TestOllama_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewOllama(Config{Host: srv.URL}).Decide(context.Background(), Request{Text: "x"})
	assert.Error(t, err)
}

func TestOpenAI_DecideWithLogprobs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"true"},
			"logprobs":{"content":[{"token":"true","logprob":-0.1}]}}]}`))
	}))
	defer srv.Close()

	o := NewOpenAI(Config{Host: srv.URL, Model: "local", APIKey: "secret"})
	v, err := o.Decide(context.Background(), Request{Text: "fix grammar"})
	require.NoError(t, err)

	assert.Equal(t, "true", v.Token)
	assert.InDelta(t, 0.905, v.Confidence, 0.001)
}

func TestNewFromConfig(t *testing.T) {
	c, err := NewFromConfig(Config{})
	require.NoError(t, err)
	assert.Nil(t, c.decider)

	c, err = NewFromConfig(Config{Backend: "ollama"})
	require.NoError(t, err)
	assert.Equal(t, "ollama", c.decider.Name())

	_, err = NewFromConfig(Config{Backend: "gemini"})
	assert.Error(t, err)

	_, err = NewFromConfig(Config{Backend: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestTokenCounters(t *testing.T) {
	assert.Equal(t, 3, WordCounter{}.Count("one two  three"))
	assert.Greater(t, NewTiktokenCounter("no-such-encoding").Count("one two three"), 0)
}
