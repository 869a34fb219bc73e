package tokencount

import "testing"

func TestEstimateText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"hello world, this is a test.", 7},
	}
	for _, tt := range tests {
		if got := EstimateText(tt.in); got != tt.want {
			t.Errorf("EstimateText(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestEstimateBodyOpenAI(t *testing.T) {
	t.Parallel()

	body := []byte(`{"model":"gpt-4o","messages":[
		{"role":"system","content":"You are terse."},
		{"role":"user","content":"What is the capital of France?"}
	]}`)
	got := EstimateBody(body)
	if got < 10 || got > 40 {
		t.Errorf("estimate = %d, want a plausible small count", got)
	}
}

func TestEstimateBodyClaudeParts(t *testing.T) {
	t.Parallel()

	body := []byte(`{"model":"claude-3","system":"Be brief.","messages":[
		{"role":"user","content":[{"type":"text","text":"Summarize this."},{"type":"image","source":{}}]}
	]}`)
	if got := EstimateBody(body); got < 5 {
		t.Errorf("estimate = %d, want text counted from parts", got)
	}
}

func TestEstimateBodyGemini(t *testing.T) {
	t.Parallel()

	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"hello there"}]}]}`)
	if got := EstimateBody(body); got < 3 {
		t.Errorf("estimate = %d", got)
	}
}

func TestEstimateBodyEmpty(t *testing.T) {
	t.Parallel()

	if got := EstimateBody(nil); got != 0 {
		t.Errorf("nil body = %d", got)
	}
	if got := EstimateBody([]byte(`{}`)); got != 1 {
		t.Errorf("empty object = %d, want floor of 1", got)
	}
}
