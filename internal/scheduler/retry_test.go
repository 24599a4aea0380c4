package scheduler

import "testing"

func TestRetryManager_Bound(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		wantRetry  []bool
	}{
		{"default", DefaultMaxRetries, []bool{true, true, true, false}},
		{"zero", 0, []bool{false}},
		{"negative_treated_as_zero", -2, []bool{false}},
		{"one", 1, []bool{true, false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRetryManager(tt.maxRetries)
			for i, want := range tt.wantRetry {
				attempt, retry := r.RecordFailure("https://example.test/p.html")
				if attempt != i+1 {
					t.Fatalf("attempt %d: got count %d", i+1, attempt)
				}
				if retry != want {
					t.Fatalf("attempt %d: retry = %v, want %v", i+1, retry, want)
				}
			}
		})
	}
}

func TestRetryManager_CountsPerURL(t *testing.T) {
	r := NewRetryManager(3)
	r.RecordFailure("a")
	r.RecordFailure("a")
	r.RecordFailure("b")

	if got := r.Attempts("a"); got != 2 {
		t.Fatalf("attempts(a) = %d, want 2", got)
	}
	if got := r.Attempts("b"); got != 1 {
		t.Fatalf("attempts(b) = %d, want 1", got)
	}
	if got := r.Attempts("c"); got != 0 {
		t.Fatalf("attempts(c) = %d, want 0", got)
	}
}
