package context

import "testing"

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantMin int
		wantMax int
	}{
		{name: "empty", text: "", wantMin: 0, wantMax: 0},
		{name: "single char", text: "a", wantMin: 1, wantMax: 1},
		{name: "short text", text: "Hello, world!", wantMin: 1, wantMax: 10},
		{name: "longer text", text: "This is a longer piece of text that should have more tokens.", wantMin: 10, wantMax: 30},
		{name: "unicode text", text: "你好世界", wantMin: 1, wantMax: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateTokens(tt.text)
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("EstimateTokens(%q) = %d, want between %d and %d", tt.text, got, tt.wantMin, tt.wantMax)
			}
		})
	}
}
