package classify

import "testing"

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Verdict
	}{
		{
			name: "bare json",
			text: `{"valid":true,"category":"job","opportunityScore":87,"reasoning":"senior go role"}`,
			want: Verdict{Valid: true, Category: "job", Score: 87, Reasoning: "senior go role"},
		},
		{
			name: "wrapped in prose and fences",
			text: "Sure! Here is the result:\n```json\n{\"valid\":true,\"category\":\"HIRING\",\"opportunityScore\":62.7,\"reasoning\":\"  maybe \"}\n```",
			want: Verdict{Valid: true, Category: "job", Score: 62, Reasoning: "maybe"},
		},
		{
			name: "braces inside string values",
			text: `{"valid":false,"category":"other","opportunityScore":10,"reasoning":"uses {braces} and \"quotes\""}`,
			want: Verdict{Valid: false, Category: "other", Score: 10, Reasoning: `uses {braces} and "quotes"`},
		},
		{
			name: "score clamped high",
			text: `{"valid":true,"category":"gig","opportunityScore":140,"reasoning":""}`,
			want: Verdict{Valid: true, Category: "freelance", Score: 100},
		},
		{
			name: "score clamped low",
			text: `{"valid":true,"category":"collab","opportunityScore":-5,"reasoning":""}`,
			want: Verdict{Valid: true, Category: "collab", Score: 0},
		},
		{
			name: "no json at all",
			text: "I cannot answer that.",
			want: Verdict{},
		},
		{
			name: "unbalanced braces",
			text: `{"valid":true,"category":"job"`,
			want: Verdict{},
		},
		{
			name: "not an object we understand",
			text: `{"something": [1,2,3]}`,
			want: Verdict{Valid: false, Category: "other", Score: 0},
		},
		{
			name: "empty input",
			text: "",
			want: Verdict{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseVerdict(tt.text)
			if got != tt.want {
				t.Fatalf("ParseVerdict() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNormalizeCategory(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"job", CategoryJob},
		{"HIRING", CategoryJob},
		{" Employment ", CategoryJob},
		{"gig", CategoryFreelance},
		{"CONTRACT", CategoryFreelance},
		{"co-founder", CategoryCollab},
		{"showcase", CategoryShowcase},
		{"other", CategoryOther},
		{"banana", CategoryOther},
		{"", CategoryOther},
	}
	for _, tt := range tests {
		if got := NormalizeCategory(tt.raw); got != tt.want {
			t.Errorf("NormalizeCategory(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
