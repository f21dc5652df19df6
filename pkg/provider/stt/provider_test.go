package stt

import "testing"

func TestSuspect(t *testing.T) {
	tests := []struct {
		name string
		res  Result
		want bool
	}{
		{
			name: "no segments never suspect",
			res:  Result{Text: "hello"},
			want: false,
		},
		{
			name: "clean speech",
			res: Result{Segments: []Segment{
				{NoSpeechProb: 0.1, CompressionRatio: 1.4, AvgLogprob: -0.3},
				{NoSpeechProb: 0.2, CompressionRatio: 1.6, AvgLogprob: -0.4},
			}},
			want: false,
		},
		{
			name: "high mean no-speech probability",
			res: Result{Segments: []Segment{
				{NoSpeechProb: 0.9, CompressionRatio: 1.4, AvgLogprob: -0.3},
				{NoSpeechProb: 0.8, CompressionRatio: 1.4, AvgLogprob: -0.3},
			}},
			want: true,
		},
		{
			name: "one repetitive segment",
			res: Result{Segments: []Segment{
				{NoSpeechProb: 0.1, CompressionRatio: 1.4, AvgLogprob: -0.3},
				{NoSpeechProb: 0.1, CompressionRatio: 3.1, AvgLogprob: -0.3},
			}},
			want: true,
		},
		{
			name: "low mean log-probability",
			res: Result{Segments: []Segment{
				{NoSpeechProb: 0.1, CompressionRatio: 1.4, AvgLogprob: -1.8},
				{NoSpeechProb: 0.1, CompressionRatio: 1.4, AvgLogprob: -0.9},
			}},
			want: true,
		},
		{
			name: "thresholds are strict inequalities",
			res: Result{Segments: []Segment{
				{NoSpeechProb: 0.7, CompressionRatio: 2.4, AvgLogprob: -1.0},
			}},
			want: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.res.Suspect(); got != tc.want {
				t.Errorf("Suspect() = %v, want %v", got, tc.want)
			}
		})
	}
}
