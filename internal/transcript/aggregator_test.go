package transcript_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/lingo/internal/transcript"
)

func TestAggregator_Flush(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		user  []string
		model []string
		want  []transcript.Line
	}{
		{
			name:  "model fragments join",
			model: []string{"Hel", "lo there"},
			want:  []transcript.Line{{Speaker: transcript.SpeakerModel, Text: "Hello there"}},
		},
		{
			name: "user only",
			user: []string{" I goed ", "home. "},
			want: []transcript.Line{{Speaker: transcript.SpeakerUser, Text: "I goed home."}},
		},
		{
			name:  "user before model",
			model: []string{"You mean went."},
			user:  []string{"I goed."},
			want: []transcript.Line{
				{Speaker: transcript.SpeakerUser, Text: "I goed."},
				{Speaker: transcript.SpeakerModel, Text: "You mean went."},
			},
		},
		{
			name:  "whitespace only is suppressed",
			user:  []string{"  ", "\n"},
			model: []string{"\t"},
			want:  nil,
		},
		{
			name: "nothing buffered",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var a transcript.Aggregator
			for _, f := range tt.model {
				a.AppendModel(f)
			}
			for _, f := range tt.user {
				a.AppendUser(f)
			}
			got := a.Flush()
			if !slices.Equal(got, tt.want) {
				t.Errorf("Flush() = %+v; want %+v", got, tt.want)
			}
			if u, m := a.Pending(); u != "" || m != "" {
				t.Errorf("Pending() after Flush = %q, %q; want empty", u, m)
			}
		})
	}
}

func TestAggregator_DiscardModel(t *testing.T) {
	t.Parallel()

	var a transcript.Aggregator
	a.AppendUser("Can you")
	a.AppendModel("Sure, let me")
	a.DiscardModel()

	u, m := a.Pending()
	if u != "Can you" || m != "" {
		t.Fatalf("Pending() = %q, %q; want %q, empty", u, m, "Can you")
	}

	a.AppendModel("Go ahead.")
	want := []transcript.Line{
		{Speaker: transcript.SpeakerUser, Text: "Can you"},
		{Speaker: transcript.SpeakerModel, Text: "Go ahead."},
	}
	if got := a.Flush(); !slices.Equal(got, want) {
		t.Errorf("Flush() = %+v; want %+v", got, want)
	}
}

func TestAggregator_FlushTwice(t *testing.T) {
	t.Parallel()

	var a transcript.Aggregator
	a.AppendModel("Hi!")
	if got := a.Flush(); len(got) != 1 {
		t.Fatalf("first Flush() = %+v; want one line", got)
	}
	if got := a.Flush(); got != nil {
		t.Errorf("second Flush() = %+v; want nil", got)
	}
}
