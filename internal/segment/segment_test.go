package segment

import (
	"reflect"
	"testing"
)

func TestSplitSentences(t *testing.T) {
	got := Split("Hello world. How are you? Fine!")
	want := []string{"Hello world.", "How are you?", "Fine!"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected segments: %v", got)
	}
}

func TestSplitKeepsTerminatorRuns(t *testing.T) {
	got := Split("Wait... what?! Ok.")
	want := []string{"Wait...", "what?!", "Ok."}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected segments: %v", got)
	}
}

func TestSplitOnNewlines(t *testing.T) {
	got := Split("First line\nSecond line")
	want := []string{"First line", "Second line"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected segments: %v", got)
	}
}

func TestSplitNormalizesWhitespace(t *testing.T) {
	got := Split("Hello   \t world.  Next\t\tone.")
	want := []string{"Hello world.", "Next one."}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected segments: %v", got)
	}
}

func TestSplitDoesNotCutInsideWords(t *testing.T) {
	// A terminator not followed by whitespace stays inside its segment.
	got := Split("Version 1.5 shipped. Done.")
	want := []string{"Version 1.5 shipped.", "Done."}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected segments: %v", got)
	}
}

func TestSplitDropsSilentSegments(t *testing.T) {
	if got := Split(`"{}[]"`); got != nil {
		t.Fatalf("expected punctuation-only text to yield no segments, got %v", got)
	}
	got := Split(`Hello. "()"`)
	want := []string{"Hello."}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected trailing punctuation segment dropped, got %v", got)
	}
}

func TestSplitKeepsLongPunctuation(t *testing.T) {
	// The silent-segment rule only applies below ten characters.
	long := `"""""""""""`
	got := Split(long)
	if len(got) != 1 {
		t.Fatalf("expected long punctuation run to survive, got %v", got)
	}
}

func TestSplitEmpty(t *testing.T) {
	if got := Split(""); got != nil {
		t.Fatalf("expected nil for empty text, got %v", got)
	}
	if got := Split("   \n\t "); got != nil {
		t.Fatalf("expected nil for whitespace text, got %v", got)
	}
}

func TestAllRestartable(t *testing.T) {
	seq := All("One. Two. Three.")

	var first, second []string
	for s := range seq {
		first = append(first, s)
	}
	for s := range seq {
		second = append(second, s)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("iterating twice diverged: %v vs %v", first, second)
	}
	if len(first) != 3 {
		t.Fatalf("expected 3 segments, got %v", first)
	}
}

func TestAllEarlyStop(t *testing.T) {
	count := 0
	for range All("One. Two. Three.") {
		count++
		break
	}
	if count != 1 {
		t.Fatalf("expected a single yield before break, got %d", count)
	}
}
