package ai

import "testing"

func TestExtractJSONObject(t *testing.T) {
	s := "here is your answer: {\"description\": \"a cat\"} thanks"

	extracted, ok := extractJSONObject(s)
	if !ok {
		t.Fatal("expected extraction to succeed")
	}
	if extracted != `{"description": "a cat"}` {
		t.Fatalf("got %q", extracted)
	}
}

func TestExtractJSONObjectNoBraces(t *testing.T) {
	if _, ok := extractJSONObject("no json here"); ok {
		t.Fatal("expected no extraction without braces")
	}
}

func TestTruncateCaption(t *testing.T) {
	spec := CaptionSpec{MaxLength: 5}
	if got := truncateCaption("hello world", spec); got != "hello" {
		t.Fatalf("got %q", got)
	}

	spec.MaxLength = 0
	if got := truncateCaption("hello world", spec); got != "hello world" {
		t.Fatalf("unbounded caption should pass through unchanged, got %q", got)
	}
}

func TestCaptionPromptIncludesPlatformAndHashtags(t *testing.T) {
	analysis := ImageAnalysis{Description: "a sunset"}
	spec := CaptionSpec{Platform: "telegram", Style: "playful", MaxLength: 280, Hashtags: []string{"sunset", "nature"}}

	prompt := captionPrompt(analysis, spec)

	if !contains(prompt, "telegram") || !contains(prompt, "sunset") || !contains(prompt, "nature") {
		t.Fatalf("prompt missing expected content: %q", prompt)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
