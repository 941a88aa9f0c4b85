package instagram

import (
	"context"
	"testing"

	"github.com/dhirmadi/imgpub/internal/publish"
)

func TestIsEnabledMirrorsConstructorFlag(t *testing.T) {
	enabled, err := New(true, nil, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !enabled.IsEnabled() {
		t.Fatal("expected enabled=true")
	}

	disabled, err := New(false, nil, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if disabled.IsEnabled() {
		t.Fatal("expected enabled=false")
	}
}

func TestPublishReturnsExplicitFailure(t *testing.T) {
	p, _ := New(true, nil, "")
	result := p.Publish(context.Background(), publish.ImageRef{Filename: "a.jpg"}, "caption", nil)
	if result.Success {
		t.Fatal("expected Success=false")
	}
	if result.Platform != "instagram" {
		t.Fatalf("platform = %q", result.Platform)
	}
	if result.Error == "" {
		t.Fatal("expected non-empty error message")
	}
}
