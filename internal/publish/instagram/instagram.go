// Package instagram implements internal/publish's Publisher interface for
// Instagram. Per scope, platform-specific posting rules are out of scope;
// this publisher only handles the feature-gated enable/disable contract and
// reports a clear failure if invoked, rather than silently dropping the
// image or faking a success.
package instagram

import (
	"context"
	"time"

	"github.com/dhirmadi/imgpub/internal/publish"
)

// Publisher is a feature-gated placeholder: it never succeeds, but
// participates in the publish fan-out like any other channel so
// WorkflowResult accounting stays uniform across platforms.
type Publisher struct {
	enabled bool
}

// New builds an Instagram publisher. enabled mirrors the tenant's
// PublisherConfig.Enabled flag; settings/credential are accepted for
// Factory-shape parity but unused until platform rules are implemented.
func New(enabled bool, _ map[string]any, _ string) (*Publisher, error) {
	return &Publisher{enabled: enabled}, nil
}

func (p *Publisher) IsEnabled() bool   { return p.enabled }
func (p *Publisher) Platform() string { return "instagram" }

func (p *Publisher) Publish(_ context.Context, _ publish.ImageRef, _ string, _ map[string]any) publish.Result {
	start := time.Now()
	return publish.Result{
		Success:    false,
		Error:      "instagram publishing is not implemented",
		Platform:   "instagram",
		DurationMS: time.Since(start).Milliseconds(),
	}
}
