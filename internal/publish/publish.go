// Package publish defines the publisher contract and a type-keyed registry,
// grounded on the teacher's ProviderFactory registry-by-key pattern in
// internal/server/server.go, adapted from LLM providers to publish channels.
package publish

import "context"

// ImageRef is what a publisher needs to attach/reference the image being
// published. The orchestrator's publish fan-out sets Filename and Bytes for
// every publisher and leaves TempURL empty.
type ImageRef struct {
	Filename string
	Bytes    []byte
	TempURL  string
}

// Result is the outcome of one publisher's attempt. Immutable once produced.
type Result struct {
	Success    bool   `json:"success"`
	PostID     string `json:"post_id,omitempty"`
	Error      string `json:"error,omitempty"`
	Platform   string `json:"platform"`
	DurationMS int64  `json:"duration_ms"`
}

// Publisher is the uniform interface every channel implements. Errors are
// caught internally and returned as Result.Success=false; they never
// propagate as a Go error from Publish.
type Publisher interface {
	IsEnabled() bool
	Platform() string
	Publish(ctx context.Context, image ImageRef, caption string, publishContext map[string]any) Result
}

// Factory creates a Publisher for one tenant's PublisherConfig settings.
type Factory func(settings map[string]any, credential string) (Publisher, error)

// Registry maps a publisher type name to its Factory, mirroring the
// teacher's provider-registry-by-key shape.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry builds an empty registry; register factories with Register.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for a publisher type.
func (r *Registry) Register(publisherType string, factory Factory) {
	r.factories[publisherType] = factory
}

// Build looks up the factory for publisherType and constructs a Publisher.
func (r *Registry) Build(publisherType string, settings map[string]any, credential string) (Publisher, error) {
	factory, ok := r.factories[publisherType]
	if !ok {
		return nil, &UnknownTypeError{Type: publisherType}
	}

	return factory(settings, credential)
}

// UnknownTypeError is returned by Build for an unregistered publisher type.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return "unknown publisher type: " + e.Type
}
