package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dhirmadi/imgpub/internal/storage"
)

// postedStateFilename is where the dedup record lives, directly under the
// tenant's storage root.
const postedStateFilename = "posted.json"

// PostedState is the per-tenant dedup record: an image is considered
// already posted if either its sha256 or its store-native content hash
// appears here. The union, not either set alone, is authoritative.
type PostedState struct {
	SHA256Hashes  map[string]struct{}
	ContentHashes map[string]struct{}
}

type postedStateWire struct {
	SHA256Hashes   []string `json:"sha256_hashes"`
	ContentHashes  []string `json:"dropbox_content_hashes"`
}

// newPostedState returns an empty state, used both as the zero value and
// when posted.json does not exist yet.
func newPostedState() *PostedState {
	return &PostedState{
		SHA256Hashes:  make(map[string]struct{}),
		ContentHashes: make(map[string]struct{}),
	}
}

// HasSHA256 reports whether sha is already recorded.
func (s *PostedState) HasSHA256(sha string) bool {
	_, ok := s.SHA256Hashes[sha]
	return ok
}

// HasContentHash reports whether contentHash is already recorded.
func (s *PostedState) HasContentHash(contentHash string) bool {
	_, ok := s.ContentHashes[contentHash]
	return ok
}

// Record appends both hashes. PostedState never shrinks except by operator
// action outside this process.
func (s *PostedState) Record(sha256Hash, contentHash string) {
	if sha256Hash != "" {
		s.SHA256Hashes[sha256Hash] = struct{}{}
	}
	if contentHash != "" {
		s.ContentHashes[contentHash] = struct{}{}
	}
}

// LoadPostedState reads posted.json from root; a missing file yields an
// empty state rather than an error. Exported so internal/server can filter
// the same candidate pool Execute would see, for the browsing endpoints.
func LoadPostedState(ctx context.Context, store storage.Adapter, root string) (*PostedState, error) {
	return loadPostedState(ctx, store, root)
}

// loadPostedState reads posted.json from root; a missing file yields an
// empty state rather than an error.
func loadPostedState(ctx context.Context, store storage.Adapter, root string) (*PostedState, error) {
	raw, err := store.ReadFile(ctx, root, postedStateFilename)
	if err != nil {
		if storage.IsNotFound(err) {
			return newPostedState(), nil
		}
		return nil, fmt.Errorf("load posted state: %w", err)
	}

	var wire postedStateWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode posted state: %w", err)
	}

	state := newPostedState()
	for _, h := range wire.SHA256Hashes {
		state.SHA256Hashes[h] = struct{}{}
	}
	for _, h := range wire.ContentHashes {
		state.ContentHashes[h] = struct{}{}
	}

	return state, nil
}

// savePostedState overwrites posted.json with the current state.
func savePostedState(ctx context.Context, store storage.Adapter, root string, state *PostedState) error {
	wire := postedStateWire{
		SHA256Hashes:  sortedKeys(state.SHA256Hashes),
		ContentHashes: sortedKeys(state.ContentHashes),
	}

	raw, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("encode posted state: %w", err)
	}

	if err := store.WriteFile(ctx, root, postedStateFilename, raw); err != nil {
		return fmt.Errorf("write posted state: %w", err)
	}

	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	// Stable, deterministic output for tests and diffability; small sets.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
