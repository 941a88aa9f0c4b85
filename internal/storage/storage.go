// Package storage defines the content-addressed object store adapter
// contract used by internal/orchestrator, and a Dropbox implementation of
// it grounded on the teacher's klient-based vendor clients and the
// CopilotTokenSource cached-token-with-expiry pattern, adapted here to an
// oauth2 offline-refresh-token flow.
package storage

import "context"

// ImageSuffixes are the only file extensions list_images considers.
var ImageSuffixes = []string{".jpg", ".jpeg", ".png"}

// ImageHash pairs a filename with its store-side content hash, used for
// dedup without downloading.
type ImageHash struct {
	Filename    string
	ContentHash string
}

// Adapter is the storage contract every backend (Dropbox today) implements.
type Adapter interface {
	ListImages(ctx context.Context, folder string) ([]string, error)
	ListImagesWithHashes(ctx context.Context, folder string) ([]ImageHash, error)
	Download(ctx context.Context, folder, filename string) ([]byte, error)
	TempLink(ctx context.Context, folder, filename string) (string, error)
	WriteSidecarText(ctx context.Context, folder, basename, text string) error
	// MoveWithSidecars moves filename (and, best-effort, its .txt sidecar)
	// from folder into folder/targetSubfolder, creating it if needed.
	MoveWithSidecars(ctx context.Context, folder, filename, targetSubfolder string) error
	EnsureFolder(ctx context.Context, folder string) error
	// ReadFile and WriteFile back the posted-state dedup record; ReadFile
	// returns a not_found Error when the file doesn't exist yet.
	ReadFile(ctx context.Context, folder, filename string) ([]byte, error)
	WriteFile(ctx context.Context, folder, filename string, data []byte) error
}

// Kind classifies a storage failure for normalized handling up the stack.
type Kind string

const (
	KindNotFound    Kind = "not_found"
	KindAuth        Kind = "auth"
	KindRateLimited Kind = "rate_limited"
	KindTransient   Kind = "transient"
	KindPermanent   Kind = "permanent"
)

// Error is the single normalized error type every Adapter method returns on
// failure.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Detail + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Detail
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a storage Error of kind not_found.
func IsNotFound(err error) bool {
	var se *Error
	return asStorageError(err, &se) && se.Kind == KindNotFound
}

func asStorageError(err error, target **Error) bool {
	for err != nil {
		if se, ok := err.(*Error); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsSupportedImage reports whether filename has one of ImageSuffixes,
// case-insensitively.
func IsSupportedImage(filename string) bool {
	lower := toLower(filename)
	for _, suf := range ImageSuffixes {
		if len(lower) >= len(suf) && lower[len(lower)-len(suf):] == suf {
			return true
		}
	}
	return false
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
