// Package sidecar implements the "sidecar-as-cache" codec: the .txt
// companion file stored next to each image, which doubles as a
// training-caption artifact and a cache of the AI's last analysis output.
//
// Format (bit-exact): newline-terminated UTF-8. Line 1 is the sd_caption.
// Line 2 is exactly "# ---". Subsequent lines are "# key: value" in
// lower_snake_case, values raw strings except where they parse as JSON.
package sidecar

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// separatorLine marks the boundary between the sd_caption line and the
// metadata block.
const separatorLine = "# ---"

// Identity carries the fields every sidecar always includes when available.
type Identity struct {
	ImageFile   string
	ContentHash string
	SHA256      string
	Created     time.Time
}

// Versions stamps the sidecar with the caption schema and AI model versions
// that produced it, for forward compatibility when either changes.
type Versions struct {
	SDCaptionVersion string
	ModelVersion     string
}

// Extended carries the phase-2 metadata keys, gated by the tenant's
// extended_metadata_enabled flag. Zero-value fields are omitted from the
// built text.
type Extended struct {
	Lighting       string
	Pose           string
	Materials      []string
	ArtStyle       string
	Tags           []string
	AestheticTerms []string
	Moderation     []string
}

// Build renders a sidecar's text. sdCaption is written verbatim as line 1.
// extended may be nil to omit phase-2 keys entirely.
func Build(sdCaption string, id Identity, v Versions, extended *Extended) string {
	var b strings.Builder

	b.WriteString(strings.TrimRight(sdCaption, "\n"))
	b.WriteString("\n")
	b.WriteString(separatorLine)
	b.WriteString("\n")

	kv := orderedFields{}
	if id.ImageFile != "" {
		kv.addString("image_file", id.ImageFile)
	}
	if id.ContentHash != "" {
		kv.addString("content_hash", id.ContentHash)
	}
	if id.SHA256 != "" {
		kv.addString("sha256", id.SHA256)
	}
	if !id.Created.IsZero() {
		kv.addString("created", id.Created.UTC().Format(time.RFC3339))
	}
	if v.SDCaptionVersion != "" {
		kv.addString("sd_caption_version", v.SDCaptionVersion)
	}
	if v.ModelVersion != "" {
		kv.addString("model_version", v.ModelVersion)
	}

	if extended != nil {
		if extended.Lighting != "" {
			kv.addString("lighting", extended.Lighting)
		}
		if extended.Pose != "" {
			kv.addString("pose", extended.Pose)
		}
		if len(extended.Materials) > 0 {
			kv.addJSON("materials", extended.Materials)
		}
		if extended.ArtStyle != "" {
			kv.addString("art_style", extended.ArtStyle)
		}
		if len(extended.Tags) > 0 {
			kv.addJSON("tags", extended.Tags)
		}
		if len(extended.AestheticTerms) > 0 {
			kv.addJSON("aesthetic_terms", extended.AestheticTerms)
		}
		if len(extended.Moderation) > 0 {
			kv.addJSON("moderation", extended.Moderation)
		}
	}

	for _, line := range kv.lines {
		b.WriteString(line)
		b.WriteString("\n")
	}

	return b.String()
}

type orderedFields struct {
	lines []string
}

func (o *orderedFields) addString(key, value string) {
	o.lines = append(o.lines, fmt.Sprintf("# %s: %s", key, value))
}

func (o *orderedFields) addJSON(key string, value any) {
	b, err := json.Marshal(value)
	if err != nil {
		return
	}
	o.lines = append(o.lines, fmt.Sprintf("# %s: %s", key, string(b)))
}

// ParseResult is the outcome of parsing a sidecar's raw text.
type ParseResult struct {
	SDCaption  string
	Metadata   map[string]any
	ParseError bool
}

// Parse reads a sidecar's text. Malformed input yields a partial result
// with ParseError=true rather than an error return; callers treat a partial
// result as "insufficient for cache" and fall back to fresh analysis.
func Parse(text string) ParseResult {
	if text == "" {
		return ParseResult{ParseError: true}
	}

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() {
		return ParseResult{ParseError: true}
	}
	sdCaption := strings.TrimRight(scanner.Text(), "\r")

	if !isPrintableUTF8(sdCaption) {
		return ParseResult{ParseError: true}
	}

	result := ParseResult{SDCaption: sdCaption, Metadata: map[string]any{}}

	foundSeparator := false
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		if !foundSeparator {
			if strings.TrimSpace(line) == separatorLine {
				foundSeparator = true
			}
			continue
		}

		key, value, ok := parseMetadataLine(line)
		if !ok {
			continue
		}
		result.Metadata[key] = decodeValue(value)
	}

	if err := scanner.Err(); err != nil {
		result.ParseError = true
	}
	if !foundSeparator {
		result.ParseError = true
	}

	return result
}

// parseMetadataLine matches "# key: value"; returns ok=false for any line
// that doesn't match, so unrecognized or corrupt lines are skipped rather
// than failing the whole parse.
func parseMetadataLine(line string) (key, value string, ok bool) {
	if !strings.HasPrefix(line, "# ") {
		return "", "", false
	}
	rest := strings.TrimPrefix(line, "# ")

	idx := strings.Index(rest, ": ")
	if idx < 0 {
		return "", "", false
	}

	key = rest[:idx]
	value = rest[idx+2:]
	if key == "" {
		return "", "", false
	}

	return key, value, true
}

// decodeValue attempts a JSON decode of value, falling back to the raw
// string when it doesn't parse as JSON.
func decodeValue(value string) any {
	var v any
	if err := json.Unmarshal([]byte(value), &v); err == nil {
		return v
	}

	return value
}

func isPrintableUTF8(s string) bool {
	for _, r := range s {
		if r == 0 || (r < 0x20 && r != '\t') {
			return false
		}
	}

	return true
}

// CacheView is what the orchestrator reads back out of a cached sidecar.
type CacheView struct {
	Caption     string
	SDCaption   string
	Tags        []string
	ContentHash string
	SHA256      string
}

// Rehydrate is the "sidecar-as-cache" entry point: given raw sidecar text,
// decide whether it's a usable cache hit and, if so, reconstruct a view of
// it. Acceptance rule: a sidecar qualifies as a cache hit iff sd_caption is
// present; all other metadata enrichment is best-effort.
func Rehydrate(text string) (view CacheView, hit bool) {
	pr := Parse(text)
	if pr.ParseError || pr.SDCaption == "" {
		return CacheView{}, false
	}

	view.SDCaption = pr.SDCaption
	view.Caption = pr.SDCaption

	if tags, ok := pr.Metadata["tags"].([]any); ok {
		view.Tags = stringSlice(tags)
	}
	if v, ok := pr.Metadata["content_hash"].(string); ok {
		view.ContentHash = v
	}
	if v, ok := pr.Metadata["sha256"].(string); ok {
		view.SHA256 = v
	}

	return view, true
}

func stringSlice(vs []any) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}

	return out
}

// Filename derives the sidecar filename for an image basename, e.g.
// "photo.jpg" -> "photo.txt".
func Filename(imageFilename string) string {
	stem := imageFilename
	if idx := strings.LastIndex(stem, "."); idx >= 0 {
		stem = stem[:idx]
	}

	return stem + ".txt"
}
