package telegram

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

func testJPEG(t *testing.T, width, height int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode test jpeg: %v", err)
	}

	return buf.Bytes()
}

func TestResizeLongestEdgeShrinksOversized(t *testing.T) {
	src := testJPEG(t, 2000, 1000)

	out, err := resizeLongestEdge(src, maxLongestEdge)
	if err != nil {
		t.Fatalf("resizeLongestEdge: %v", err)
	}

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode resized: %v", err)
	}
	if cfg.Width != maxLongestEdge {
		t.Fatalf("width = %d, want %d", cfg.Width, maxLongestEdge)
	}
}

func TestResizeLongestEdgeLeavesSmallImageUnchangedDimensions(t *testing.T) {
	src := testJPEG(t, 100, 80)

	out, err := resizeLongestEdge(src, maxLongestEdge)
	if err != nil {
		t.Fatalf("resizeLongestEdge: %v", err)
	}

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode resized: %v", err)
	}
	if cfg.Width != 100 || cfg.Height != 80 {
		t.Fatalf("dimensions changed: got %dx%d", cfg.Width, cfg.Height)
	}
}

func TestChatIDFromSettingsAcceptsMultipleTypes(t *testing.T) {
	cases := []map[string]any{
		{"chat_id": float64(12345)},
		{"chat_id": "12345"},
		{"chat_id": int64(12345)},
	}

	for _, c := range cases {
		id, err := chatIDFromSettings(c)
		if err != nil {
			t.Fatalf("chatIDFromSettings(%v): %v", c, err)
		}
		if id != 12345 {
			t.Fatalf("got %d, want 12345", id)
		}
	}
}

func TestChatIDFromSettingsMissing(t *testing.T) {
	if _, err := chatIDFromSettings(map[string]any{}); err == nil {
		t.Fatal("expected error for missing chat_id")
	}
}

func TestNewRejectsEmptyToken(t *testing.T) {
	if _, err := New(map[string]any{"chat_id": float64(1)}, ""); err == nil {
		t.Fatal("expected error for empty bot token")
	}
}
