package storage

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsSupportedImage(t *testing.T) {
	cases := map[string]bool{
		"photo.jpg":  true,
		"photo.JPEG": true,
		"photo.png":  true,
		"photo.gif":  false,
		"photo":      false,
	}

	for in, want := range cases {
		if got := IsSupportedImage(in); got != want {
			t.Errorf("IsSupportedImage(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestErrorUnwrapAndIsNotFound(t *testing.T) {
	base := &Error{Kind: KindNotFound, Detail: "no such file"}
	wrapped := fmt.Errorf("download failed: %w", base)

	if !IsNotFound(wrapped) {
		t.Fatal("expected IsNotFound to unwrap through fmt.Errorf")
	}

	other := &Error{Kind: KindTransient, Detail: "retry me"}
	if IsNotFound(other) {
		t.Fatal("transient error should not be reported as not_found")
	}
}

func TestErrorUnwrapStdlib(t *testing.T) {
	inner := errors.New("boom")
	se := &Error{Kind: KindPermanent, Detail: "wrap", Err: inner}

	if !errors.Is(se, inner) {
		t.Fatal("expected errors.Is to find the wrapped inner error")
	}
}

func TestDropboxPath(t *testing.T) {
	if got := dropboxPath("images"); got != "/images" {
		t.Fatalf("dropboxPath(images) = %q", got)
	}
	if got := dropboxPath("images", "a.jpg"); got != "/images/a.jpg" {
		t.Fatalf("dropboxPath(images, a.jpg) = %q", got)
	}
	if got := dropboxPath(""); got != "" {
		t.Fatalf("dropboxPath(\"\") = %q, want root \"\"", got)
	}
}

func TestStemOf(t *testing.T) {
	if got := stemOf("photo.jpg"); got != "photo" {
		t.Fatalf("stemOf(photo.jpg) = %q", got)
	}
	if got := stemOf("noext"); got != "noext" {
		t.Fatalf("stemOf(noext) = %q", got)
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   Kind
	}{
		{200, ""},
		{404, KindNotFound},
		{409, KindNotFound},
		{401, KindAuth},
		{429, KindRateLimited},
		{500, KindTransient},
		{400, KindPermanent},
	}

	for _, c := range cases {
		err := classifyStatus(c.status, []byte("body"))
		if c.status == 200 {
			if err != nil {
				t.Errorf("status 200 should be nil, got %v", err)
			}
			continue
		}
		var se *Error
		if !errors.As(err, &se) {
			t.Fatalf("status %d: expected *Error, got %v", c.status, err)
		}
		if se.Kind != c.kind {
			t.Errorf("status %d: kind = %q, want %q", c.status, se.Kind, c.kind)
		}
	}
}
