package email

import "testing"

func TestComposeCaptionTargetSubject(t *testing.T) {
	p, err := New(ServerConfig{Host: "smtp.example.com"}, "secret", Settings{
		Recipient:     "dest@example.com",
		CaptionTarget: CaptionTargetSubject,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	subject, body := p.compose("a lovely caption")
	if subject != "a lovely caption" {
		t.Fatalf("subject = %q", subject)
	}
	if body != "" {
		t.Fatalf("body = %q, want empty", body)
	}
}

func TestComposeCaptionTargetBoth(t *testing.T) {
	p, err := New(ServerConfig{Host: "smtp.example.com"}, "secret", Settings{
		Recipient:     "dest@example.com",
		CaptionTarget: CaptionTargetBoth,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	subject, body := p.compose("caption text")
	if subject != "caption text" || body != "caption text" {
		t.Fatalf("subject=%q body=%q, want both equal to caption", subject, body)
	}
}

func TestComposeCaptionTargetBodyUsesSubjectMode(t *testing.T) {
	cases := []struct {
		mode    SubjectMode
		subject string
	}{
		{SubjectModeNormal, "New post"},
		{SubjectModePrivate, "New private share"},
		{SubjectModeAvatar, "New avatar update"},
	}

	for _, c := range cases {
		p, err := New(ServerConfig{Host: "smtp.example.com"}, "secret", Settings{
			Recipient:     "dest@example.com",
			CaptionTarget: CaptionTargetBody,
			SubjectMode:   c.mode,
		})
		if err != nil {
			t.Fatalf("New: %v", err)
		}

		subject, body := p.compose("caption text")
		if subject != c.subject {
			t.Fatalf("mode %q: subject = %q, want %q", c.mode, subject, c.subject)
		}
		if body != "caption text" {
			t.Fatalf("mode %q: body = %q", c.mode, body)
		}
	}
}

func TestNewDefaultsCaptionTargetAndSubjectMode(t *testing.T) {
	p, err := New(ServerConfig{Host: "smtp.example.com"}, "secret", Settings{Recipient: "dest@example.com"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.settings.CaptionTarget != CaptionTargetBody {
		t.Fatalf("default caption target = %q", p.settings.CaptionTarget)
	}
	if p.settings.SubjectMode != SubjectModeNormal {
		t.Fatalf("default subject mode = %q", p.settings.SubjectMode)
	}
	if p.settings.Platform != "email" {
		t.Fatalf("default platform = %q", p.settings.Platform)
	}
}

func TestNewRejectsMissingHost(t *testing.T) {
	if _, err := New(ServerConfig{}, "secret", Settings{Recipient: "dest@example.com"}); err == nil {
		t.Fatal("expected error for missing smtp host")
	}
}

func TestFetlifeSharesTenantCredentialAndPlatform(t *testing.T) {
	// FetLife publishers carry credentials_ref=null and share the tenant's
	// email_server password; the platform label distinguishes Result.Platform.
	p, err := New(ServerConfig{Host: "smtp.example.com", UseTLS: true}, "tenant-email-password", Settings{
		Platform:      "fetlife",
		Recipient:     "notifications@fetlife.example",
		CaptionTarget: CaptionTargetBody,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Platform() != "fetlife" {
		t.Fatalf("platform = %q, want fetlife", p.Platform())
	}
	if p.password != "tenant-email-password" {
		t.Fatalf("password not threaded through from shared email_server credential")
	}
}

func TestIsEnabledRequiresHostAndRecipient(t *testing.T) {
	p, err := New(ServerConfig{Host: "smtp.example.com"}, "secret", Settings{Recipient: ""})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.IsEnabled() {
		t.Fatal("expected IsEnabled=false without a recipient")
	}
}
