package email

import (
	"strings"
	"testing"
)

func TestComposeMessage(t *testing.T) {
	msg, err := ComposeMessage(ComposeOptions{
		From:    "Stella <stella@example.org>",
		To:      []string{"Ada Lovelace <ada@example.com>"},
		Subject: "Weekly summary",
		Body:    "# Summary\n\nYou finished **three** tasks this week.",
	})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	raw := string(msg)
	// go-message quotes display names, so match the address only.
	for _, want := range []string{
		"From:",
		"stella@example.org",
		"To:",
		"ada@example.com",
		"Subject: Weekly summary",
		"Message-Id:",
		"Date:",
		"multipart/alternative",
		"text/plain",
		"text/html",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("message missing %q", want)
		}
	}

	// HTML part rendered from markdown, plain part stripped.
	if !strings.Contains(raw, "<strong>three</strong>") {
		t.Error("markdown not rendered to HTML")
	}
	if !strings.Contains(raw, "You finished three tasks") {
		t.Error("plain part not stripped of markdown")
	}
}

func TestComposeMessageThreading(t *testing.T) {
	msg, err := ComposeMessage(ComposeOptions{
		From:       "stella@example.org",
		To:         []string{"ada@example.com"},
		Subject:    "Re: standup",
		Body:       "Sounds good.",
		InReplyTo:  "parent@example.com",
		References: []string{"root@example.com", "parent@example.com"},
	})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	raw := string(msg)
	if !strings.Contains(raw, "In-Reply-To:") {
		t.Error("missing In-Reply-To header")
	}
	if !strings.Contains(raw, "References:") {
		t.Error("missing References header")
	}
}

func TestComposeMessageBadAddress(t *testing.T) {
	_, err := ComposeMessage(ComposeOptions{
		From:    "not an address",
		To:      []string{"ada@example.com"},
		Subject: "x",
		Body:    "y",
	})
	if err == nil {
		t.Fatal("expected error for invalid from address")
	}
}

func TestMarkdownToPlain(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"**bold** text", "bold text"},
		{"a [link](https://example.com) here", "a link (https://example.com) here"},
		{"# Heading\nbody", "Heading\nbody"},
		{"`code` span", "code span"},
	}
	for _, tc := range cases {
		if got := markdownToPlain(tc.in); got != tc.want {
			t.Errorf("markdownToPlain(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExtractAddress(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Ada <ada@example.com>", "ada@example.com"},
		{"ada@example.com", "ada@example.com"},
	}
	for _, tc := range cases {
		if got := extractAddress(tc.in); got != tc.want {
			t.Errorf("extractAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
