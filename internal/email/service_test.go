package email

import (
	"strings"
	"testing"
	"time"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{name: "empty config", config: Config{}, expected: false},
		{name: "missing host", config: Config{Port: "587", From: "compliance@example.com"}, expected: false},
		{name: "missing port", config: Config{Host: "smtp.example.com", From: "compliance@example.com"}, expected: false},
		{name: "missing from", config: Config{Host: "smtp.example.com", Port: "587"}, expected: false},
		{name: "fully configured", config: Config{Host: "smtp.example.com", Port: "587", From: "compliance@example.com"}, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestRenderPurgeCertificateTemplate(t *testing.T) {
	data := PurgeCertificateData{
		PurgeRunID:        "run-42",
		ActionCount:       3,
		ChainTailHash:     "tail-hash-abc",
		CertificateDigest: "digest-def",
		IssuedAt:          time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		GeneratedBy:       "emp-admin",
	}

	html, err := renderTemplate(purgeCertificateTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	for _, want := range []string{"run-42", "tail-hash-abc", "digest-def", "emp-admin"} {
		if !strings.Contains(html, want) {
			t.Errorf("purge certificate template missing %q", want)
		}
	}
}

func TestRenderLegalHoldTemplate(t *testing.T) {
	data := LegalHoldData{
		HoldID:  "hold-7",
		Scope:   "conversation",
		Reason:  "litigation",
		Action:  "created",
		ActedBy: "emp-counsel",
		ActedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	html, err := renderTemplate(legalHoldTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	for _, want := range []string{"hold-7", "conversation", "litigation", "emp-counsel"} {
		if !strings.Contains(html, want) {
			t.Errorf("legal hold template missing %q", want)
		}
	}
}
