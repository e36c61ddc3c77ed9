package email

import (
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing port",
			config: Config{
				Host: "smtp.example.com",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "test@example.com",
			},
			expected: true,
		},
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

func TestRenderSignupNoticeTemplate(t *testing.T) {
	data := signupNoticeData{
		AppName:  "Worksite",
		NewEmail: "new@example.com",
	}

	html, err := renderTemplate(signupNoticeTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "Worksite") {
		t.Error("template should contain app name")
	}
	if !strings.Contains(html, "new@example.com") {
		t.Error("template should contain the new account email")
	}
	if !strings.Contains(html, "approval") {
		t.Error("template should mention approval")
	}
}

func TestRenderApprovalNoticeTemplate(t *testing.T) {
	data := approvalNoticeData{
		AppName:   "Worksite",
		UserEmail: "worker@example.com",
	}

	html, err := renderTemplate(approvalNoticeTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "Worksite") {
		t.Error("template should contain app name")
	}
	if !strings.Contains(html, "worker@example.com") {
		t.Error("template should contain the user email")
	}
	if !strings.Contains(html, "approved") {
		t.Error("template should mention approval")
	}
}
