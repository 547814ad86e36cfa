package signal

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// fakeSignalCLI writes an executable script that prints lines and
// exits with code.
func fakeSignalCLI(t *testing.T, lines []string, code int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	for _, l := range lines {
		b.WriteString("echo '" + l + "'\n")
	}
	b.WriteString("exit " + strconv.Itoa(code) + "\n")

	path := filepath.Join(t.TempDir(), "signal-cli")
	if err := os.WriteFile(path, []byte(b.String()), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIsLinkURI(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"sgnl://linkdevice?uuid=abc&pub_key=def", true},
		{"tsdevice:/?uuid=abc&pub_key=def", true},
		{"Associated with: +15551234567", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isLinkURI(tt.line); got != tt.want {
			t.Errorf("isLinkURI(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestRenderQR(t *testing.T) {
	var buf bytes.Buffer
	if err := RenderQR(&buf, "sgnl://linkdevice?uuid=abc"); err != nil {
		t.Fatal(err)
	}
	if buf.Len() == 0 || strings.Count(buf.String(), "\n") < 10 {
		t.Errorf("QR output too small:\n%s", buf.String())
	}
}

func TestLink_ShowsQRCode(t *testing.T) {
	cli := fakeSignalCLI(t, []string{
		"sgnl://linkdevice?uuid=abc&pub_key=def",
		"Associated with: +15551234567",
	}, 0)

	var out bytes.Buffer
	if err := Link(t.Context(), cli, "parley", &out, slog.Default()); err != nil {
		t.Fatalf("Link() error: %v", err)
	}
	if !strings.Contains(out.String(), "Linked devices") {
		t.Errorf("output missing instructions:\n%s", out.String())
	}
}

func TestLink_NoURI(t *testing.T) {
	cli := fakeSignalCLI(t, []string{"something else"}, 0)
	err := Link(t.Context(), cli, "parley", &bytes.Buffer{}, nil)
	if !errors.Is(err, ErrNoLinkURI) {
		t.Errorf("Link() = %v, want ErrNoLinkURI", err)
	}
}

func TestLink_CommandFails(t *testing.T) {
	cli := fakeSignalCLI(t, []string{"sgnl://linkdevice?uuid=abc"}, 3)
	if err := Link(t.Context(), cli, "parley", &bytes.Buffer{}, nil); err == nil {
		t.Error("Link() should fail when signal-cli exits non-zero")
	}
}
