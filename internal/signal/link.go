package signal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/skip2/go-qrcode"
)

// linkURIPrefixes are the schemes signal-cli prints for a provisioning
// link, newest first.
var linkURIPrefixes = []string{"sgnl://linkdevice", "tsdevice:"}

// ErrNoLinkURI is returned when signal-cli exits without printing a
// provisioning link.
var ErrNoLinkURI = errors.New("signal-cli printed no device link")

// Link runs "signal-cli link" to attach parley as a secondary device of
// an existing Signal account. The provisioning link is drawn to out as
// a terminal QR code for the phone to scan; Link returns once
// signal-cli reports the outcome.
func Link(ctx context.Context, command, deviceName string, out io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.CommandContext(ctx, command, "link", "-n", deviceName)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start signal-cli link: %w", err)
	}
	logger.Info("waiting for signal-cli device link", "device_name", deviceName)

	shown := false
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !shown && isLinkURI(line) {
			if err := RenderQR(out, line); err != nil {
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				return err
			}
			fmt.Fprintln(out, "Scan with Signal on your phone: Settings > Linked devices.")
			shown = true
			continue
		}
		logger.Info("signal-cli link", "output", line)
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("signal-cli link: %w", err)
	}
	if !shown {
		return ErrNoLinkURI
	}
	return nil
}

func isLinkURI(line string) bool {
	for _, p := range linkURIPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// RenderQR draws uri to w as a QR code made of terminal block
// characters.
func RenderQR(w io.Writer, uri string) error {
	qr, err := qrcode.New(uri, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("encode qr code: %w", err)
	}
	_, err = io.WriteString(w, qr.ToSmallString(false))
	return err
}
