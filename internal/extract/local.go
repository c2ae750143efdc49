package extract

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// Local reads documents from a directory tree laid out as
// <root>/<bucket>/<key>. PDFs go through the pdftotext CLI; anything else is
// read as plain text.
type Local struct {
	root    string
	binPath string
}

// NewLocal creates a Local extractor. If binPath is empty, "pdftotext" is used.
func NewLocal(root, binPath string) *Local {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &Local{root: root, binPath: binPath}
}

// Extract returns the plain text of the document at bucket/key.
func (l *Local) Extract(ctx context.Context, bucket, key string) (string, error) {
	path := filepath.Join(l.root, bucket, key)

	if strings.EqualFold(filepath.Ext(key), ".pdf") {
		return l.pdfToText(ctx, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", eris.Wrapf(err, "extract: read %s", path)
	}
	return string(data), nil
}

// pdfToText runs pdftotext -layout on the given PDF and returns stdout.
func (l *Local) pdfToText(ctx context.Context, path string) (string, error) {
	cmd := exec.CommandContext(ctx, l.binPath, "-layout", path, "-")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", eris.Wrapf(err, "extract: pdftotext failed for %s: %s", path, stderr.String())
	}

	return stdout.String(), nil
}
