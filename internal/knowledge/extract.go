// Package knowledge imports knowledge blocks from files, applies seed files and watches a
// knowledge file for changes.
package knowledge

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dslipak/pdf"
)

// MaxFileSize is the largest file accepted for import.
const MaxFileSize = 20 * 1024 * 1024

// ErrUnsupportedFormat is returned for files that are not .txt, .md or .pdf.
var ErrUnsupportedFormat = errors.New("unsupported knowledge file format")

// Extract returns the text content of a .txt, .md or .pdf file.
func Extract(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("file not found: %w", err)
	}
	if info.Size() > MaxFileSize {
		return "", fmt.Errorf("file %s exceeds size limit of %d bytes", path, MaxFileSize)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown":
		return extractText(path)
	case ".pdf":
		return extractPDF(path)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

func extractText(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

func extractPDF(path string) (string, error) {
	r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to read PDF text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("failed to read PDF text: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// titleFromPath derives a block title from a file name.
func titleFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
