package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// pandocDOCX converts HTML to DOCX by piping it through pandoc.
func pandocDOCX(pandocPath string) Converter {
	if pandocPath == "" {
		pandocPath = "pandoc"
	}
	return func(ctx context.Context, html, title string) (*Result, error) {
		bin, err := exec.LookPath(pandocPath)
		if err != nil {
			return nil, fmt.Errorf("%w: pandoc not installed", ErrDOCXDependencyMissing)
		}

		cmd := exec.CommandContext(ctx, bin,
			"-f", "html",
			"-t", "docx",
			"--standalone",
			"--metadata", "title="+title,
			"-o", "-",
		)
		cmd.Stdin = strings.NewReader(html)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		out, err := cmd.Output()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return nil, fmt.Errorf("pandoc failed: %s", strings.TrimSpace(stderr.String()))
			}
			return nil, fmt.Errorf("pandoc execution failed: %w", err)
		}
		return &Result{
			Data:     out,
			Filename: sanitizeFilename(title) + ".docx",
			MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		}, nil
	}
}
