package export

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

var chromeCandidates = []string{"chromium-browser", "chromium", "google-chrome"}

func findChrome(configured string) (string, error) {
	if configured != "" {
		if path, err := exec.LookPath(configured); err == nil {
			return path, nil
		}
		return "", fmt.Errorf("%w: %s not found", ErrPDFDependencyMissing, configured)
	}
	for _, name := range chromeCandidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: chromium not installed", ErrPDFDependencyMissing)
}

// chromePDF prints HTML to PDF with headless Chrome.
func chromePDF(chromePath string) Converter {
	return func(ctx context.Context, html, title string) (*Result, error) {
		execPath, err := findChrome(chromePath)
		if err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.ExecPath(execPath),
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
		allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
		defer cancelAlloc()
		taskCtx, cancelTask := chromedp.NewContext(allocCtx)
		defer cancelTask()

		var pdf []byte
		err = chromedp.Run(taskCtx,
			chromedp.Navigate(dataURL(html)),
			chromedp.WaitReady("body"),
			chromedp.ActionFunc(func(ctx context.Context) error {
				var err error
				pdf, _, err = page.PrintToPDF().
					WithPrintBackground(true).
					WithPaperWidth(8.27).
					WithPaperHeight(11.69).
					WithMarginTop(0.6).
					WithMarginBottom(0.6).
					WithMarginLeft(0.6).
					WithMarginRight(0.6).
					Do(ctx)
				return err
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("chrome pdf generation failed: %w", err)
		}
		return &Result{
			Data:     pdf,
			Filename: sanitizeFilename(title) + ".pdf",
			MimeType: "application/pdf",
		}, nil
	}
}

// dataURL embeds html in a data URL. Spaces must be %20, never +.
func dataURL(html string) string {
	return "data:text/html;charset=utf-8," + url.PathEscape(html)
}

// sanitizeFilename keeps ASCII letters, digits, '-' and '_', maps spaces to
// hyphens, and caps the result at 50 bytes.
func sanitizeFilename(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		}
		if b.Len() >= 50 {
			break
		}
	}
	name := b.String()
	if len(name) > 50 {
		name = name[:50]
	}
	if name == "" {
		return "beam"
	}
	return name
}
