package export

import (
	"context"
	"fmt"
	"html/template"
	"time"

	"go.uber.org/zap"

	"zuzalu/api/internal/extract"
	"zuzalu/api/internal/reflections"
	"zuzalu/api/internal/store"
)

// BeamSource loads a stored beam.
type BeamSource interface {
	GetBeamByID(ctx context.Context, id string) (store.Beam, error)
}

// Reader makes a stored beam readable.
type Reader interface {
	Beam(ctx context.Context, beam store.Beam, opts extract.Options) extract.Readable
}

// TreeBuilder produces the beam's reflection tree.
type TreeBuilder interface {
	BeamTree(ctx context.Context, beamID string, q store.ReflectionQuery, opts reflections.Options) reflections.Page
}

// Converter turns rendered HTML into a binary document.
type Converter func(ctx context.Context, html, title string) (*Result, error)

type Options struct {
	ChromePath string
	PandocPath string
	Logger     *zap.Logger
	Now        func() time.Time
	// PDF and DOCX override the chromedp and pandoc converters.
	PDF  Converter
	DOCX Converter
}

// Service provides beam export functionality
type Service struct {
	beams  BeamSource
	reader Reader
	tree   TreeBuilder
	pdf    Converter
	docx   Converter
	now    func() time.Time
	log    *zap.Logger
}

// NewService creates a new export service
func NewService(beams BeamSource, reader Reader, tree TreeBuilder, opts Options) *Service {
	s := &Service{beams: beams, reader: reader, tree: tree, pdf: opts.PDF, docx: opts.DOCX, now: opts.Now, log: opts.Logger}
	if s.pdf == nil {
		s.pdf = chromePDF(opts.ChromePath)
	}
	if s.docx == nil {
		s.docx = pandocDOCX(opts.PandocPath)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	beam, err := s.beams.GetBeamByID(ctx, req.BeamID)
	if err != nil {
		return nil, fmt.Errorf("get beam: %w", err)
	}
	readable := s.reader.Beam(ctx, beam, req.Extract)
	now := s.now()

	title, body := BlocksToHTML(readable.Blocks)
	if title == "" {
		title = "Untitled beam"
	}
	data := TemplateData{
		Title:            title,
		ContentHTML:      template.HTML(body),
		Author:           readable.Author.DisplayName(),
		CreatedAt:        readable.CreatedAt,
		Age:              age(readable.CreatedAt, now),
		Tags:             readable.Tags,
		ReflectionsCount: readable.ReflectionsCount,
		GeneratedAt:      now,
	}
	if req.IncludeReflections {
		page := s.tree.BeamTree(ctx, beam.ID, store.ReflectionQuery{}, req.treeOptions())
		data.Reflections = templateReflections(page, now)
	}

	html, err := RenderBeamHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	s.log.Info("beam_export_rendered",
		zap.String("beam_id", beam.ID),
		zap.String("format", string(req.Format)),
		zap.Int("reflections", len(data.Reflections)),
	)

	switch req.Format {
	case FormatHTML:
		return &Result{Data: []byte(html), Filename: sanitizeFilename(title) + ".html", MimeType: "text/html; charset=utf-8"}, nil
	case FormatPDF:
		return s.pdf(ctx, html, title)
	case FormatDOCX:
		return s.docx(ctx, html, title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}

func templateReflections(page reflections.Page, now time.Time) []TemplateReflection {
	out := make([]TemplateReflection, 0, len(page.Edges))
	for _, edge := range page.Edges {
		node := edge.Node
		tr := TemplateReflection{
			Author:      node.Author.DisplayName(),
			Age:         age(node.CreatedAt, now),
			ContentHTML: template.HTML(ContentToHTML(node.Content)),
		}
		if node.Children != nil {
			tr.Children = templateReflections(*node.Children, now)
			tr.More = node.Children.PageInfo != nil && node.Children.PageInfo.HasNextPage
		}
		out = append(out, tr)
	}
	return out
}
