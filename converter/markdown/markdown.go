// Package markdown renders Markdown documents to HTML with goldmark.
package markdown

import (
	"context"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/guseggert/rconvert/converter"
	"github.com/guseggert/rconvert/worker"
)

// EntryName is the worker entry the converter runs under.
const EntryName = "markdown"

func init() {
	worker.Register(EntryName, func(s converter.Settings) (converter.Converter, error) {
		c, err := New(s)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Converter renders GitHub flavored Markdown.
//
// Settings:
//
//	unsafe       render raw HTML and dangerous links (default false)
//	hard_wraps   render newlines as <br> (default false)
//	heading_ids  generate heading IDs (default false)
//	typographer  replace punctuation with typographic entities (default false)
//	xhtml        render XHTML (default false)
type Converter struct {
	md       goldmark.Markdown
	settings converter.Settings
}

func New(s converter.Settings) (*Converter, error) {
	flags := map[string]bool{}
	for _, key := range []string{"unsafe", "hard_wraps", "heading_ids", "typographer", "xhtml"} {
		v, err := s.Bool(key, false)
		if err != nil {
			return nil, err
		}
		flags[key] = v
	}

	extensions := []goldmark.Extender{extension.GFM}
	if flags["typographer"] {
		extensions = append(extensions, extension.Typographer)
	}
	var parserOpts []parser.Option
	if flags["heading_ids"] {
		parserOpts = append(parserOpts, parser.WithAutoHeadingID())
	}
	var rendererOpts []renderer.Option
	if flags["unsafe"] {
		rendererOpts = append(rendererOpts, html.WithUnsafe())
	}
	if flags["hard_wraps"] {
		rendererOpts = append(rendererOpts, html.WithHardWraps())
	}
	if flags["xhtml"] {
		rendererOpts = append(rendererOpts, html.WithXHTML())
	}

	return &Converter{
		md: goldmark.New(
			goldmark.WithExtensions(extensions...),
			goldmark.WithParserOptions(parserOpts...),
			goldmark.WithRendererOptions(rendererOpts...),
		),
		settings: s.Clone(),
	}, nil
}

func (c *Converter) Convert(ctx context.Context, doc *converter.Document, w io.Writer) error {
	if !utf8.Valid(doc.Data) {
		return fmt.Errorf("%w: %q is not UTF-8 text", converter.ErrUnsupportedDocument, doc.Name)
	}
	err := c.md.Convert(doc.Data, w)
	if err != nil {
		return fmt.Errorf("rendering %q: %w", doc.Name, err)
	}
	return nil
}

func (c *Converter) WorkerEntry() (string, converter.Settings) {
	return EntryName, c.settings.Clone()
}
