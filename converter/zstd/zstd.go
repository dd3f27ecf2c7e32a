// Package zstd compresses and decompresses documents with Zstandard.
package zstd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/guseggert/rconvert/converter"
	"github.com/guseggert/rconvert/worker"
)

// EntryName is the worker entry the converter runs under.
const EntryName = "zstd"

const (
	ModeCompress   = "compress"
	ModeDecompress = "decompress"
)

func init() {
	worker.Register(EntryName, func(s converter.Settings) (converter.Converter, error) {
		c, err := New(s)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Converter compresses or decompresses documents, depending on the "mode" setting.
// The "level" setting picks the encoder level: fastest, default, better or best.
type Converter struct {
	mode     string
	level    zstd.EncoderLevel
	settings converter.Settings
}

func parseLevel(s string) (zstd.EncoderLevel, error) {
	switch s {
	case "fastest":
		return zstd.SpeedFastest, nil
	case "default":
		return zstd.SpeedDefault, nil
	case "better":
		return zstd.SpeedBetterCompression, nil
	case "best":
		return zstd.SpeedBestCompression, nil
	}
	return 0, fmt.Errorf("unknown zstd level %q", s)
}

func New(s converter.Settings) (*Converter, error) {
	mode := s.Get("mode", ModeCompress)
	if mode != ModeCompress && mode != ModeDecompress {
		return nil, fmt.Errorf("unknown zstd mode %q", mode)
	}
	level, err := parseLevel(s.Get("level", "default"))
	if err != nil {
		return nil, err
	}
	return &Converter{mode: mode, level: level, settings: s.Clone()}, nil
}

func (c *Converter) Convert(ctx context.Context, doc *converter.Document, w io.Writer) error {
	if c.mode == ModeDecompress {
		return c.decompress(doc, w)
	}
	return c.compress(doc, w)
}

func (c *Converter) compress(doc *converter.Document, w io.Writer) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(c.level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	_, err = enc.Write(doc.Data)
	if err != nil {
		enc.Close()
		return fmt.Errorf("zstd compress %q: %w", doc.Name, err)
	}
	err = enc.Close()
	if err != nil {
		return fmt.Errorf("zstd compress %q: %w", doc.Name, err)
	}
	return nil
}

func (c *Converter) decompress(doc *converter.Document, w io.Writer) error {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(doc.Data, nil)
	if errors.Is(err, zstd.ErrMagicMismatch) {
		return fmt.Errorf("%w: %q is not zstd compressed", converter.ErrUnsupportedDocument, doc.Name)
	}
	if err != nil {
		return fmt.Errorf("zstd decompress %q: %w", doc.Name, err)
	}
	_, err = w.Write(out)
	return err
}

func (c *Converter) WorkerEntry() (string, converter.Settings) {
	return EntryName, c.settings.Clone()
}
