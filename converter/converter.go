package converter

import (
	"context"
	"fmt"
	"io"
)

// Capability is the name a worker's conversion object is discoverable under.
const Capability = "rconvert.converter/v1"

// Document is an input to a conversion.
type Document struct {
	Name string
	Data []byte
}

func NewDocument(name string, data []byte) *Document {
	return &Document{Name: name, Data: data}
}

// ReadDocument reads all of r into a document.
func ReadDocument(name string, r io.Reader) (*Document, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading document %q: %w", name, err)
	}
	return NewDocument(name, b), nil
}

func (d *Document) Size() int64 { return int64(len(d.Data)) }

// Converter converts a document and writes the result to w.
type Converter interface {
	Convert(ctx context.Context, doc *Document, w io.Writer) error
}

// Standalone is implemented by converters that can run as an independent worker.
// WorkerEntry returns the name the converter's factory was registered under,
// and the settings the worker should rebuild the converter with.
type Standalone interface {
	Converter
	WorkerEntry() (string, Settings)
}

// Factory builds a converter from settings. Workers use it to rebuild the caller's converter.
type Factory func(s Settings) (Converter, error)
