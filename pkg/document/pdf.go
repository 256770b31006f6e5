package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"
)

// MIMEType is the only document type accepted for submissions.
const MIMEType = "application/pdf"

var (
	// ErrUnsupported indicates the bytes are not a PDF document.
	ErrUnsupported = errors.New("unsupported document type")
	// ErrMalformed indicates the bytes look like a PDF but cannot be read.
	ErrMalformed = errors.New("malformed document")
)

// IsPDF sniffs the payload and reports whether it is a PDF document.
func IsPDF(data []byte) bool {
	return mimetype.Detect(data).Is(MIMEType)
}

// PDFExtractor converts PDF documents into plain text.
type PDFExtractor struct{}

// NewPDFExtractor constructs a PDF text extractor.
func NewPDFExtractor() *PDFExtractor {
	return &PDFExtractor{}
}

// Extract returns the plain text of every page, whitespace collapsed.
// Nothing is returned for documents that fail part way through.
func (e *PDFExtractor) Extract(ctx context.Context, data []byte) (text string, err error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if !IsPDF(data) {
		return "", fmt.Errorf("%w: detected %s", ErrUnsupported, mimetype.Detect(data).String())
	}

	// the pdf reader panics on some corrupt cross reference tables
	defer func() {
		if recovered := recover(); recovered != nil {
			text = ""
			err = fmt.Errorf("%w: %v", ErrMalformed, recovered)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	raw, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	return collapseWhitespace(string(raw)), nil
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
