package document_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-autograde/internal/testutil"
	"github.com/noah-isme/gema-autograde/pkg/document"
)

func TestPDFExtractorReadsText(t *testing.T) {
	extractor := document.NewPDFExtractor()

	text, err := extractor.Extract(context.Background(), testutil.BuildPDF("I believe it is 42."))
	require.NoError(t, err)
	require.Contains(t, text, "42")
}

func TestPDFExtractorRejectsOtherTypes(t *testing.T) {
	extractor := document.NewPDFExtractor()

	_, err := extractor.Extract(context.Background(), []byte("just a plain text answer"))
	require.ErrorIs(t, err, document.ErrUnsupported)
}

func TestPDFExtractorRejectsMalformedPDF(t *testing.T) {
	extractor := document.NewPDFExtractor()

	text, err := extractor.Extract(context.Background(), []byte("%PDF-1.4\nthis is not really a pdf body"))
	require.ErrorIs(t, err, document.ErrMalformed)
	require.Empty(t, text)
}

func TestPDFExtractorStopsOnCancelledContext(t *testing.T) {
	extractor := document.NewPDFExtractor()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := extractor.Extract(ctx, testutil.BuildPDF("answer"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestIsPDF(t *testing.T) {
	require.True(t, document.IsPDF(testutil.BuildPDF("x")))
	require.False(t, document.IsPDF([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}))
}
