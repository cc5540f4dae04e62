package jobs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/relayforge/internal/storage"
)

func newInspectFixture(t *testing.T) (*InspectProcessor, *storage.Local) {
	t.Helper()
	objects, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	return NewInspectProcessor(objects, t.TempDir()), objects
}

func putObject(t *testing.T, objects *storage.Local, key string, data []byte) {
	t.Helper()
	require.NoError(t, objects.Put(context.Background(), key, bytes.NewReader(data), int64(len(data))))
}

// minimalPDF は指定ページ数の最小構成の PDF を作ります。xref のオフセットは実際の位置から計算します。
func minimalPDF(pages int) []byte {
	var buf bytes.Buffer
	offsets := []int{}
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	kids := make([]string, pages)
	for i := range kids {
		kids[i] = fmt.Sprintf("%d 0 R", i+3)
	}
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pages))
	for i := 0; i < pages; i++ {
		obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 595 842] /Resources << >> >>")
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

func TestInspectTextObject(t *testing.T) {
	p, objects := newInspectFixture(t)
	data := bytes.Repeat([]byte("relayforge inspect\n"), 500)
	putObject(t, objects, "uploads/up-1/notes.txt", data)

	var percents []int
	var stages []string
	out, err := p.Process(context.Background(), &TaskPayload{
		JobID:     "job-1",
		ObjectKey: "uploads/up-1/notes.txt",
		Filename:  "notes.txt",
		Size:      int64(len(data)),
	}, func(stage string, percent int) {
		stages = append(stages, stage)
		percents = append(percents, percent)
	})
	require.NoError(t, err)

	result, ok := out.(*InspectResult)
	require.True(t, ok)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), result.SHA256)
	assert.Equal(t, int64(len(data)), result.Size)
	assert.True(t, strings.HasPrefix(result.MIMEType, "text/plain"), result.MIMEType)
	assert.Nil(t, result.Pages)

	assert.Equal(t, "load", stages[0])
	assert.Equal(t, "write", stages[len(stages)-1])
	assert.IsNonDecreasing(t, percents)
}

func TestInspectPDFCountsPages(t *testing.T) {
	p, objects := newInspectFixture(t)
	putObject(t, objects, "uploads/up-1/doc.pdf", minimalPDF(3))

	out, err := p.Process(context.Background(), &TaskPayload{
		JobID:     "job-1",
		ObjectKey: "uploads/up-1/doc.pdf",
		Filename:  "doc.pdf",
	}, nil)
	require.NoError(t, err)

	result := out.(*InspectResult)
	assert.Equal(t, "application/pdf", result.MIMEType)
	assert.Equal(t, ".pdf", result.Extension)
	require.NotNil(t, result.Pages)
	assert.Equal(t, 3, *result.Pages)
}

func TestInspectBrokenPDF(t *testing.T) {
	p, objects := newInspectFixture(t)
	putObject(t, objects, "uploads/up-1/broken.pdf", []byte("%PDF-1.7\nthis is not really a pdf\n"))

	_, err := p.Process(context.Background(), &TaskPayload{
		JobID:     "job-1",
		ObjectKey: "uploads/up-1/broken.pdf",
		Filename:  "broken.pdf",
	}, nil)

	var jobErr *Error
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, "INVALID_PDF", jobErr.Code)
}

func TestInspectMissingObject(t *testing.T) {
	p, _ := newInspectFixture(t)

	_, err := p.Process(context.Background(), &TaskPayload{
		JobID:     "job-1",
		ObjectKey: "uploads/missing/a.bin",
		Filename:  "a.bin",
	}, nil)

	var jobErr *Error
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, "UPLOAD_NOT_FOUND", jobErr.Code)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
