package transport

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/quillmd/quill/internal/content"
	"github.com/quillmd/quill/internal/metrics"
)

func TestInstrument_RecordsCalls(t *testing.T) {
	ctx := context.Background()
	m := metrics.New()
	mem := NewMemory()
	tr := Instrument(mem, m, nil)

	res, err := tr.Upload(ctx, UploadRequest{Path: "a.md", Content: content.Text("x")})
	if err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}
	if _, err := tr.Download(ctx, "missing"); err == nil {
		t.Fatal("Download(missing) succeeded")
	}
	if _, err := tr.ListChanges(ctx, ""); err != nil {
		t.Fatalf("ListChanges() failed: %v", err)
	}
	if err := tr.Delete(ctx, res.RemoteID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`quill_transport_calls_total{operation="upload",status="success"} 1`,
		`quill_transport_calls_total{operation="download",status="error"} 1`,
		`quill_transport_calls_total{operation="delete",status="success"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
