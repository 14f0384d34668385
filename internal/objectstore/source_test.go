package objectstore

import (
	"context"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"forge/api/internal/scope"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 implements path-style GET and PUT object for one bucket.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] != f.bucket {
		writeS3Error(w, http.StatusNotFound, "NoSuchBucket")
		return
	}
	key := parts[1]

	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = string(body)
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		body, ok := f.objects[key]
		if !ok {
			writeS3Error(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Header().Set("Content-Type", "text/markdown")
		w.Header().Set("ETag", `"etag"`)
		w.Header().Set("Last-Modified", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = io.WriteString(w, body)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeS3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>`+code+`</Code><Message>not found</Message><RequestId>1</RequestId><HostId>1</HostId></Error>`)
}

func newTestSource(t *testing.T) (*Source, *fakeS3) {
	t.Helper()
	fake := &fakeS3{bucket: "content", objects: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	src, err := New(Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "content",
		Prefix:    "/workspace/",
	})
	require.NoError(t, err)
	return src, fake
}

func TestWriteAndReadContent(t *testing.T) {
	src, fake := newTestSource(t)
	ctx := context.Background()

	require.NoError(t, src.WriteContent(ctx, "stories/ch1.md", "# One"))
	assert.Equal(t, "# One", fake.objects["workspace/stories/ch1.md"])

	content, err := src.ReadContent(ctx, "stories/ch1.md", []string{"stories/"})
	require.NoError(t, err)
	assert.Equal(t, "# One", content)
}

func TestReadContentMissing(t *testing.T) {
	src, _ := newTestSource(t)
	_, err := src.ReadContent(context.Background(), "stories/none.md", []string{"stories/"})
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestReadContentOutOfScope(t *testing.T) {
	src, _ := newTestSource(t)
	_, err := src.ReadContent(context.Background(), "notes/a.md", []string{"stories/"})
	assert.ErrorIs(t, err, scope.ErrOutOfScope)
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(Config{Endpoint: "localhost:9000"})
	assert.Error(t, err)
}
