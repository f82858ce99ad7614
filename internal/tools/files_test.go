package tools_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/tbwo/internal/tools"
)

func newWorkspace(t *testing.T) *tools.Workspace {
	t.Helper()
	ws, err := tools.NewWorkspace(t.TempDir())
	require.NoError(t, err)
	return ws
}

func TestFileWriteThenRead(t *testing.T) {
	ws := newWorkspace(t)
	ctx := context.Background()

	out, err := tools.NewFileWrite(ws).Run(ctx, json.RawMessage(`{"path":"site/index.html","content":"<h1>hi</h1>"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "11 bytes")

	got, err := tools.NewFileRead(ws).Run(ctx, json.RawMessage(`{"path":"site/index.html"}`))
	require.NoError(t, err)
	assert.Equal(t, "<h1>hi</h1>", got)
}

func TestWorkspace_RejectsEscapes(t *testing.T) {
	ws := newWorkspace(t)

	for _, p := range []string{"../secret", "/etc/passwd", "a/../../b", ""} {
		_, err := ws.Resolve(p)
		assert.Error(t, err, "path %q", p)
	}

	_, err := tools.NewFileWrite(ws).Run(context.Background(), json.RawMessage(`{"path":"../x","content":"y"}`))
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(filepath.Dir(ws.Root()), "x"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestFileRead_InvalidInput(t *testing.T) {
	ws := newWorkspace(t)
	_, err := tools.NewFileRead(ws).Run(context.Background(), json.RawMessage(`not-json`))
	assert.Error(t, err)
	_, err = tools.NewFileRead(ws).Run(context.Background(), json.RawMessage(`{"path":"missing.txt"}`))
	assert.Error(t, err)
}

func TestHTTPRequest_Success(t *testing.T) {
	var gotMethod, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Test")
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	out, err := tools.NewHTTPRequest().Run(context.Background(),
		json.RawMessage(`{"url":"`+srv.URL+`","headers":{"X-Test":"1"}}`))

	require.NoError(t, err)
	assert.Equal(t, "GET", gotMethod, "method defaults to GET")
	assert.Equal(t, "1", gotHeader)
	assert.Equal(t, "status 200\npong", out)
}

func TestHTTPRequest_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tool := tools.NewHTTPRequest()
	_, err := tool.Run(context.Background(), json.RawMessage(`{"url":"`+srv.URL+`","method":"post"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")

	_, err = tool.Run(context.Background(), json.RawMessage(`{"method":"GET"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url")

	_, err = tool.Run(context.Background(), json.RawMessage(`{"url":"file:///etc/passwd"}`))
	assert.Error(t, err)
}

func TestWebSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "go generics", r.URL.Query().Get("q"))
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		_, _ = w.Write([]byte(`{"results":[
			{"title":"One","url":"https://a","content":"first"},
			{"title":"Two","url":"https://b","content":"second"}]}`))
	}))
	defer srv.Close()

	out, err := tools.NewWebSearch(srv.URL).Run(context.Background(), json.RawMessage(`{"query":"go generics","limit":1}`))
	require.NoError(t, err)
	assert.Contains(t, out, "1. One")
	assert.False(t, strings.Contains(out, "Two"), "limit caps the results")
}
