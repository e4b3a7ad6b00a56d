package traceinspect

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTrace(t *testing.T, files map[string]string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "test-login-trace.zip")
	f, err := os.Create(p)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return p
}

const traceJSON = `{"actions":[
  {"name":"goto","selector":"","error":null},
  {"name":"click","selector":"#old","error":{"message":"first"}},
  {"name":"fill","selector":"#email","error":{"message":"timeout"},"metadata":{"after":"page@after-42"}},
  {"name":"screenshot","selector":"","error":null}
]}`

func TestInspect_FailedAction(t *testing.T) {
	p := writeTrace(t, map[string]string{
		"resources/trace.json":   traceJSON,
		"network.json":           `{"requests":[{"url":"/api/a","method":"GET","status":200},{"url":"/api/b","method":"POST","status":503},{"url":"/c","method":"GET"}]}`,
		"console.json":           `{"messages":[{"type":"log","text":"hi"},{"type":"Error","text":"boom"},{"type":"warning","text":"careful"}]}`,
		"snapshot_after-42.json": `[{"html":"<input id='mail'>"},{"html":"ignored"}]`,
		"broken.json":            `{not json`,
		"resources/image.png":    "png",
	})

	fc, err := Inspect(p, "TimeoutError")
	require.NoError(t, err)
	require.NotNil(t, fc)
	assert.Equal(t, "Failed Action: fill with selector '#email'", fc.Summary)
	assert.Equal(t, "#email", fc.Selector)
	assert.Equal(t, "TimeoutError", fc.OriginalError)
	assert.Equal(t, []string{"URL: /api/b, Method: POST, Status: 503"}, fc.NetworkErrors)
	assert.Equal(t, []string{"Type: Error, Text: boom", "Type: warning, Text: careful"}, fc.ConsoleLogs)
	assert.Contains(t, fc.DOMSnapshot, `"html": "<input id='mail'>"`)
	assert.NotContains(t, fc.DOMSnapshot, "ignored")
}

func TestInspect_NoFailedAction(t *testing.T) {
	p := writeTrace(t, map[string]string{
		"trace.json": `{"actions":[{"name":"goto","error":null}]}`,
	})
	fc, err := Inspect(p, "err")
	require.NoError(t, err)
	require.NotNil(t, fc)
	assert.Equal(t, unpinnedSummary, fc.Summary)
	assert.Equal(t, unknownSnapshot, fc.DOMSnapshot)
	assert.Empty(t, fc.Selector)
}

func TestInspect_FailedActionWithoutSnapshot(t *testing.T) {
	p := writeTrace(t, map[string]string{
		"trace.json": `{"actions":[{"name":"click","selector":"#x","error":"boom"}]}`,
	})
	fc, err := Inspect(p, "")
	require.NoError(t, err)
	assert.Equal(t, noSnapshot, fc.DOMSnapshot)
}

func TestInspect_EmptyAndMissing(t *testing.T) {
	p := writeTrace(t, map[string]string{"a.txt": "x"})
	fc, err := Inspect(p, "")
	require.NoError(t, err)
	assert.Nil(t, fc)

	_, err = Inspect(filepath.Join(t.TempDir(), "none.zip"), "")
	assert.Error(t, err)
}
