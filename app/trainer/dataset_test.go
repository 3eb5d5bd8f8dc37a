package trainer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDataset(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid", func(t *testing.T) {
		path := writeFile(t, filepath.Join(dir, "ok.jsonl"),
			`{"messages":[{"role":"system","content":"be nice"},{"role":"user","content":" hi "},{"role":"assistant","content":"hello"}]}

{"messages":[{"content":"no role"},{"role":"assistant","content":""}]}
{"messages":[{"role":"user","content":"   "}]}
{"other":"field"}
`)
		res, err := LoadDataset(path)
		require.NoError(t, err)
		require.Len(t, res, 2)
		assert.Equal(t, "<system>: be nice\n<user>: hi\n<assistant>: hello", res[0].Text)
		assert.Equal(t, "<user>: no role", res[1].Text)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := LoadDataset(filepath.Join(dir, "nope.jsonl"))
		require.Error(t, err)
		assert.Equal(t, "dataset not found: "+filepath.Join(dir, "nope.jsonl"), err.Error())
	})

	t.Run("no usable rows", func(t *testing.T) {
		path := writeFile(t, filepath.Join(dir, "empty.jsonl"), `{"messages":[]}`+"\n\n")
		_, err := LoadDataset(path)
		require.EqualError(t, err, "dataset has no usable message rows")
	})

	t.Run("broken json", func(t *testing.T) {
		path := writeFile(t, filepath.Join(dir, "bad.jsonl"), `{"messages":[{"role":"user","content":"a"}]}`+"\n{broken\n")
		_, err := LoadDataset(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid dataset line 2")
	})
}

func TestWriteExamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "train.jsonl")
	err := WriteExamples(path, []Example{{Text: "<user>: a"}, {Text: "<user>: b\n<assistant>: c"}})
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"text":"<user>: a"}`+"\n"+`{"text":"<user>: b\n<assistant>: c"}`+"\n", string(data))
}
