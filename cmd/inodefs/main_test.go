package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	fstest "github.com/dargueta/inodefs/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the tool with `args` against `image` and returns its output.
func run(t *testing.T, image string, args ...string) (string, error) {
	output := bytes.Buffer{}
	app := newApp()
	app.Writer = &output
	app.ErrWriter = io.Discard

	err := app.Run(append([]string{"inodefs", "--image", image}, args...))
	return output.String(), err
}

func mustRun(t *testing.T, image string, args ...string) string {
	output, err := run(t, image, args...)
	require.NoErrorf(t, err, "command failed: %v", args)
	return output
}

func TestCLI__RoundTrip(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "volume.img")
	hostFile := filepath.Join(dir, "data.bin")
	data := fstest.Pattern(7000)
	require.NoError(t, os.WriteFile(hostFile, data, 0o644))

	output := mustRun(t, image, "format", "--blocks", "200", "--files", "16")
	assert.Contains(t, output, "200 blocks, 16 files")

	info, err := os.Stat(image)
	require.NoError(t, err)
	assert.EqualValues(t, 200*512, info.Size())

	mustRun(t, image, "put", hostFile)
	mustRun(t, image, "put", hostFile, "copy")

	listing := mustRun(t, image, "ls", "--csv")
	assert.Equal(
		t,
		"name,inode,size,blocks,refs,state\n"+
			"/,0,544,2,0,unused\n"+
			"data.bin,1,7000,14,0,unused\n"+
			"copy,2,7000,14,0,unused\n",
		listing,
	)

	assert.Equal(t, string(data), mustRun(t, image, "cat", "copy"))

	retrieved := filepath.Join(dir, "retrieved.bin")
	mustRun(t, image, "get", "data.bin", retrieved)
	contents, err := os.ReadFile(retrieved)
	require.NoError(t, err)
	assert.Equal(t, data, contents)

	mustRun(t, image, "rm", "copy")
	_, err = run(t, image, "cat", "copy")
	assert.Error(t, err)

	assert.Contains(t, mustRun(t, image, "fsck"), "no problems found")
	assert.Contains(t, mustRun(t, image, "stat"), "files:")
	assert.Contains(t, mustRun(t, image, "stat", "data.bin"), "7000")
}

func TestCLI__ExportImport(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "volume.img")
	snapshotPath := filepath.Join(dir, "volume.snap")
	restored := filepath.Join(dir, "restored.img")
	hostFile := filepath.Join(dir, "hello.txt")
	require.NoError(t, os.WriteFile(hostFile, []byte("hello"), 0o644))

	mustRun(t, image, "format", "--preset", "tiny")
	mustRun(t, image, "put", hostFile)

	assert.Contains(t, mustRun(t, image, "export", snapshotPath), "64 blocks")
	assert.Contains(t, mustRun(t, restored, "import", snapshotPath), "restored snapshot")

	assert.Equal(t, "hello", mustRun(t, restored, "cat", "hello.txt"))
}

func TestCLI__Errors(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "volume.img")

	_, err := run(t, image, "ls")
	assert.Error(t, err, "listed a nonexistent image")

	_, err = run(t, "", "ls")
	assert.Error(t, err, "ran without an image")

	_, err = run(t, image, "format", "--preset", "bogus")
	assert.Error(t, err)

	mustRun(t, image, "format", "--preset", "tiny")
	_, err = run(t, image, "get", "only-one-arg")
	assert.Error(t, err)
}

func TestCLI__ListPresets(t *testing.T) {
	output := mustRun(t, "", "format", "--list-presets")
	assert.Contains(t, output, "floppy-1440k")
	assert.Contains(t, output, "SLUG")
}
