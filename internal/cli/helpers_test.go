package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/deos/internal/kernel"
	"github.com/roach88/deos/internal/testutil"
)

// writeFile writes content under dir and returns its path.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// writeImage assembles src into an image file with the given tasks.
func writeImage(t *testing.T, dir, src string, tasks ...kernel.ImageTask) string {
	t.Helper()
	img, err := kernel.NewImage(testutil.MustAssemble(t, src), tasks...)
	require.NoError(t, err)
	data, err := img.Marshal()
	require.NoError(t, err)
	return writeFile(t, dir, "image.json", string(data))
}

// execute runs cmd with args and returns its combined output.
func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func mainTask() kernel.ImageTask {
	return kernel.ImageTask{Fn: 0, Priority: 100}
}
