package toolgateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConvertSuccess(t *testing.T) {
	g := New("/bin/echo", "/bin/echo", "/bin/echo", "/bin/echo", time.Second)
	res, err := g.Convert(context.Background(), "src.epub", "dst.azw3")
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, "dst.azw3", res.ArtefactPath)
}

func TestConvertNonZeroExit(t *testing.T) {
	g := New("/bin/false", "/bin/echo", "/bin/echo", "/bin/echo", time.Second)
	res, err := g.Convert(context.Background(), "src.epub", "dst.azw3")
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, 1, res.ExitCode)
	require.Equal(t, "tool_nonzero_exit", res.ErrorKind)
}

func TestConvertMissingBinary(t *testing.T) {
	g := New("", "/bin/echo", "/bin/echo", "/bin/echo", time.Second)
	_, err := g.Convert(context.Background(), "src.epub", "dst.azw3")
	require.Error(t, err)
}

func TestConvertTimeout(t *testing.T) {
	g := New("/bin/sleep", "/bin/echo", "/bin/echo", "/bin/echo", 20*time.Millisecond)
	_, err := g.Convert(context.Background(), "5", "5")
	require.Error(t, err)
}

func TestKepubify(t *testing.T) {
	g := New("/bin/echo", "/bin/echo", "/bin/echo", "/bin/echo", time.Second)
	res, err := g.Kepubify(context.Background(), "src.epub", "dst.kepub.epub")
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, "dst.kepub.epub", res.ArtefactPath)
}

func TestSetMetadata(t *testing.T) {
	g := New("/bin/echo", "/bin/echo", "/bin/echo", "/bin/echo", time.Second)
	res, err := g.SetMetadata(context.Background(), "book.epub", "--title", "New Title")
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, "book.epub", res.ArtefactPath)
}
