package pipeline

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khaledhikmat/vs-detect/service/syncbus"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
}

func TestTranscoderStdinToStdout(t *testing.T) {
	requireShell(t)

	stdin := make(chan []byte)
	out := make(chan []byte, 1)

	tr, err := startTranscoder(context.Background(), "cat", "/bin/sh", []string{"-c", "exec cat"}, transcoderIO{
		Stdin: stdin,
		Stdout: func(r io.Reader) error {
			b, err := io.ReadAll(r)
			out <- b
			return err
		},
	}, nil)
	require.NoError(t, err)

	stdin <- []byte("frame-1 ")
	stdin <- []byte("frame-2")
	close(stdin)

	require.NoError(t, tr.Wait())
	assert.Equal(t, "frame-1 frame-2", string(<-out))
}

func TestTranscoderVideoOnFD3(t *testing.T) {
	requireShell(t)

	var video bytes.Buffer
	tr, err := startTranscoder(context.Background(), "fd3", "/bin/sh", []string{"-c", "printf mpegts >&3"}, transcoderIO{
		VideoOut: &video,
	}, nil)
	require.NoError(t, err)

	require.NoError(t, tr.Wait())
	assert.Equal(t, "mpegts", video.String())
}

func TestTranscoderStderrErrorsBecomeEvents(t *testing.T) {
	requireShell(t)

	bus := syncbus.New(syncbus.Options{Active: true, DefaultChannel: "detection"})
	defer bus.Close()
	events, unsubscribe := bus.Subscribe("", 4)
	defer unsubscribe()

	tr, err := startTranscoder(context.Background(), "input", "/bin/sh", []string{"-c", "echo 'Error opening input file' >&2"}, transcoderIO{}, bus)
	require.NoError(t, err)
	require.NoError(t, tr.Wait())

	select {
	case evt := <-events:
		assert.Equal(t, syncbus.CmdError, evt.Cmd)
		assert.Contains(t, evt.Msg, "Error opening input file")
	case <-time.After(time.Second):
		t.Fatal("no error event")
	}
}

func TestTranscoderSpawnFailure(t *testing.T) {
	_, err := startTranscoder(context.Background(), "input", "/nonexistent/ffmpeg", nil, transcoderIO{}, nil)
	assert.Error(t, err)
}

func TestTranscoderKillAfterExit(t *testing.T) {
	requireShell(t)

	tr, err := startTranscoder(context.Background(), "true", "/bin/sh", []string{"-c", "exit 0"}, transcoderIO{}, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Wait())
	assert.NoError(t, tr.Kill())
}
