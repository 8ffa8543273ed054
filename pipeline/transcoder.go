package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/khaledhikmat/vs-detect/service/lgr"
	"github.com/khaledhikmat/vs-detect/service/syncbus"
)

// transcoderIO binds the four channels of a transcoder process. Nil fields
// leave the channel unbound.
type transcoderIO struct {
	// Stdin is written to fd 0
	Stdin <-chan []byte
	// Stdout consumes fd 1 until EOF
	Stdout func(r io.Reader) error
	// VideoOut receives everything the process writes on fd 3
	VideoOut io.Writer
	// VideoIn is copied into fd 3
	VideoIn io.Reader
	// ChannelLost reports fd 1 or fd 3 closing while the process is alive
	ChannelLost func(proc Process, channel string, err error)
}

// transcoder is a Process backed by exec.Cmd with its pipes owned here
type transcoder struct {
	name    string
	cmd     *exec.Cmd
	done    chan struct{}
	io      sync.WaitGroup
	syncSvc syncbus.IService
}

func (t *transcoder) Pid() int {
	return t.cmd.Process.Pid
}

func (t *transcoder) Wait() error {
	err := t.cmd.Wait()
	close(t.done)
	t.io.Wait()
	return err
}

func (t *transcoder) Signal(sig os.Signal) error {
	return t.cmd.Process.Signal(sig)
}

func (t *transcoder) Kill() error {
	err := t.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// startTranscoder starts bin with args and wires tio. The parent ends of the
// pipes are closed once the child has its copies.
func startTranscoder(ctx context.Context, name, bin string, args []string, tio transcoderIO, syncSvc syncbus.IService) (*transcoder, error) {
	cmd := exec.Command(bin, args...)
	t := &transcoder{name: name, cmd: cmd, done: make(chan struct{}), syncSvc: syncSvc}

	var childEnds, parentEnds []*os.File
	closeAll := func(files []*os.File) {
		for _, f := range files {
			_ = f.Close()
		}
	}

	pipe := func() (*os.File, *os.File, error) {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll(childEnds)
			closeAll(parentEnds)
		}
		return r, w, err
	}

	var stdinW, stdoutR, stderrR, videoR, videoW *os.File

	if tio.Stdin != nil {
		r, w, err := pipe()
		if err != nil {
			return nil, err
		}
		cmd.Stdin, stdinW = r, w
		childEnds, parentEnds = append(childEnds, r), append(parentEnds, w)
	}

	if tio.Stdout != nil {
		r, w, err := pipe()
		if err != nil {
			return nil, err
		}
		cmd.Stdout, stdoutR = w, r
		childEnds, parentEnds = append(childEnds, w), append(parentEnds, r)
	}

	r, w, err := pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr, stderrR = w, r
	childEnds, parentEnds = append(childEnds, w), append(parentEnds, r)

	// ExtraFiles[0] becomes fd 3 in the child
	switch {
	case tio.VideoOut != nil:
		r, w, err := pipe()
		if err != nil {
			return nil, err
		}
		cmd.ExtraFiles = []*os.File{w}
		videoR = r
		childEnds, parentEnds = append(childEnds, w), append(parentEnds, r)
	case tio.VideoIn != nil:
		r, w, err := pipe()
		if err != nil {
			return nil, err
		}
		cmd.ExtraFiles = []*os.File{r}
		videoW = w
		childEnds, parentEnds = append(childEnds, r), append(parentEnds, w)
	}

	if err := cmd.Start(); err != nil {
		closeAll(childEnds)
		closeAll(parentEnds)
		return nil, err
	}
	closeAll(childEnds)

	lgr.Logger.Debug("transcoder spawned",
		slog.String("name", name),
		slog.String("cmd", bin+" "+strings.Join(args, " ")),
	)

	t.io.Add(1)
	go t.logStderr(ctx, stderrR)

	if stdinW != nil {
		t.io.Add(1)
		go t.feedStdin(stdinW, tio.Stdin)
	}

	if stdoutR != nil {
		t.io.Add(1)
		go func() {
			defer t.io.Done()
			defer stdoutR.Close()
			err := tio.Stdout(stdoutR)
			t.channelClosed(tio, "stdout", err)
		}()
	}

	if videoR != nil {
		t.io.Add(1)
		go func() {
			defer t.io.Done()
			defer videoR.Close()
			_, err := io.Copy(tio.VideoOut, videoR)
			t.channelClosed(tio, "pipe:3", err)
		}()
	}

	if videoW != nil {
		t.io.Add(1)
		go func() {
			defer t.io.Done()
			// closing our end unblocks io.Copy once the child is gone
			go func() {
				<-t.done
				_ = videoW.Close()
			}()
			if _, err := io.Copy(videoW, tio.VideoIn); err != nil {
				lgr.Logger.Debug("video input copy ended", slog.String("name", name), slog.Any("error", err))
			}
		}()
	}

	return t, nil
}

// channelClosed reports a required channel closing while the child is alive
func (t *transcoder) channelClosed(tio transcoderIO, channel string, err error) {
	select {
	case <-t.done:
		return
	case <-time.After(250 * time.Millisecond):
	}
	if tio.ChannelLost != nil {
		tio.ChannelLost(t, channel, err)
	}
}

func (t *transcoder) feedStdin(w *os.File, in <-chan []byte) {
	defer t.io.Done()
	defer w.Close()

	for {
		select {
		case <-t.done:
			return
		case chunk, ok := <-in:
			if !ok {
				return
			}
			if _, err := w.Write(chunk); err != nil {
				lgr.Logger.Debug("transcoder stdin closed",
					slog.String("name", t.name),
					slog.Any("error", err),
				)
				return
			}
		}
	}
}

// logStderr maps transcoder diagnostics onto log levels and debug events
func (t *transcoder) logStderr(ctx context.Context, r io.ReadCloser) {
	defer t.io.Done()
	defer r.Close()

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "error"), strings.Contains(lower, "fatal"):
			lgr.Logger.Error("transcoder", slog.String("name", t.name), slog.String("line", line))
			notify(ctx, t.syncSvc, syncbus.CmdError, fmt.Sprintf("%s: %s", t.name, line))
		case strings.Contains(lower, "warn"):
			lgr.Logger.Warn("transcoder", slog.String("name", t.name), slog.String("line", line))
			notify(ctx, t.syncSvc, syncbus.CmdDebug, fmt.Sprintf("%s: %s", t.name, line))
		default:
			lgr.Logger.Debug("transcoder", slog.String("name", t.name), slog.String("line", line))
		}
	}
}
