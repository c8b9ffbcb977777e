package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/logger"
)

// Transcoder pipes the bitstream of Inner through a filter-and-re-encode
// command (see TranscodeCommand) and emits the command's output. The sender
// uses it as its denoise stage.
type Transcoder struct {
	Inner   Source
	Command []string
}

// Run implements Source. It ends when ctx is cancelled, when Inner ends and
// the command has flushed its output, or when the command exits.
func (t *Transcoder) Run(ctx context.Context, emit func([]byte)) error {
	if len(t.Command) == 0 {
		return errors.New("transcoder: empty command")
	}
	cmd := exec.CommandContext(ctx, t.Command[0], t.Command[1:]...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("transcoder stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("transcoder stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start transcoder %q: %w", t.Command[0], err)
	}
	logger.Info("Source", "Transcoder started (pid %d): %v", cmd.Process.Pid, t.Command)

	// Output EOF means the command is done; stop feeding it
	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()

	var (
		writeOnce sync.Once
		writeErr  error
	)
	g, gctx := errgroup.WithContext(feedCtx)
	g.Go(func() error {
		defer stdin.Close()
		return t.Inner.Run(gctx, func(p []byte) {
			if _, err := stdin.Write(p); err != nil {
				writeOnce.Do(func() {
					writeErr = err
					logger.Warn("Source", "Transcoder input write failed: %v", err)
				})
			}
		})
	})
	g.Go(func() error {
		defer stopFeed()
		return pump(gctx, stdout, emit, 0)
	})

	runErr := g.Wait()
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil
	}
	if runErr != nil {
		return runErr
	}
	if waitErr != nil {
		return fmt.Errorf("transcoder exited: %w", waitErr)
	}
	if writeErr != nil {
		return fmt.Errorf("transcoder input: %w", writeErr)
	}
	return nil
}
