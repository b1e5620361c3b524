// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package events

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/bradleyjkemp/greyfuzz/corpus"
	"github.com/bradleyjkemp/greyfuzz/executor"
	"github.com/bradleyjkemp/greyfuzz/shmem"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
	// shutdownGrace is how long a worker may take to checkpoint after SIGINT.
	shutdownGrace = 30 * time.Second
	// outputBufferSize is how much output a worker can emit
	// before we start to overwrite old output.
	outputBufferSize = 1 << 20
)

// superviseWorker keeps worker i running until ctx is done or the worker
// exits with status 0.
func (b *Broker) superviseWorker(ctx context.Context, i int) error {
	region, err := shmem.Create(b.cfg.MaxInputSize)
	if err != nil {
		return fmt.Errorf("worker %v: %w", i, err)
	}
	defer region.Close()
	backoff := minBackoff
	for {
		region.Reset()
		out := newTail(outputBufferSize)
		cmd := b.Command(i)
		cmd.ExtraFiles = []*os.File{region.File()}
		cmd.Stdout = out
		cmd.Stderr = out
		if b.cfg.WorkerOutput {
			cmd.Stdout = io.MultiWriter(out, os.Stdout)
			cmd.Stderr = io.MultiWriter(out, os.Stderr)
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to start worker %v: %w", i, err)
		}
		started := time.Now()
		done := make(chan struct{})
		var hanged atomic.Bool
		go b.watch(ctx, i, cmd, region, done, &hanged)
		err := cmd.Wait()
		close(done)

		code := exitCode(err)
		if data, running := region.Inflight(); running && code != 0 {
			b.archive(i, data, hanged.Load(), out.Bytes())
		}
		if ctx.Err() != nil {
			return nil
		}
		if code == 0 {
			glog.Infof("worker %v finished", i)
			return nil
		}
		b.mu.Lock()
		b.restarts++
		b.mu.Unlock()
		if code == RestartExitCode {
			glog.V(1).Infof("restarting worker %v", i)
			backoff = minBackoff
			continue
		}
		if time.Since(started) > maxBackoff {
			backoff = minBackoff
		}
		glog.Warningf("worker %v exited with %v, restarting in %v\n%s", i, err, backoff, lastLines(out.Bytes(), 20))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, maxBackoff)
	}
}

// watch interrupts the worker on shutdown and kills it when an input
// runs longer than the worker's own watchdog allows.
func (b *Broker) watch(ctx context.Context, i int, cmd *exec.Cmd, region *shmem.Region, done <-chan struct{}, hanged *atomic.Bool) {
	timeout := 2 * b.cfg.Timeout
	ticker := time.NewTicker(max(timeout/2, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			cmd.Process.Signal(os.Interrupt)
			select {
			case <-done:
			case <-time.After(shutdownGrace):
				glog.Warningf("worker %v did not shut down in %v, killing", i, shutdownGrace)
				cmd.Process.Kill()
			}
			return
		case <-ticker.C:
			start, running := region.Started()
			if !running || time.Since(start) <= timeout {
				continue
			}
			glog.Warningf("worker %v is stuck on an input for %v, killing", i, time.Since(start).Truncate(time.Second))
			hanged.Store(true)
			cmd.Process.Signal(syscall.SIGABRT)
			select {
			case <-done:
			case <-time.After(time.Second):
				cmd.Process.Kill()
			}
			return
		}
	}
}

// archive saves the input a worker died on.
func (b *Broker) archive(i int, data []byte, hanged bool, output []byte) {
	outcome := executor.Crashed
	if hanged {
		outcome = executor.TimedOut
	}
	tc := &corpus.Testcase{
		Data:    data,
		Outcome: outcome.String(),
		Output:  output,
		Origin:  fmt.Sprintf("worker-%v", i),
	}
	if _, err := b.crashers.Add(tc); err != nil {
		glog.Errorf("failed to archive input of worker %v: %v", i, err)
		return
	}
	glog.Infof("worker %v died while running an input, saved it as %v", i, b.crashers.Path(data))
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code != -1 {
			return code
		}
	}
	return -1
}

// tail keeps the last output of a worker.
type tail struct {
	mu   sync.Mutex
	size int
	buf  []byte
}

func newTail(size int) *tail {
	return &tail{size: size}
}

func (t *tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.size/4*3 {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-t.size/2:]...)
	}
	return len(p), nil
}

func (t *tail) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte{}, t.buf...)
}

func lastLines(out []byte, n int) []byte {
	out = bytes.TrimRight(out, "\n")
	pos := len(out)
	for ; n > 0 && pos > 0; n-- {
		pos = bytes.LastIndexByte(out[:pos], '\n')
		if pos < 0 {
			return out
		}
	}
	return out[pos+1:]
}
