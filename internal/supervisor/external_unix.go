//go:build !windows

package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
)

// ioQueueSize bounds the lines waiting for the logging goroutine. Readers
// block when it is full, which in turn blocks the child's writes.
const ioQueueSize = 256

type ioLine struct {
	stream string
	text   string
}

// externalChild is an OS process in its own process group whose output is
// forwarded line by line to the logger.
type externalChild struct {
	cmd     *exec.Cmd
	pgid    atomic.Int64
	drained chan struct{}
}

func startExternal(argv, env []string, dir string, log *slog.Logger) (*externalChild, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("empty command")
	}
	// #nosec G204 command comes from local configuration
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	c := &externalChild{cmd: cmd, drained: make(chan struct{})}
	c.pgid.Store(int64(cmd.Process.Pid))

	queue := make(chan ioLine, ioQueueSize)
	var readers sync.WaitGroup
	readers.Add(2)
	go pump(&readers, "stdout", stdout, queue)
	go pump(&readers, "stderr", stderr, queue)
	go func() {
		readers.Wait()
		close(queue)
	}()
	go func() {
		defer close(c.drained)
		for l := range queue {
			log.Info("IO: "+l.text, "stream", l.stream)
		}
	}()
	return c, nil
}

func pump(wg *sync.WaitGroup, stream string, r io.Reader, queue chan<- ioLine) {
	defer wg.Done()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			queue <- ioLine{stream: stream, text: strings.TrimRight(line, "\r\n")}
		}
		if err != nil {
			return
		}
	}
}

func (c *externalChild) wait() int {
	<-c.drained
	err := c.cmd.Wait()
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if code := ee.ExitCode(); code != 0 {
			return code
		}
	}
	return 1
}

// kill signals the whole process group so grandchildren holding the output
// pipes go too.
func (c *externalChild) kill() {
	if pgid := int(c.pgid.Load()); pgid > 0 {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}

func (c *externalChild) pid() int { return int(c.pgid.Load()) }
