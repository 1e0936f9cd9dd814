// Package procproxy runs one command on the coordinator host on behalf of a
// remote operator and relays its standard streams.
package procproxy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// DefaultBufferSize caps the unread output kept per stream.
const DefaultBufferSize = 1 << 20

var ErrNoProcess = errors.New("no process started")

// boundedBuffer keeps at most max bytes, dropping the oldest on overflow.
type boundedBuffer struct {
	mu      sync.Mutex
	buf     []byte
	max     int
	dropped int64
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if n >= b.max {
		b.dropped += int64(len(b.buf) + n - b.max)
		b.buf = append(b.buf[:0], p[n-b.max:]...)
		return n, nil
	}
	if over := len(b.buf) + n - b.max; over > 0 {
		b.dropped += int64(over)
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

// Drain returns the buffered bytes and empties the buffer.
func (b *boundedBuffer) Drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	b.buf = b.buf[:0]
	return out
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *boundedBuffer
	stderr *boundedBuffer
	done   chan struct{}
}

func (p *process) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *process) destroy() {
	if p.alive() && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.stdin.Close()
	<-p.done
}

// Proxy holds at most one process. Starting a new one replaces the old.
type Proxy struct {
	mu      sync.Mutex
	cur     *process
	bufSize int
	log     *slog.Logger
}

func New(logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{bufSize: DefaultBufferSize, log: logger.With("component", "procproxy")}
}

// Start launches argv. The previous process, if any, is destroyed only after
// the new one started successfully.
func (p *Proxy) Start(argv []string) error {
	if len(argv) == 0 || argv[0] == "" {
		return errors.New("empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	np := &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: &boundedBuffer{max: p.bufSize},
		stderr: &boundedBuffer{max: p.bufSize},
		done:   make(chan struct{}),
	}
	cmd.Stdout = np.stdout
	cmd.Stderr = np.stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", argv[0], err)
	}
	go func() {
		_ = cmd.Wait()
		close(np.done)
	}()

	p.mu.Lock()
	old := p.cur
	p.cur = np
	p.mu.Unlock()
	if old != nil {
		old.destroy()
	}
	p.log.Debug("started proxied process", "argv", argv, "pid", cmd.Process.Pid)
	return nil
}

func (p *Proxy) current() (*process, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == nil {
		return nil, ErrNoProcess
	}
	return p.cur, nil
}

// ReadOut returns stdout bytes produced since the previous read.
func (p *Proxy) ReadOut() ([]byte, error) {
	c, err := p.current()
	if err != nil {
		return nil, err
	}
	return c.stdout.Drain(), nil
}

// ReadErr returns stderr bytes produced since the previous read.
func (p *Proxy) ReadErr() ([]byte, error) {
	c, err := p.current()
	if err != nil {
		return nil, err
	}
	return c.stderr.Drain(), nil
}

// Send writes data to the process's stdin.
func (p *Proxy) Send(data []byte) error {
	c, err := p.current()
	if err != nil {
		return err
	}
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Alive reports whether a process exists and has not exited.
func (p *Proxy) Alive() bool {
	c, err := p.current()
	return err == nil && c.alive()
}

// Destroy kills the process and forgets it. Calling it with no process is a no-op.
func (p *Proxy) Destroy() {
	p.mu.Lock()
	c := p.cur
	p.cur = nil
	p.mu.Unlock()
	if c != nil {
		p.log.Debug("destroying proxied process")
		c.destroy()
	}
}
