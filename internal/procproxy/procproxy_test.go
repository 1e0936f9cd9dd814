//go:build !windows

package procproxy

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEchoRoundTrip(t *testing.T) {
	p := New(nil)
	defer p.Destroy()
	if err := p.Start([]string{"cat"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !p.Alive() {
		t.Fatalf("expected alive")
	}
	if err := p.Send([]byte("hello\n")); err != nil {
		t.Fatalf("send: %v", err)
	}
	var got []byte
	waitFor(t, func() bool {
		b, _ := p.ReadOut()
		got = append(got, b...)
		return bytes.Equal(got, []byte("hello\n"))
	})
	// read clears the buffer
	if b, _ := p.ReadOut(); len(b) != 0 {
		t.Fatalf("expected empty after drain, got %q", b)
	}
}

func TestStderrAndExit(t *testing.T) {
	p := New(nil)
	if err := p.Start([]string{"sh", "-c", "echo oops >&2"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return !p.Alive() })
	b, err := p.ReadErr()
	if err != nil || string(b) != "oops\n" {
		t.Fatalf("stderr = %q, %v", b, err)
	}
	p.Destroy()
	if p.Alive() {
		t.Fatalf("destroyed proxy reports alive")
	}
	if _, err := p.ReadOut(); !errors.Is(err, ErrNoProcess) {
		t.Fatalf("expected ErrNoProcess, got %v", err)
	}
	p.Destroy()
}

func TestStartReplacesPrevious(t *testing.T) {
	p := New(nil)
	defer p.Destroy()
	if err := p.Start([]string{"sleep", "30"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	first, _ := p.current()
	if err := p.Start([]string{"cat"}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if first.alive() {
		t.Fatalf("previous process still alive")
	}
	if err := p.Start(nil); err == nil {
		t.Fatalf("expected error for empty argv")
	}
	if err := p.Start([]string{"/nonexistent/binary"}); err == nil {
		t.Fatalf("expected error for missing binary")
	}
	if !p.Alive() {
		t.Fatalf("failed start must keep current process")
	}
}

func TestBoundedBufferDropsOldest(t *testing.T) {
	b := &boundedBuffer{max: 4}
	_, _ = b.Write([]byte("ab"))
	_, _ = b.Write([]byte("cde"))
	if got := string(b.Drain()); got != "bcde" {
		t.Fatalf("got %q", got)
	}
	_, _ = b.Write([]byte("0123456"))
	if got := string(b.Drain()); got != "3456" {
		t.Fatalf("got %q", got)
	}
	if b.dropped != 4 {
		t.Fatalf("dropped = %d", b.dropped)
	}
}
