package audio

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
)

var errSoxExited = errors.New("sox process exited mid-stream")

// soxProcess wraps one long-lived sox pipeline reading raw signed 16-bit
// little-endian mono PCM on stdin and writing the same format at the
// target rate on stdout. One process serves all chunks of a call.
type soxProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu     sync.Mutex
	closed bool
}

// startSoxProcess launches sox and begins pumping its stdout. Output
// chunks are re-aligned to whole samples before onOutput; onExit fires
// once when the pipe ends, with nil on a clean end after Close.
func startSoxProcess(path string, fromRate, toRate int, onOutput func([]byte), onExit func(error)) (resampleProc, error) {
	args := []string{
		"-q", "--buffer", "512",
		"-t", "raw", "-r", strconv.Itoa(fromRate), "-e", "signed-integer", "-b", "16", "-c", "1", "-",
		"-t", "raw", "-r", strconv.Itoa(toRate), "-e", "signed-integer", "-b", "16", "-c", "1", "-",
	}
	cmd := exec.Command(path, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sox stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("sox stdout pipe: %w", err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("start sox: %w", err)
	}

	p := &soxProcess{cmd: cmd, stdin: stdin}

	go func() {
		err := p.readLoop(stdout, onOutput)
		_ = cmd.Wait()
		onExit(err)
	}()

	return p, nil
}

// readLoop pumps resampled bytes from sox, carrying a trailing odd byte
// so every delivered chunk holds whole samples. Returns nil only when
// the pipe ended after an intentional Close.
func (p *soxProcess) readLoop(stdout io.Reader, onOutput func([]byte)) error {
	var carry []byte
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			carry = nil
			if len(chunk)%2 != 0 {
				carry = []byte{chunk[len(chunk)-1]}
				chunk = chunk[:len(chunk)-1]
			}
			if len(chunk) > 0 {
				onOutput(chunk)
			}
		}
		if err != nil {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return errSoxExited
			}
			return fmt.Errorf("read sox output: %w", err)
		}
	}
}

// Write feeds input samples to sox. Errors indicate the process is gone
// and the caller should fall back.
func (p *soxProcess) Write(b []byte) error {
	p.mu.Lock()
	stdin := p.stdin
	closed := p.closed
	p.mu.Unlock()
	if closed || stdin == nil {
		return errSoxExited
	}
	_, err := stdin.Write(b)
	return err
}

// Close shuts the pipeline down. The stdin close lets sox drain; the
// kill covers a wedged process.
func (p *soxProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return nil
}
