package manager

import (
	"bufio"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/loykin/binarydrop/internal/app"
)

const (
	DefaultLogLines = 50
	// FollowPollInterval is how often Follow checks the log for new data.
	FollowPollInterval = 200 * time.Millisecond
)

// Logs returns the last lines of the app's log, oldest first.
func (m *Manager) Logs(ctx context.Context, name string, lines int) ([]string, error) {
	if _, err := m.st.GetByName(ctx, name); err != nil {
		return nil, lookupErr("logs", name, err)
	}
	if lines <= 0 {
		lines = DefaultLogLines
	}
	f, err := os.Open(m.layout.LogPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, app.E("logs", name, app.ErrLogNotFound)
		}
		return nil, app.Wrap(app.Infrastructure, "logs", name, err)
	}
	defer func() { _ = f.Close() }()
	out, err := tail(f, lines)
	if err != nil {
		return nil, app.Wrap(app.Infrastructure, "logs", name, err)
	}
	return out, nil
}

// tail keeps the last n lines of r in a ring.
func tail(r io.Reader, n int) ([]string, error) {
	ring := make([]string, n)
	count := 0
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		ring[count%n] = sc.Text()
		count++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if count <= n {
		return ring[:count], nil
	}
	start := count % n
	return append(ring[start:], ring[:start]...), nil
}

// Follow streams lines appended to the app's log after the call. The channel
// is closed when ctx ends. A truncated or rotated log is read again from the
// start.
func (m *Manager) Follow(ctx context.Context, name string) (<-chan string, error) {
	if _, err := m.st.GetByName(ctx, name); err != nil {
		return nil, lookupErr("logs", name, err)
	}
	path := m.layout.LogPath(name)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, app.E("logs", name, app.ErrLogNotFound)
		}
		return nil, app.Wrap(app.Infrastructure, "logs", name, err)
	}
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = f.Close()
		return nil, app.Wrap(app.Infrastructure, "logs", name, err)
	}
	out := make(chan string, 64)
	t := &follower{path: path, f: f, offset: offset, out: out}
	go t.run(ctx, m)
	return out, nil
}

type follower struct {
	path    string
	f       *os.File
	offset  int64
	partial string
	out     chan<- string
}

func (t *follower) run(ctx context.Context, m *Manager) {
	defer close(t.out)
	defer func() { _ = t.f.Close() }()
	ticker := time.NewTicker(FollowPollInterval)
	defer ticker.Stop()
	for {
		if !t.drain(ctx) {
			return
		}
		if err := t.reopenIfReplaced(); err != nil {
			m.logger.Debug("log follow reopen failed", "path", t.path, "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drain emits every complete line available. It reports false once ctx ends.
func (t *follower) drain(ctx context.Context) bool {
	rd := bufio.NewReader(t.f)
	for {
		chunk, err := rd.ReadString('\n')
		t.offset += int64(len(chunk))
		if err != nil {
			t.partial += chunk
			return true
		}
		line := strings.TrimRight(t.partial+chunk, "\r\n")
		t.partial = ""
		select {
		case t.out <- line:
		case <-ctx.Done():
			return false
		}
	}
}

func (t *follower) reopenIfReplaced() error {
	cur, err := t.f.Stat()
	if err != nil {
		return err
	}
	onDisk, err := os.Stat(t.path)
	if err != nil {
		// rotated away and not recreated yet
		return nil
	}
	if os.SameFile(cur, onDisk) && onDisk.Size() >= t.offset {
		return nil
	}
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	_ = t.f.Close()
	t.f = f
	t.offset = 0
	t.partial = ""
	return nil
}
