package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLayout(t *testing.T) {
	l := New("/var/lib/binarydrop/")
	if got := l.BinaryPath("web"); got != "/var/lib/binarydrop/apps/web/app" {
		t.Fatalf("binary path: %s", got)
	}
	if got := l.DataDir("web"); got != "/var/lib/binarydrop/apps/web/data" {
		t.Fatalf("data dir: %s", got)
	}
	if got := l.LogPath("web"); got != "/var/lib/binarydrop/apps/web/web.log" {
		t.Fatalf("log path: %s", got)
	}
	if got := l.DBPath(); got != "/var/lib/binarydrop/binarydrop.db" {
		t.Fatalf("db path: %s", got)
	}
}

func TestEnsureAndRemove(t *testing.T) {
	l := New(t.TempDir())
	if err := l.Ensure("api"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if fi, err := os.Stat(l.DataDir("api")); err != nil || !fi.IsDir() {
		t.Fatalf("data dir missing: %v", err)
	}
	if err := os.WriteFile(filepath.Join(l.AppDir("api"), "x"), []byte("1"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := l.Remove("api"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(l.AppDir("api")); !os.IsNotExist(err) {
		t.Fatalf("app dir should be gone, err=%v", err)
	}
}

func TestNextPort(t *testing.T) {
	cases := []struct {
		used  []int
		first int
		want  int
	}{
		{nil, 8000, 8000},
		{[]int{8000, 8001}, 8000, 8002},
		{[]int{8001}, 8000, 8000},
		{[]int{8000, 8002}, 8000, 8001},
		{[]int{80, 9000}, 0, DefaultFirstPort},
	}
	for _, c := range cases {
		if got := NextPort(c.used, c.first); got != c.want {
			t.Fatalf("NextPort(%v,%d)=%d want %d", c.used, c.first, got, c.want)
		}
	}
}

func TestDefaultRootHonorsXDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg")
	if got := DefaultRoot(); got != "/tmp/xdg/binarydrop" {
		t.Fatalf("unexpected root %s", got)
	}
}
