package manager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/loykin/binarydrop/internal/app"
)

// DeployResult reports the outcome of Deploy. Changed is false when the
// uploaded binary matched the deployed one and nothing was touched.
type DeployResult struct {
	App     *app.App `json:"app"`
	Hash    string   `json:"hash"`
	Changed bool     `json:"changed"`
	// Restarted is set when a live app was restarted onto the new binary.
	Restarted bool `json:"restarted"`
}

// Deploy stores the binary read from r as the app's executable.
func (m *Manager) Deploy(ctx context.Context, name string, r io.Reader) (*DeployResult, error) {
	a, err := m.st.GetByName(ctx, name)
	if err != nil {
		return nil, lookupErr("deploy", name, err)
	}
	if err := m.layout.Ensure(name); err != nil {
		return nil, app.Wrap(app.Infrastructure, "deploy", name, err)
	}

	tmp, hash, err := m.receive(name, r)
	if err != nil {
		return nil, app.Wrap(app.Infrastructure, "deploy", name, err)
	}
	defer func() { _ = os.Remove(tmp) }()

	if a.BinaryHash == hash && a.Deployed() {
		m.logger.Info("binary unchanged, skipping deploy", "app", name, "hash", hash)
		return &DeployResult{App: a, Hash: hash}, nil
	}

	target := m.layout.BinaryPath(name)
	if err := os.Chmod(tmp, 0o755); err != nil {
		return nil, app.Wrap(app.Infrastructure, "deploy", name, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return nil, app.Wrap(app.Infrastructure, "deploy", name, fmt.Errorf("install binary: %w", err))
	}

	live := false
	a, err = m.update(ctx, "deploy", name, func(a *app.App) error {
		a.BinaryPath = target
		a.BinaryHash = hash
		live = a.State.Live() || m.sup.IsLive(name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !live {
		a.SetState(app.StateDeployed)
		if err := m.st.SaveLifecycle(ctx, a); err != nil {
			return nil, lookupErr("deploy", name, err)
		}
	}
	m.logger.Info("binary deployed", "app", name, "hash", hash, "path", target)

	res := &DeployResult{App: a, Hash: hash, Changed: true}
	if live {
		if err := m.sup.Restart(ctx, name); err != nil {
			return res, err
		}
		res.Restarted = true
		if fresh, err := m.st.GetByName(ctx, name); err == nil {
			res.App = fresh
		}
	}
	return res, nil
}

// receive streams r into a temp file next to the target and returns its
// path and SHA-256.
func (m *Manager) receive(name string, r io.Reader) (string, string, error) {
	f, err := os.CreateTemp(m.layout.AppDir(name), ".upload-*")
	if err != nil {
		return "", "", err
	}
	path := filepath.Clean(f.Name())
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = fmt.Errorf("empty binary")
	}
	if err != nil {
		_ = os.Remove(path)
		return "", "", err
	}
	return path, hex.EncodeToString(h.Sum(nil)), nil
}
