package transfer

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Local delivers files into per-recipient directories under Root, reading
// them from per-sender directories under Uploads.
type Local struct {
	Root    string
	Uploads string
}

func NewLocal(root, uploads string) *Local {
	return &Local{Root: root, Uploads: uploads}
}

func (l *Local) Send(ctx context.Context, from, to, path string) (string, error) {
	sub, err := userDir(to)
	if err != nil {
		return "", err
	}

	src, info, err := openSource(l.Uploads, from, path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dir := filepath.Join(l.Root, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", failed("create %s: %v", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".incoming-*")
	if err != nil {
		return "", failed("create temp file: %v", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	n, err := io.Copy(tmp, ctxReader{ctx: ctx, r: src})
	if err != nil {
		return "", failed("copy %s: %v", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return "", failed("sync: %v", err)
	}
	if err := tmp.Close(); err != nil {
		return "", failed("close: %v", err)
	}

	name := uuid.New().String() + "-" + filepath.Base(info.Name())
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return "", failed("rename: %v", err)
	}
	committed = true

	ref := filepath.ToSlash(filepath.Join(sub, name))
	log.Info().
		Str("sender", from).
		Str("recipient", to).
		Str("ref", ref).
		Int64("bytes", n).
		Msg("File delivered")
	return ref, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
