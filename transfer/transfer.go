// Package transfer delivers file contents to a recipient out of band. The
// conversation store only records the reference returned by Send.
//
// Source paths are relative to the sender's upload directory
// (<uploads>/<sender>) and cannot leave it, so a remote front end can only
// hand over files its user placed there.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrTransferFailed = errors.New("file transfer failed")

type Transferer interface {
	// Send delivers the file at path, relative to the sender's upload
	// directory, from one login to another and returns a reference to the
	// delivered copy.
	Send(ctx context.Context, from, to, path string) (string, error)
}

func failed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransferFailed, fmt.Sprintf(format, args...))
}

// openSource opens path inside <uploads>/<from> and checks it is a regular
// file. Absolute paths, ".." and symlinks leading outside are refused.
func openSource(uploads, from, path string) (*os.File, os.FileInfo, error) {
	if uploads == "" {
		return nil, nil, failed("no upload directory configured")
	}
	dir, err := userDir(from)
	if err != nil {
		return nil, nil, err
	}
	if !filepath.IsLocal(path) {
		return nil, nil, failed("source %q is outside the upload directory", path)
	}

	f, err := os.OpenInRoot(filepath.Join(uploads, dir), path)
	if err != nil {
		return nil, nil, failed("open %s: %v", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, failed("stat %s: %v", path, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, failed("%s is not a regular file", path)
	}
	return f, info, nil
}

// userDir turns a login into a single path element. accounts.ValidateLogin
// already refuses everything rejected here.
func userDir(login string) (string, error) {
	if login == "." || !filepath.IsLocal(login) || strings.ContainsAny(login, `/\`) {
		return "", failed("login %q cannot be used as a directory name", login)
	}
	return login, nil
}
