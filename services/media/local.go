package mediasvc

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/classesnumeriques/platform/core/media"
)

// localStore writes the images under a directory served by the API.
type localStore struct {
	dir     string
	baseURL string
}

var _ media.ImageStore = (*localStore)(nil) // interface compliance check

func NewLocalStore(dir, baseURL string) *localStore {
	return &localStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *localStore) path(key string) (string, error) {
	fp := filepath.Join(s.dir, filepath.FromSlash(key))
	rel, err := filepath.Rel(s.dir, fp)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", media.ErrInvalidKey
	}
	return fp, nil
}

func (s *localStore) Put(ctx context.Context, key string, r io.Reader, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fp, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err = os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
		return "", errors.Wrap(err, "creating upload directory")
	}

	// write to a temp file first so readers never see a partial image
	tmp, err := os.CreateTemp(filepath.Dir(fp), ".upload-*")
	if err != nil {
		return "", errors.Wrap(err, "creating temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err = io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return "", errors.Wrap(err, "writing image")
	}
	if err = tmp.Close(); err != nil {
		return "", errors.Wrap(err, "closing temp file")
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", errors.Wrap(err, "setting image permissions")
	}
	if err = os.Rename(tmp.Name(), fp); err != nil {
		return "", errors.Wrap(err, "moving image")
	}
	return s.baseURL + "/" + key, nil
}

func (s *localStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fp, err := s.path(key)
	if err != nil {
		return err
	}
	if err = os.Remove(fp); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "deleting image")
	}
	return nil
}
