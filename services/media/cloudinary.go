package mediasvc

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/pkg/errors"

	"github.com/classesnumeriques/platform/core/media"
)

type cloudinaryStore struct {
	cld *cloudinary.Cloudinary
}

var _ media.ImageStore = (*cloudinaryStore)(nil) // interface compliance check

// NewCloudinaryStore connects with a `cloudinary://<key>:<secret>@<cloud name>` URL.
func NewCloudinaryStore(cloudinaryURL string) (*cloudinaryStore, error) {
	cld, err := cloudinary.NewFromURL(cloudinaryURL)
	if err != nil {
		return nil, errors.Wrap(err, "configuring cloudinary")
	}
	cld.Config.URL.Secure = true
	return &cloudinaryStore{cld: cld}, nil
}

// publicID is the key without its extension; cloudinary derives the format from the content.
func publicID(key string) string {
	return strings.TrimSuffix(key, path.Ext(key))
}

func (s *cloudinaryStore) Put(ctx context.Context, key string, r io.Reader, _ string) (string, error) {
	res, err := s.cld.Upload.Upload(ctx, r, uploader.UploadParams{
		PublicID:       publicID(key),
		Overwrite:      api.Bool(true),
		UniqueFilename: api.Bool(false),
		ResourceType:   "image",
	})
	if err != nil {
		return "", errors.Wrap(err, "uploading to cloudinary")
	}
	if res.Error.Message != "" {
		return "", errors.Errorf("uploading to cloudinary: %s", res.Error.Message)
	}
	return res.SecureURL, nil
}

func (s *cloudinaryStore) Delete(ctx context.Context, key string) error {
	res, err := s.cld.Upload.Destroy(ctx, uploader.DestroyParams{
		PublicID:     publicID(key),
		ResourceType: "image",
		Invalidate:   api.Bool(true),
	})
	if err != nil {
		return errors.Wrap(err, "deleting from cloudinary")
	}
	if res.Error.Message != "" {
		return errors.Errorf("deleting from cloudinary: %s", res.Error.Message)
	}
	// "not found" is fine: the image is gone either way
	return nil
}
