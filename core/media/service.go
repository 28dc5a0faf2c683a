package media

import (
	"bytes"
	"context"
	"image"
	"io"
	"path"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/classesnumeriques/platform/core"
)

const webpContentType = "image/webp"

var (
	ErrTooLarge         = errors.New("image is too large")
	ErrUnsupportedImage = errors.New("unsupported image format")
	ErrInvalidKey       = errors.New("invalid image key")

	webpQuality float32 = 85
)

type (
	// ImageStore is any service that can durably store images & serve them publicly.
	ImageStore interface {
		// Put stores the content of `r` under `key` and returns its public URL.
		Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
		Delete(ctx context.Context, key string) error
	}

	Image struct {
		Key    string `json:"key"`
		URL    string `json:"url"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	}

	ServiceInterface interface {
		// UploadImage decodes the image read from `r`, bounds its dimensions, re-encodes it as WebP
		// and stores it.
		UploadImage(ctx context.Context, r io.Reader) (Image, error)
		DeleteImage(ctx context.Context, key string) error
	}

	service struct {
		store        ImageStore
		folder       string
		maxSize      int64
		maxDimension int
		nowFunc      func() time.Time
	}
)

var _ ServiceInterface = (*service)(nil) // interface compliance check

func NewService(store ImageStore) *service {
	return &service{
		store:        store,
		folder:       core.Conf.Media.Folder,
		maxSize:      core.Conf.Media.MaxUploadSize,
		maxDimension: core.Conf.Media.MaxDimension,
		nowFunc:      time.Now,
	}
}

func (svc *service) UploadImage(ctx context.Context, r io.Reader) (Image, error) {
	data, err := io.ReadAll(io.LimitReader(r, svc.maxSize+1))
	if err != nil {
		return Image{}, errors.Wrap(err, "reading image")
	}
	if int64(len(data)) > svc.maxSize {
		return Image{}, core.NewValidationError(ErrTooLarge, core.FieldError{Field: "image", Error: ErrTooLarge.Error()})
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return Image{}, core.NewValidationError(ErrUnsupportedImage, core.FieldError{Field: "image", Error: ErrUnsupportedImage.Error()})
	}
	img = svc.bound(img)

	var buf bytes.Buffer
	if err = webp.Encode(&buf, img, &webp.Options{Lossless: false, Quality: webpQuality}); err != nil {
		return Image{}, errors.Wrap(err, "encoding webp")
	}

	key := path.Join(svc.folder, svc.nowFunc().UTC().Format("2006/01"), uuid.NewString()+".webp")
	url, err := svc.store.Put(ctx, key, &buf, webpContentType)
	if err != nil {
		return Image{}, errors.Wrap(err, "storing image")
	}

	bounds := img.Bounds()
	return Image{Key: key, URL: url, Width: bounds.Dx(), Height: bounds.Dy()}, nil
}

// bound fits `img` into a maxDimension square, keeping its aspect ratio.
func (svc *service) bound(img image.Image) image.Image {
	if svc.maxDimension <= 0 {
		return img
	}
	bounds := img.Bounds()
	if bounds.Dx() <= svc.maxDimension && bounds.Dy() <= svc.maxDimension {
		return img
	}
	return imaging.Fit(img, svc.maxDimension, svc.maxDimension, imaging.Lanczos)
}

func (svc *service) DeleteImage(ctx context.Context, key string) error {
	key = path.Clean(core.CleanString(key))
	if key == "." || key == ".." || path.IsAbs(key) || strings.HasPrefix(key, "../") {
		return core.NewValidationError(ErrInvalidKey, core.FieldError{Field: "key", Error: ErrInvalidKey.Error()})
	}
	return errors.Wrap(svc.store.Delete(ctx, key), "deleting image")
}
