package mediasvc

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/pkg/errors"

	"github.com/classesnumeriques/platform/core/media"
)

const immutableCache = "public, max-age=31536000, immutable"

type ossStore struct {
	bucket  *oss.Bucket
	baseURL string
}

var _ media.ImageStore = (*ossStore)(nil) // interface compliance check

// NewOSSStore stores the images in an Alibaba Cloud OSS bucket; `baseURL` defaults to the bucket's public domain.
func NewOSSStore(endpoint, keyID, keySecret, bucketName, baseURL string) (*ossStore, error) {
	client, err := oss.New(endpoint, keyID, keySecret)
	if err != nil {
		return nil, errors.Wrap(err, "creating oss client")
	}
	bucket, err := client.Bucket(bucketName)
	if err != nil {
		return nil, errors.Wrapf(err, "opening bucket %s", bucketName)
	}
	if baseURL == "" {
		baseURL = bucketURL(endpoint, bucketName)
	}
	return &ossStore{bucket: bucket, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func bucketURL(endpoint, bucket string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	return "https://" + bucket + "." + strings.TrimRight(host, "/")
}

func (s *ossStore) Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	err := s.bucket.PutObject(key, r,
		oss.WithContext(ctx),
		oss.ContentType(contentType),
		oss.ContentDisposition("inline"),
		oss.CacheControl(immutableCache),
	)
	if err != nil {
		return "", errors.Wrap(err, "uploading to oss")
	}
	return s.baseURL + "/" + key, nil
}

func (s *ossStore) Delete(ctx context.Context, key string) error {
	err := s.bucket.DeleteObject(key, oss.WithContext(ctx))
	if se, ok := errors.Cause(err).(oss.ServiceError); ok && se.StatusCode == http.StatusNotFound {
		return nil
	}
	return errors.Wrap(err, "deleting from oss")
}
