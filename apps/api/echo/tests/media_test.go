package tests

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classesnumeriques/platform/core/media"
)

func uploadRequest(t *testing.T, token, field string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile(field, "carte.png")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/media/images", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func pngImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func Test_mediaApi_images(t *testing.T) {
	f := setup(t)
	token := getToken(t, f.teacher)

	rec := httptest.NewRecorder()
	f.app.ServeHTTP(rec, uploadRequest(t, token, "image", pngImage(t, 40, 30)))
	requireCode(t, rec, http.StatusCreated)

	var img media.Image
	decode(t, rec, &img)
	assert.True(t, strings.HasSuffix(img.Key, ".webp"), img.Key)
	assert.Equal(t, "/static/uploads/"+img.Key, img.URL)
	assert.Equal(t, 40, img.Width)
	assert.Equal(t, 30, img.Height)

	t.Run("not an image", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.app.ServeHTTP(rec, uploadRequest(t, token, "image", []byte("plain text")))
		requireCode(t, rec, http.StatusUnsupportedMediaType)
	})

	t.Run("missing file", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.app.ServeHTTP(rec, uploadRequest(t, token, "file", pngImage(t, 4, 4)))
		requireCode(t, rec, http.StatusBadRequest)
	})

	t.Run("students cannot upload", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.app.ServeHTTP(rec, uploadRequest(t, getToken(t, f.student), "image", pngImage(t, 4, 4)))
		requireCode(t, rec, http.StatusForbidden)
	})

	t.Run("delete", func(t *testing.T) {
		rec := f.do(http.MethodDelete, "/api/media/images?key="+img.Key, token)
		requireCode(t, rec, http.StatusNoContent)

		rec = f.do(http.MethodDelete, "/api/media/images?key=../../etc/passwd", token)
		requireCode(t, rec, http.StatusBadRequest)
	})
}

func Test_server_health(t *testing.T) {
	f := setup(t)

	rec := f.do(http.MethodGet, "/health", "")
	requireCode(t, rec, http.StatusOK)
	var resp map[string]string
	decode(t, rec, &resp)
	assert.Equal(t, "ok", resp["status"])
}
