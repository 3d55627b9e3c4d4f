package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
)

type fakeObjects struct {
	bucket, key string
	body        []byte
	opts        minio.PutObjectOptions
	err         error
}

func (f *fakeObjects) PutObject(_ context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	body, _ := io.ReadAll(r)
	f.bucket, f.key, f.body, f.opts = bucket, object, body, opts
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: size}, nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestPutImage(t *testing.T) {
	objects := &fakeObjects{}
	svc := New(objects, Config{Bucket: "zuzalu-media", PublicURL: "https://cdn.zuzalu.city/media/"})
	data := pngBytes(t, 64, 32)

	img, err := svc.PutImage(context.Background(), "banner.png", data)
	if err != nil {
		t.Fatalf("PutImage: %v", err)
	}
	if img.Size.Width != 64 || img.Size.Height != 32 || img.Name != "banner.png" {
		t.Fatalf("unexpected image %+v", img)
	}
	if !strings.HasPrefix(img.Src, "https://cdn.zuzalu.city/media/images/img_") || !strings.HasSuffix(img.Src, ".png") {
		t.Fatalf("unexpected src %q", img.Src)
	}
	if objects.bucket != "zuzalu-media" || objects.opts.ContentType != "image/png" || !bytes.Equal(objects.body, data) {
		t.Fatalf("unexpected put: bucket=%s type=%s", objects.bucket, objects.opts.ContentType)
	}
}

func TestPutImageRejects(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		data []byte
		err  error
	}{
		{"empty", Config{}, nil, ErrEmpty},
		{"too large", Config{MaxBytes: 8}, []byte("0123456789"), ErrTooLarge},
		{"not an image", Config{}, []byte("%PDF-1.4 not an image"), ErrUnsupportedFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(&fakeObjects{}, tt.cfg).PutImage(context.Background(), "x", tt.data)
			if !errors.Is(err, tt.err) {
				t.Fatalf("got %v, want %v", err, tt.err)
			}
		})
	}
}

func TestPutImageStoreFailure(t *testing.T) {
	svc := New(&fakeObjects{err: errors.New("s3 down")}, Config{Bucket: "b"})
	if _, err := svc.PutImage(context.Background(), "x.png", pngBytes(t, 1, 1)); err == nil {
		t.Fatal("expected store error")
	}
}
