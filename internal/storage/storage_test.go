package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

func TestPresignGetIsSignedAndBounded(t *testing.T) {
	client, err := minio.New("localhost:9000", &minio.Options{
		Creds:  credentials.NewStaticV4("access", "secret", ""),
		Region: "us-east-1",
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	store := &MinioStore{client: client, bucket: "media"}

	url, err := store.PresignGet(context.Background(), "owner/conn/msg.jpg", 2*time.Hour)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	for _, want := range []string{"/media/owner/conn/msg.jpg", "X-Amz-Expires=7200", "X-Amz-Signature="} {
		if !strings.Contains(url, want) {
			t.Errorf("url %s missing %s", url, want)
		}
	}
}
