package blob

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"quillsync/config"
)

func TestPublicURL(t *testing.T) {
	cfg := config.BlobConfig{Endpoint: "localhost:9000", BannerBucket: "file-banners", AvatarBucket: "avatars"}

	tests := []struct {
		name string
		cfg  config.BlobConfig
		key  string
		want string
	}{
		{"empty key", cfg, "", ""},
		{"endpoint base", cfg, "banner-1", "http://localhost:9000/avatars/banner-1"},
		{"absolute passthrough", cfg, "https://cdn.example.com/a.png", "https://cdn.example.com/a.png"},
		{"public base wins", config.BlobConfig{Endpoint: "minio:9000", PublicBaseURL: "https://files.example.com/"}, "avatar-u1.png", "https://files.example.com/avatars/avatar-u1.png"},
		{"ssl endpoint", config.BlobConfig{Endpoint: "s3.example.com", UseSSL: true}, "k", "https://s3.example.com/avatars/k"},
		{"escaped key", cfg, "a b", "http://localhost:9000/avatars/a%20b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PublicURL(tt.cfg, "avatars", tt.key))
		})
	}
}

func TestBannerKey(t *testing.T) {
	assert.Equal(t, "banner-9d2f6c1e", BannerKey("9d2f6c1e"))
}

func TestStoreURLsUseConfiguredBuckets(t *testing.T) {
	s := &Store{cfg: config.BlobConfig{Endpoint: "localhost:9000", BannerBucket: "file-banners", AvatarBucket: "avatars"}}
	assert.Equal(t, "http://localhost:9000/file-banners/banner-x", s.BannerURL("banner-x"))
	assert.Equal(t, "http://localhost:9000/avatars/me.png", s.AvatarURL("me.png"))
}
