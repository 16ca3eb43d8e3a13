// Package storage uploads user media and generated audio to object storage
// and hands back public URLs the providers can fetch.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	storage_go "github.com/supabase-community/storage-go"
	"github.com/supabase-community/supabase-go"
)

// Uploader stores data under key and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// Supabase uploads into a public bucket.
type Supabase struct {
	client  *supabase.Client
	baseURL string
	bucket  string
	log     zerolog.Logger
}

func NewSupabase(url, serviceKey, bucket string, log zerolog.Logger) (*Supabase, error) {
	if url == "" || serviceKey == "" || bucket == "" {
		return nil, fmt.Errorf("missing Supabase configuration: url, service key and bucket required")
	}
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &Supabase{
		client:  client,
		baseURL: strings.TrimRight(url, "/"),
		bucket:  bucket,
		log:     log.With().Str("bucket", bucket).Logger(),
	}, nil
}

func (s *Supabase) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	upsert := true
	_, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(data), storage_go.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to Supabase: %w", err)
	}
	u := PublicURL(s.baseURL, s.bucket, key)
	s.log.Info().Str("key", key).Int("bytes", len(data)).Msg("object uploaded")
	return u, nil
}

// PublicURL is the unauthenticated URL of key in a public bucket.
func PublicURL(baseURL, bucket, key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", strings.TrimRight(baseURL, "/"), bucket, strings.TrimLeft(key, "/"))
}

// ObjectKey builds a collision-free key under prefix, keeping ext.
func ObjectKey(prefix, ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	name := uuid.NewString()
	if ext != "" {
		name += "." + ext
	}
	return path.Join(prefix, name)
}
