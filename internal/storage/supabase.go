package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	storage_go "github.com/supabase-community/storage-go"
	"github.com/supabase-community/supabase-go"
)

type SupabaseConfig struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// Supabase stores artifacts in a public Supabase Storage bucket.
type Supabase struct {
	client  *supabase.Client
	baseURL string
	bucket  string
}

func NewSupabase(config SupabaseConfig) (*Supabase, error) {
	if config.URL == "" || config.ServiceRoleKey == "" {
		return nil, fmt.Errorf("missing Supabase configuration: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY required")
	}
	client, err := supabase.NewClient(config.URL, config.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	return &Supabase{
		client:  client,
		baseURL: strings.TrimRight(config.URL, "/"),
		bucket:  config.Bucket,
	}, nil
}

func (s *Supabase) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	upsert := true
	opts := storage_go.FileOptions{ContentType: &contentType, Upsert: &upsert}
	if _, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(data), opts); err != nil {
		return "", fmt.Errorf("failed to upload to Supabase: %w", err)
	}
	return s.PublicURL(key), nil
}

// Get downloads a bare key through the SDK; absolute references are fetched over HTTP.
func (s *Supabase) Get(ctx context.Context, ref string) ([]byte, error) {
	if isRemote(ref) {
		return Fetch(ctx, ref)
	}
	key, err := CleanKey(ref)
	if err != nil {
		return nil, err
	}
	data, err := s.client.Storage.DownloadFile(s.bucket, key)
	if err != nil {
		return nil, fmt.Errorf("failed to download from Supabase: %w", err)
	}
	return data, nil
}

// PublicURL is the unauthenticated download URL of key.
func (s *Supabase) PublicURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, key)
}
