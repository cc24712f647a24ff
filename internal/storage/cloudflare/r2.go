package cloudflare

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// R2 object storage, used for database snapshots uploaded by the backup
// service. Memory content itself never lands here: the store path enforces
// max_content_length instead, and the service layer chunks anything bigger.

// R2Object describes one stored object.
type R2Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

func (s *Store) r2Path(key string) string {
	return fmt.Sprintf("/accounts/%s/r2/buckets/%s/objects/%s",
		s.cfg.AccountID, s.cfg.R2Bucket, url.PathEscape(key))
}

// R2Enabled reports whether a bucket is configured.
func (s *Store) R2Enabled() bool { return s.cfg.R2Bucket != "" }

// PutObject uploads an object.
func (s *Store) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	if !s.R2Enabled() {
		return fmt.Errorf("r2 bucket not configured")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if _, err := s.client.doRaw(ctx, "PUT", s.r2Path(key), body, contentType); err != nil {
		return fmt.Errorf("r2 put %s: %w", key, err)
	}
	return nil
}

// GetObject downloads an object.
func (s *Store) GetObject(ctx context.Context, key string) ([]byte, error) {
	if !s.R2Enabled() {
		return nil, fmt.Errorf("r2 bucket not configured")
	}
	body, err := s.client.doRaw(ctx, "GET", s.r2Path(key), nil, "")
	if err != nil {
		return nil, fmt.Errorf("r2 get %s: %w", key, err)
	}
	return body, nil
}

// DeleteObject removes an object.
func (s *Store) DeleteObject(ctx context.Context, key string) error {
	if !s.R2Enabled() {
		return fmt.Errorf("r2 bucket not configured")
	}
	if _, err := s.client.doRaw(ctx, "DELETE", s.r2Path(key), nil, ""); err != nil {
		return fmt.Errorf("r2 delete %s: %w", key, err)
	}
	return nil
}

// ListObjects returns bucket contents, optionally under a key prefix.
func (s *Store) ListObjects(ctx context.Context, prefix string) ([]R2Object, error) {
	if !s.R2Enabled() {
		return nil, fmt.Errorf("r2 bucket not configured")
	}
	path := fmt.Sprintf("/accounts/%s/r2/buckets/%s/objects", s.cfg.AccountID, s.cfg.R2Bucket)
	if prefix != "" {
		path += "?prefix=" + url.QueryEscape(prefix)
	}
	body, err := s.client.doRaw(ctx, "GET", path, nil, "")
	if err != nil {
		return nil, fmt.Errorf("r2 list: %w", err)
	}

	var envelope struct {
		Result []R2Object `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode r2 listing: %w", err)
	}
	return envelope.Result, nil
}
