package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/tencentyun/cos-go-sdk-v5"
)

// COSStore is a Tencent Cloud Object Storage-backed Store, the
// S3-compatible remote backend deployments use alongside the local
// filesystem one. Objects are named {thread_id}/{artifact_id}.
type COSStore struct {
	client *cos.Client
}

// NewCOSStore creates a COSStore against bucketURL
// ("https://bucket.cos.region.myqcloud.com"), authenticating with
// secretID/secretKey via cos.AuthorizationTransport.
func NewCOSStore(bucketURL, secretID, secretKey string) (*COSStore, error) {
	u, err := url.Parse(bucketURL)
	if err != nil {
		return nil, fmt.Errorf("artifact: parse bucket url: %w", err)
	}
	b := &cos.BaseURL{BucketURL: u}
	httpClient := &http.Client{
		Transport: &cos.AuthorizationTransport{
			SecretID:  secretID,
			SecretKey: secretKey,
		},
	}
	return &COSStore{client: cos.NewClient(b, httpClient)}, nil
}

func objectName(threadID, artifactID string) string {
	return threadID + "/" + artifactID
}

// Put implements Store.
func (s *COSStore) Put(ctx context.Context, threadID, artifactID string, blob Blob) (Reference, error) {
	mimeType := blob.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	opt := &cos.ObjectPutOptions{
		ObjectPutHeaderOptions: &cos.ObjectPutHeaderOptions{ContentType: mimeType},
	}
	_, err := s.client.Object.Put(ctx, objectName(threadID, artifactID), bytes.NewReader(blob.Data), opt)
	if err != nil {
		return Reference{}, fmt.Errorf("artifact: cos put: %w", err)
	}
	return Reference{
		ThreadID:   threadID,
		ArtifactID: artifactID,
		MimeType:   mimeType,
		Size:       len(blob.Data),
		CreatedAt:  clock(),
	}, nil
}

// Get implements Store.
func (s *COSStore) Get(ctx context.Context, threadID, artifactID string) (Blob, error) {
	resp, err := s.client.Object.Get(ctx, objectName(threadID, artifactID), nil)
	if err != nil {
		if cos.IsNotFoundError(err) {
			return Blob{}, ErrNotFound
		}
		return Blob{}, fmt.Errorf("artifact: cos get: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Blob{}, fmt.Errorf("artifact: cos read body: %w", err)
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return Blob{Data: data, MimeType: mimeType}, nil
}

// Delete implements Store.
func (s *COSStore) Delete(ctx context.Context, threadID, artifactID string) error {
	_, err := s.client.Object.Delete(ctx, objectName(threadID, artifactID))
	if err != nil && !cos.IsNotFoundError(err) {
		return fmt.Errorf("artifact: cos delete: %w", err)
	}
	return nil
}

// List implements Store.
func (s *COSStore) List(ctx context.Context, threadID string) ([]string, error) {
	prefix := threadID + "/"
	result, _, err := s.client.Bucket.Get(ctx, &cos.BucketGetOptions{Prefix: prefix})
	if err != nil {
		if cos.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("artifact: cos list: %w", err)
	}

	ids := make([]string, 0, len(result.Contents))
	for _, obj := range result.Contents {
		ids = append(ids, strings.TrimPrefix(obj.Key, prefix))
	}
	sort.Strings(ids)
	return ids, nil
}
