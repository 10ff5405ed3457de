package db

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"fscreentime/internal/models"
)

// S3API is the subset of the S3 client used by LedgerStore.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// LedgerStore keeps one JSON usage ledger per identity in a bucket.
type LedgerStore struct {
	client      S3API
	bucket      string
	keyTemplate string
}

func NewLedgerStore(client S3API, bucket, keyTemplate string) *LedgerStore {
	return &LedgerStore{client: client, bucket: bucket, keyTemplate: keyTemplate}
}

func (s *LedgerStore) key(identityID string) string {
	return strings.ReplaceAll(s.keyTemplate, "{identityId}", identityID)
}

// GetLedger returns (ledger, true, nil) when found and (nil, false, nil) when the
// object does not exist. A payload that does not decode yields ErrCorruptLedger.
func (s *LedgerStore) GetLedger(ctx context.Context, identityID string) (*models.Ledger, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(identityID)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get ledger: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read ledger: %w", err)
	}

	l, err := models.ParseLedger(data)
	if err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrCorruptLedger, err)
	}
	return l, true, nil
}

func (s *LedgerStore) PutLedger(ctx context.Context, identityID string, l *models.Ledger) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(s.key(identityID)),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	}); err != nil {
		return fmt.Errorf("failed to put ledger: %w", err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
