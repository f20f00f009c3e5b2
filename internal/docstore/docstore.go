// Package docstore reads canonical order documents from an S3-compatible
// bucket. The checkout process writes one JSON object per order; this
// package only reads them.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/dukerupert/orderledger/internal/model"
)

const maxDocumentSize = 1 << 20

// objectGetter is the subset of the S3 client the reader needs.
type objectGetter interface {
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config holds S3-compatible storage configuration for the order documents.
type Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Prefix    string
}

// Configured reports whether enough settings are present to reach the bucket.
func (c Config) Configured() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

// Reader fetches canonical orders by id.
type Reader struct {
	client objectGetter
	bucket string
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// NewReader creates a Reader. Without a configured bucket every fetch returns
// the fallback order.
func NewReader(cfg Config, logger *slog.Logger) *Reader {
	r := &Reader{
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
		now:    time.Now,
	}
	if r.prefix == "" {
		r.prefix = "orders/"
	}
	if cfg.Configured() {
		r.client = newS3Client(cfg)
	}
	return r
}

func newS3Client(cfg Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if opts.Region == "" {
		opts.Region = "auto"
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

func (r *Reader) key(orderID string) string {
	return r.prefix + orderID + ".json"
}

// FetchOrder returns the canonical order. It never fails: a missing document
// (cash orders never write one, and checkout writes can lag) or any read or
// decode error yields model.FallbackOrder so order completion is not blocked
// on the upstream store.
func (r *Reader) FetchOrder(ctx context.Context, orderID string) model.Order {
	order, err := r.fetch(ctx, orderID)
	if err == nil {
		return order
	}

	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		r.logger.Info("order document not found, using fallback", "order_id", orderID)
	} else {
		r.logger.Warn("order document unreadable, using fallback", "order_id", orderID, "error", err)
	}
	return model.FallbackOrder(orderID, r.now())
}

func (r *Reader) fetch(ctx context.Context, orderID string) (model.Order, error) {
	if r.client == nil {
		return model.Order{}, errors.New("document store not configured")
	}
	if orderID == "" || strings.ContainsAny(orderID, "/\\") {
		return model.Order{}, fmt.Errorf("invalid order id %q", orderID)
	}

	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key(orderID)),
	})
	if err != nil {
		return model.Order{}, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()

	var order model.Order
	if err := json.NewDecoder(io.LimitReader(out.Body, maxDocumentSize)).Decode(&order); err != nil {
		return model.Order{}, fmt.Errorf("decode order: %w", err)
	}
	if order.ID == "" {
		order.ID = orderID
	}
	if order.Items == nil {
		order.Items = model.LineItems{}
	}
	return order, nil
}
