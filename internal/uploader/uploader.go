// Package uploader archives finished transcripts to S3.
package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus"

	"github.com/john/chatmux/internal/adapter"
)

// ObjectPutter is the part of *s3.Client the uploader uses
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Options struct {
	Bucket      string
	DeleteAfter bool
	MaxRetries  int

	// ScanEvery rescans the output directory for files the upload queue
	// dropped. Zero disables periodic scans.
	ScanEvery time.Duration

	// Skip reports files still being written
	Skip func(path string) bool

	// OnUpload observes every finished upload, e.g. for metrics
	OnUpload func(err error)

	Backoff adapter.Backoff
	Log     logrus.FieldLogger
}

// Uploader handles uploading completed transcripts to S3
type Uploader struct {
	client ObjectPutter
	opts   Options
	log    logrus.FieldLogger

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

// flyTokenRetriever implements stscreds.IdentityTokenRetriever for Fly.io OIDC
type flyTokenRetriever struct {
	socketPath string
	audience   string
}

// GetIdentityToken fetches an OIDC token from Fly.io's Unix socket API
func (f *flyTokenRetriever) GetIdentityToken() ([]byte, error) {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", f.socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}

	reqBody, err := sonic.Marshal(map[string]string{"aud": f.audience})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := client.Post("http://localhost/v1/tokens/oidc", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	token, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	return token, nil
}

// Credentials selects how the S3 client authenticates. RoleARN wins over
// static keys; with neither, the default AWS chain is used.
type Credentials struct {
	Region          string
	RoleARN         string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // S3-compatible services
}

// NewS3Client builds the S3 client for creds
func NewS3Client(ctx context.Context, creds Credentials) (*s3.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(creds.Region)}
	if creds.RoleARN == "" && creds.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	// Assume the role with the machine's OIDC identity
	if creds.RoleARN != "" {
		provider := stscreds.NewWebIdentityRoleProvider(
			sts.NewFromConfig(cfg),
			creds.RoleARN,
			&flyTokenRetriever{socketPath: "/.fly/api", audience: "sts.amazonaws.com"},
		)
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if creds.Endpoint != "" {
			o.BaseEndpoint = aws.String(creds.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// New creates an uploader writing through client
func New(client ObjectPutter, opts Options) *Uploader {
	if opts.Backoff.Base <= 0 {
		opts.Backoff.Base = time.Second
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Uploader{
		client:   client,
		opts:     opts,
		log:      log,
		inflight: make(map[string]bool),
	}
}

// ScanAndUploadExisting uploads every finished .jsonl file in outputDir
func (u *Uploader) ScanAndUploadExisting(ctx context.Context, outputDir string) error {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return fmt.Errorf("read directory: %w", err)
	}

	var found int
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(outputDir, entry.Name())
		if u.opts.Skip != nil && u.opts.Skip(path) {
			continue
		}
		if u.enqueue(ctx, path) {
			found++
		}
	}
	if found > 0 {
		u.log.Infof("Found %d existing file(s) to upload in %s", found, outputDir)
	}
	return nil
}

// Start uploads files from fileChan until ctx is done and waits for
// uploads in flight
func (u *Uploader) Start(ctx context.Context, outputDir string, fileChan <-chan string) error {
	var scan <-chan time.Time
	if u.opts.ScanEvery > 0 {
		t := time.NewTicker(u.opts.ScanEvery)
		defer t.Stop()
		scan = t.C
	}

	for {
		select {
		case path := <-fileChan:
			u.enqueue(ctx, path)

		case <-scan:
			if err := u.ScanAndUploadExisting(ctx, outputDir); err != nil {
				u.log.Warnf("Scan failed: %v", err)
			}

		case <-ctx.Done():
			u.log.Infof("Uploader shutting down...")
			u.wg.Wait()
			return ctx.Err()
		}
	}
}

// Wait blocks until every started upload has finished
func (u *Uploader) Wait() { u.wg.Wait() }

// enqueue starts an upload unless path is already being uploaded
func (u *Uploader) enqueue(ctx context.Context, path string) bool {
	u.mu.Lock()
	if u.inflight[path] {
		u.mu.Unlock()
		return false
	}
	u.inflight[path] = true
	u.wg.Add(1)
	u.mu.Unlock()

	go func() {
		defer u.wg.Done()
		defer func() {
			u.mu.Lock()
			delete(u.inflight, path)
			u.mu.Unlock()
		}()
		u.uploadWithRetry(ctx, path)
	}()
	return true
}

// uploadWithRetry uploads a file with retry logic
func (u *Uploader) uploadWithRetry(ctx context.Context, localPath string) {
	filename := filepath.Base(localPath)

	key, err := GenerateS3Key(filename)
	if err != nil {
		u.log.Errorf("Error generating S3 key for %s: %v", filename, err)
		return
	}

	for attempt := 0; attempt <= u.opts.MaxRetries; attempt++ {
		err = u.uploadFile(ctx, localPath, key)
		if err == nil {
			break
		}
		if attempt == u.opts.MaxRetries {
			break
		}
		wait := u.opts.Backoff.Delay(attempt)
		u.log.Warnf("Upload attempt %d/%d failed for %s: %v. Retrying in %v",
			attempt+1, u.opts.MaxRetries+1, filename, err, wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
	if u.opts.OnUpload != nil {
		u.opts.OnUpload(err)
	}
	if err != nil {
		u.log.Errorf("Failed to upload %s after %d attempts: %v", filename, u.opts.MaxRetries+1, err)
		return
	}

	u.log.Infof("Uploaded %s to s3://%s/%s", filename, u.opts.Bucket, key)
	if u.opts.DeleteAfter {
		if err := os.Remove(localPath); err != nil {
			u.log.Errorf("Error deleting local file %s: %v", localPath, err)
		}
	}
}

func (u *Uploader) uploadFile(ctx context.Context, localPath, key string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.opts.Bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// GenerateS3Key derives the object key from a transcript name
// Input: twitch_ludwig_20251230_103000.jsonl
// Output: 2025/12/30/twitch/ludwig/twitch_ludwig_20251230_103000.jsonl
func GenerateS3Key(filename string) (string, error) {
	parts := strings.Split(strings.TrimSuffix(filename, ".jsonl"), "_")
	if len(parts) < 4 {
		return "", fmt.Errorf("invalid filename format: %s", filename)
	}

	platform := parts[0]
	// Channel names may contain underscores, so date and time are the last two parts
	stamp := parts[len(parts)-2] + "_" + parts[len(parts)-1]
	channel := strings.Join(parts[1:len(parts)-2], "_")
	if platform == "" || channel == "" {
		return "", fmt.Errorf("invalid filename format: %s", filename)
	}

	var t time.Time
	var err error
	for _, layout := range []string{"20060102_150405", "20060102_1504"} {
		if t, err = time.Parse(layout, stamp); err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("parse timestamp: %w", err)
	}

	return fmt.Sprintf("%04d/%02d/%02d/%s/%s/%s",
		t.Year(), t.Month(), t.Day(), platform, channel, filename), nil
}
