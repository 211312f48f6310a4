package uploader

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	"github.com/john/chatmux/internal/adapter"
	"github.com/john/chatmux/internal/logs"
)

type fakeS3 struct {
	mu      sync.Mutex
	fails   int
	calls   int
	objects map[string]string
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return nil, errors.New("slow down")
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = make(map[string]string)
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = string(body)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) snapshot() (int, map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.objects))
	for k, v := range f.objects {
		out[k] = v
	}
	return f.calls, out
}

func TestGenerateS3Key(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     string
		wantErr  bool
	}{
		{"seconds layout", "twitch_ludwig_20251230_103000.jsonl", "2025/12/30/twitch/ludwig/twitch_ludwig_20251230_103000.jsonl", false},
		{"minutes layout", "kick_xqc_20251230_1030.jsonl", "2025/12/30/kick/xqc/kick_xqc_20251230_1030.jsonl", false},
		{"underscored channel", "twitch_a_b_c_20240102_000000.jsonl", "2024/01/02/twitch/a_b_c/twitch_a_b_c_20240102_000000.jsonl", false},
		{"too few parts", "twitch_20240102.jsonl", "", true},
		{"bad date", "twitch_chan_2024xx02_000000.jsonl", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GenerateS3Key(tt.filename)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func writeTranscript(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(`{"kind":"message"}`+"\n"), 0o644))
	return path
}

func TestUpload_RetriesThenDeletes(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	path := writeTranscript(t, dir, "twitch_chan_20240309_120000.jsonl")

	s3c := &fakeS3{fails: 2}
	var results []error
	u := New(s3c, Options{
		Bucket:      "transcripts",
		DeleteAfter: true,
		MaxRetries:  3,
		Backoff:     adapter.Backoff{Base: time.Millisecond, Cap: 5 * time.Millisecond},
		OnUpload:    func(err error) { results = append(results, err) },
		Log:         logs.Discard(),
	})

	req.True(u.enqueue(context.Background(), path))
	u.Wait()

	calls, objects := s3c.snapshot()
	req.Equal(3, calls)
	req.Equal(`{"kind":"message"}`+"\n", objects["transcripts/2024/03/09/twitch/chan/twitch_chan_20240309_120000.jsonl"])
	req.Equal([]error{nil}, results)
	_, err := os.Stat(path)
	req.True(os.IsNotExist(err))
}

func TestUpload_GivesUp(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	path := writeTranscript(t, dir, "twitch_chan_20240309_120000.jsonl")

	s3c := &fakeS3{fails: 10}
	var last error
	u := New(s3c, Options{
		Bucket:      "b",
		DeleteAfter: true,
		MaxRetries:  1,
		Backoff:     adapter.Backoff{Base: time.Millisecond},
		OnUpload:    func(err error) { last = err },
		Log:         logs.Discard(),
	})
	u.enqueue(context.Background(), path)
	u.Wait()

	calls, _ := s3c.snapshot()
	req.Equal(2, calls)
	req.Error(last)
	_, err := os.Stat(path)
	req.NoError(err, "failed uploads stay on disk")
}

func TestScanAndUploadExisting(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	done := writeTranscript(t, dir, "kick_xqc_20240309_120000.jsonl")
	open := writeTranscript(t, dir, "kick_xqc_20240309_130000.jsonl")
	writeTranscript(t, dir, "notes.txt")
	req.NoError(os.Mkdir(filepath.Join(dir, "sub.jsonl"), 0o755))

	s3c := &fakeS3{}
	u := New(s3c, Options{
		Bucket: "b",
		Skip:   func(p string) bool { return p == open },
		Log:    logs.Discard(),
	})
	req.NoError(u.ScanAndUploadExisting(context.Background(), dir))
	u.Wait()

	_, objects := s3c.snapshot()
	req.Len(objects, 1)
	req.Contains(objects, "b/2024/03/09/kick/xqc/"+filepath.Base(done))

	req.Error(u.ScanAndUploadExisting(context.Background(), filepath.Join(dir, "missing")))
}

func TestStart_UploadsQueuedFiles(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	path := writeTranscript(t, dir, "youtube_vid_20240309_120000.jsonl")

	s3c := &fakeS3{}
	u := New(s3c, Options{Bucket: "b", Log: logs.Discard()})
	files := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- u.Start(ctx, dir, files) }()

	files <- path
	req.Eventually(func() bool {
		_, objects := s3c.snapshot()
		return len(objects) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	req.ErrorIs(<-done, context.Canceled)
}
