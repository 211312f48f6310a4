// Package recorder writes the reconciled stream of every open channel to
// rotating JSONL transcripts and hands finished files to the uploader.
package recorder

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus"

	"github.com/john/chatmux/internal/hub"
	"github.com/john/chatmux/internal/message"
)

// Entry kinds written to transcripts
const (
	KindMessage = "message"
	KindRemoved = "removed"
)

// Entry is one transcript line
type Entry struct {
	Kind    string               `json:"kind"`
	At      time.Time            `json:"at"`
	Message *message.ChatMessage `json:"message,omitempty"`
	Removed []string             `json:"removed,omitempty"`
}

type Options struct {
	OutputDir       string
	BufferSize      int
	RotateMinutes   int
	RotateMegabytes int

	// CheckEvery is how often rotation limits are checked
	CheckEvery time.Duration
	Now        func() time.Time
	Log        logrus.FieldLogger
}

// transcript is one open JSONL file
type transcript struct {
	file      *os.File
	writer    *bufio.Writer
	createdAt time.Time
	written   int64
	pending   []Entry
	platform  message.Platform
	channel   string
	path      string
}

// Recorder buffers entries per channel and writes them to disk
type Recorder struct {
	opts        Options
	log         logrus.FieldLogger
	rotateBytes int64

	mu    sync.Mutex
	files map[string]*transcript // key: message.Key
	stats Stats
}

// Stats counts what the recorder has written since start
type Stats struct {
	Entries int `json:"entries"`
	Skipped int `json:"skipped"`
	Rotated int `json:"rotated"`
	Open    int `json:"open"`
}

func New(opts Options) *Recorder {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 100
	}
	if opts.RotateMinutes <= 0 {
		opts.RotateMinutes = 60
	}
	if opts.RotateMegabytes <= 0 {
		opts.RotateMegabytes = 100
	}
	if opts.CheckEvery <= 0 {
		opts.CheckEvery = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Recorder{
		opts:        opts,
		log:         log,
		rotateBytes: int64(opts.RotateMegabytes) * 1024 * 1024,
		files:       make(map[string]*transcript),
	}
}

// Start records updates until ctx is done, then flushes and queues every
// open file
func (r *Recorder) Start(ctx context.Context, updates <-chan hub.Update, fileChan chan<- string) error {
	if err := os.MkdirAll(r.opts.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	ticker := time.NewTicker(r.opts.CheckEvery)
	defer ticker.Stop()

	for {
		select {
		case u := <-updates:
			if err := r.Record(u); err != nil {
				r.log.Errorf("Error recording update: %v", err)
			}

		case <-ticker.C:
			r.checkRotation(fileChan)

		case <-ctx.Done():
			r.log.Infof("Recorder shutting down, flushing buffers...")
			r.drain(updates)
			r.flushAll(fileChan)
			return ctx.Err()
		}
	}
}

// drain records updates already queued when shutdown starts
func (r *Recorder) drain(updates <-chan hub.Update) {
	for {
		select {
		case u := <-updates:
			if err := r.Record(u); err != nil {
				r.log.Errorf("Error recording update: %v", err)
			}
		default:
			return
		}
	}
}

// Record buffers one hub update. Local echoes and status changes are not
// part of the transcript.
func (r *Recorder) Record(u hub.Update) error {
	var e Entry
	switch u.Kind {
	case hub.UpdateMessage:
		if u.Message.IsLocal() {
			r.skip()
			return nil
		}
		msg := u.Message
		e = Entry{Kind: KindMessage, At: msg.Timestamp, Message: &msg}
	case hub.UpdateRemoved:
		e = Entry{Kind: KindRemoved, At: r.opts.Now().UTC(), Removed: u.Removed}
	default:
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := message.Key(u.Platform, u.Channel)
	t := r.files[key]
	if t == nil {
		var err error
		t, err = r.createTranscript(u.Platform, u.Channel)
		if err != nil {
			return fmt.Errorf("create transcript: %w", err)
		}
		r.files[key] = t
	}

	t.pending = append(t.pending, e)
	r.stats.Entries++

	if len(t.pending) >= r.opts.BufferSize {
		if err := r.flush(t); err != nil {
			return fmt.Errorf("flush buffer: %w", err)
		}
	}
	return nil
}

func (r *Recorder) skip() {
	r.mu.Lock()
	r.stats.Skipped++
	r.mu.Unlock()
}

// Stats returns a snapshot of the counters
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Open = len(r.files)
	return s
}

// IsOpen reports whether path is a transcript still being written
func (r *Recorder) IsOpen(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.files {
		if t.path == path {
			return true
		}
	}
	return false
}

var unsafeName = regexp.MustCompile(`[^a-z0-9_-]+`)

// FileName builds the transcript name for a channel opened at t
func FileName(platform message.Platform, channel string, t time.Time) string {
	name := unsafeName.ReplaceAllString(strings.ToLower(channel), "-")
	return fmt.Sprintf("%s_%s_%s.jsonl", platform, name, t.UTC().Format("20060102_150405"))
}

func (r *Recorder) createTranscript(platform message.Platform, channel string) (*transcript, error) {
	now := r.opts.Now()
	path := filepath.Join(r.opts.OutputDir, FileName(platform, channel, now))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	r.log.Infof("Created new transcript: %s", filepath.Base(path))

	return &transcript{
		file:      file,
		writer:    bufio.NewWriter(file),
		createdAt: now,
		pending:   make([]Entry, 0, r.opts.BufferSize),
		platform:  platform,
		channel:   channel,
		path:      path,
	}, nil
}

// flush writes pending entries of t to disk
func (r *Recorder) flush(t *transcript) error {
	for _, e := range t.pending {
		data, err := sonic.Marshal(e)
		if err != nil {
			r.log.Warnf("Error marshaling entry: %v", err)
			continue
		}
		n, err := t.writer.Write(append(data, '\n'))
		t.written += int64(n)
		if err != nil {
			return fmt.Errorf("write entry: %w", err)
		}
	}
	clear(t.pending)
	t.pending = t.pending[:0]
	return t.writer.Flush()
}

// checkRotation closes files past their age or size limit
func (r *Recorder) checkRotation(fileChan chan<- string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.Now()
	for key, t := range r.files {
		switch {
		case now.Sub(t.createdAt) >= time.Duration(r.opts.RotateMinutes)*time.Minute:
			r.log.Infof("Rotating %s (time limit)", filepath.Base(t.path))
		case t.written >= r.rotateBytes:
			r.log.Infof("Rotating %s (size limit)", filepath.Base(t.path))
		default:
			continue
		}
		r.close(t, fileChan)
		r.stats.Rotated++
		// the next entry for key opens a fresh file
		delete(r.files, key)
	}
}

// close flushes t, closes it and queues it for upload
func (r *Recorder) close(t *transcript, fileChan chan<- string) {
	if err := r.flush(t); err != nil {
		r.log.Errorf("Error flushing %s: %v", filepath.Base(t.path), err)
	}
	if err := t.file.Close(); err != nil {
		r.log.Errorf("Error closing %s: %v", filepath.Base(t.path), err)
	}
	if t.written == 0 {
		_ = os.Remove(t.path)
		return
	}

	select {
	case fileChan <- t.path:
		r.log.Infof("Queued file for upload: %s", filepath.Base(t.path))
	default:
		r.log.Warnf("Upload queue full, file will be picked up by the next scan: %s", filepath.Base(t.path))
	}
}

// flushAll closes every open file
func (r *Recorder) flushAll(fileChan chan<- string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, t := range r.files {
		r.close(t, fileChan)
		delete(r.files, key)
	}
	r.log.Infof("All transcripts flushed and closed")
}
