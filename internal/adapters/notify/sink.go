// Package notify tells the external controller process when feeds come and
// go. Each notification is one "<event> <slot>" line.
package notify

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/afero"
)

var ErrMissingPath = errors.New("notify path does not exist")

// Sink delivers one notification line.
type Sink interface {
	Write(ctx context.Context, msg string) error
	String() string
}

// FileSink appends lines to a file, normally a named pipe the controller
// reads. The path is never created; a missing path is an error.
type FileSink struct {
	fs   afero.Fs
	path string
}

func NewFileSink(fs afero.Fs, path string) *FileSink {
	return &FileSink{fs: fs, path: path}
}

func (s *FileSink) Write(_ context.Context, msg string) error {
	exists, err := afero.Exists(s.fs, s.path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", s.path, err)
	}
	if !exists {
		return fmt.Errorf("%s: %w", s.path, ErrMissingPath)
	}
	// opening a pipe blocks until the controller reads it
	f, err := s.fs.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	if _, err := f.WriteString(msg + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return f.Close()
}

func (s *FileSink) String() string { return "file " + s.path }

// RedisSink publishes lines on a Redis channel.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Write(ctx context.Context, msg string) error {
	return s.client.Publish(ctx, s.channel, msg).Err()
}

func (s *RedisSink) String() string { return "redis channel " + s.channel }

// NopSink drops every notification.
type NopSink struct{}

func (NopSink) Write(context.Context, string) error { return nil }
func (NopSink) String() string                      { return "none" }
