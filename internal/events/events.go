// Package events defines the notifications the sync engine publishes to its
// consumers.
package events

import (
	"fmt"
	"sync"
)

// Event is implemented by every notification type in this package.
type Event interface {
	fmt.Stringer
	event()
}

// UploadProgress reports the percentage of a file accepted by the remote.
type UploadProgress struct {
	FileName     string
	Percent      int
	SessionToken string
}

// UploadCompleted is the terminal notification of an upload.
type UploadCompleted struct {
	FileName string
	Success  bool
	Outcome  string
}

// UploadError carries a human readable failure message.
type UploadError struct {
	FileName string
	Message  string
}

// NewFileDetected reports a file that appeared in a watched folder.
type NewFileDetected struct {
	FilePath   string
	FileName   string
	FolderPath string
	LocalID    string
}

// FileModified reports a file whose content changed since the last snapshot.
type FileModified struct {
	FilePath   string
	FileName   string
	FolderPath string
	LocalID    string
}

// FileRemoved reports a file that disappeared from a watched folder.
type FileRemoved struct {
	FilePath string
	FileName string
	LocalID  string
}

// FileStabilized reports a file whose size stopped changing.
type FileStabilized struct {
	FilePath   string
	FileName   string
	FolderPath string
	LocalID    string
}

// RemoteFolderNeeded asks the user to choose a remote folder for a pair.
type RemoteFolderNeeded struct {
	LocalID   string
	LocalPath string
}

func (UploadProgress) event()     {}
func (UploadCompleted) event()    {}
func (UploadError) event()        {}
func (NewFileDetected) event()    {}
func (FileModified) event()       {}
func (FileRemoved) event()        {}
func (FileStabilized) event()     {}
func (RemoteFolderNeeded) event() {}

func (e UploadProgress) String() string {
	return fmt.Sprintf("progress %s %d%%", e.FileName, e.Percent)
}

func (e UploadCompleted) String() string {
	return fmt.Sprintf("completed %s (%s)", e.FileName, e.Outcome)
}

func (e UploadError) String() string {
	return fmt.Sprintf("error %s: %s", e.FileName, e.Message)
}

func (e NewFileDetected) String() string { return "new " + e.FilePath }
func (e FileModified) String() string    { return "modified " + e.FilePath }
func (e FileRemoved) String() string     { return "removed " + e.FilePath }
func (e FileStabilized) String() string  { return "stable " + e.FilePath }

func (e RemoteFolderNeeded) String() string {
	return "remote folder needed for " + e.LocalPath
}

// Sink receives events.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Publish calls f(e).
func (f SinkFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Stream delivers events over a buffered channel. Progress events are dropped
// when the buffer is full; every other event waits for the consumer until the
// stream is closed.
type Stream struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewStream creates a stream with the given buffer size.
func NewStream(buffer int) *Stream {
	return &Stream{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Events returns the receive side of the stream.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Done is closed once Close has been called.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Publish sends e to the consumer.
func (s *Stream) Publish(e Event) {
	if _, ok := e.(UploadProgress); ok {
		select {
		case s.ch <- e:
		case <-s.done:
		default:
		}
		return
	}
	select {
	case s.ch <- e:
	case <-s.done:
	}
}

// Close stops delivery. Publishers blocked on a full buffer return.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
