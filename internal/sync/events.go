package sync

import "log/slog"

// Event is anything the engine reports to the presentation layer. Producers
// are the sync jobs; the single consumer drains Bus.Events. Delivery order
// is preserved per producer, with no ordering guarantee across volumes.
type Event interface {
	isEvent()
}

type ProgressEvent struct {
	Volume      string
	FilesDone   int
	FilesTotal  int
	BytesDone   int64
	BytesTotal  int64
	CurrentFile string
}

type FileActionEvent struct {
	Volume  string
	Action  string // copy | overwrite | conflict | delete | skip | error
	RelPath string
	Size    int64
	Error   string
}

type JobCompleteEvent struct {
	Volume string
	Status JobStatus
	Result *JobResult
}

type LogEvent struct {
	Level   slog.Level
	Message string
}

func (ProgressEvent) isEvent()    {}
func (FileActionEvent) isEvent()  {}
func (JobCompleteEvent) isEvent() {}
func (LogEvent) isEvent()         {}

// Bus is the multi-producer/single-consumer event channel between the
// engine and whatever is watching it.
type Bus struct {
	ch chan Event
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{ch: make(chan Event, buffer)}
}

// Publish enqueues an event. It blocks if the consumer falls behind, which
// preserves per-producer ordering.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.ch <- ev
}

func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Close releases the consumer. Only the owner may call it, after every
// producer has finished.
func (b *Bus) Close() {
	close(b.ch)
}
