package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"

	"github.com/xtxerr/nodescope/config"
	"github.com/xtxerr/nodescope/internal/backpressure"
	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/logging"
	"github.com/xtxerr/nodescope/internal/resilience"
	"github.com/xtxerr/nodescope/internal/types"
)

var log = logging.Component("source")

const readChunk = 64 * 1024

// Resumer looks up where a previous run stopped reading a file. It returns
// -1 when there is no usable position.
type Resumer interface {
	Resume(node, path string, fingerprint uint64, size int64) int64
}

// Throttle slows the tailer while the line queue is under pressure.
type Throttle interface {
	Check() backpressure.Level
	ThrottleDelay() time.Duration
}

// TailerConfig configures a Tailer.
type TailerConfig struct {
	Node string
	Path string

	// Historical starts at offset 0 and finishes at EOF.
	Historical bool

	PollInterval     time.Duration
	FingerprintBytes int

	Resumer  Resumer  // optional
	Throttle Throttle // optional

	// Activity is called whenever lines were read.
	Activity func()

	Now func() time.Time
}

// Tailer follows a growing log file across truncation and rotation.
//
// A Tailer is driven by a single resilience.Manager; it is not safe for
// concurrent Attempt calls.
type Tailer struct {
	cfg  TailerConfig
	sink Sink

	// Position of the last file read, kept across attempts so a retried
	// attempt on the same file continues where it left off.
	lastInfo   os.FileInfo
	lastOffset int64
}

// NewTailer creates a tailer that pushes lines into sink.
func NewTailer(cfg TailerConfig, sink Sink) *Tailer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = config.DefaultTailPollInterval
	}
	if cfg.FingerprintBytes <= 0 {
		cfg.FingerprintBytes = config.DefaultFingerprintBytes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Path = filepath.Clean(cfg.Path)
	return &Tailer{cfg: cfg, sink: sink}
}

// Endpoint implements Source.
func (t *Tailer) Endpoint() string {
	return "file://" + t.cfg.Path
}

// tailFile is the state of one open file.
type tailFile struct {
	f       *os.File
	info    os.FileInfo
	offset  int64
	partial []byte
	fp      uint64
	fpOK    bool

	// backlogEnd is the file size at open when reading started below it.
	// Lines ending at or before it were written while nobody was reading
	// and carry no arrival time.
	backlogEnd int64
}

// Attempt implements Source. It returns resilience.ErrDone when a
// historical read reaches EOF.
func (t *Tailer) Attempt(ctx context.Context, connected func()) error {
	tf, err := t.open(false)
	if err != nil {
		return err
	}
	defer func() { tf.f.Close() }()

	connected()
	log.Info("tailing", "node", t.cfg.Node, "path", t.cfg.Path, "offset", tf.offset,
		"historical", t.cfg.Historical)

	wake, closeWatch := t.watch()
	defer closeWatch()

	poll := time.NewTicker(t.cfg.PollInterval)
	defer poll.Stop()

	for {
		if err := t.drain(ctx, tf); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		if t.cfg.Historical {
			t.flushPartial(tf)
			log.Info("reached end of file", "node", t.cfg.Node, "path", t.cfg.Path, "offset", tf.offset)
			return resilience.ErrDone
		}

		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-poll.C:
		}

		next, err := t.checkRotation(ctx, tf)
		if err != nil {
			return err
		}
		if next != tf {
			tf.f.Close()
			tf = next
		}
	}
}

// open opens the path and decides the starting offset. rotated is set when
// the file replaced one that was being followed, so its content is recent.
func (t *Tailer) open(rotated bool) (*tailFile, error) {
	f, err := os.Open(t.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", t.cfg.Path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", t.cfg.Path, err)
	}

	tf := &tailFile{f: f, info: info}
	tf.fp, tf.fpOK = fingerprint(f, t.cfg.FingerprintBytes)
	tf.offset = t.startOffset(tf)
	if !rotated && !t.cfg.Historical && tf.offset < info.Size() {
		tf.backlogEnd = info.Size()
		log.Info("reading backlog without arrival times", "node", t.cfg.Node, "path", t.cfg.Path,
			"bytes", tf.backlogEnd-tf.offset)
	}

	if _, err := f.Seek(tf.offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek %s: %w", t.cfg.Path, err)
	}
	t.lastInfo = info
	t.lastOffset = tf.offset
	return tf, nil
}

func (t *Tailer) startOffset(tf *tailFile) int64 {
	size := tf.info.Size()

	if t.lastInfo != nil {
		if os.SameFile(t.lastInfo, tf.info) && t.lastOffset <= size {
			return t.lastOffset
		}
		// A different file took the path since the last attempt.
		return 0
	}
	if t.cfg.Historical {
		return 0
	}
	if t.cfg.Resumer != nil && tf.fpOK {
		if off := t.cfg.Resumer.Resume(t.cfg.Node, t.cfg.Path, tf.fp, size); off >= 0 {
			log.Info("resuming from checkpoint", "node", t.cfg.Node, "path", t.cfg.Path, "offset", off)
			return off
		}
	}
	return size
}

// drain reads and emits every complete line up to EOF.
func (t *Tailer) drain(ctx context.Context, tf *tailFile) error {
	buf := make([]byte, readChunk)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if t.cfg.Throttle != nil {
			t.cfg.Throttle.Check()
			if d := t.cfg.Throttle.ThrottleDelay(); d > 0 && !sleepCtx(ctx, d) {
				return nil
			}
		}

		n, err := tf.f.Read(buf)
		if n > 0 {
			t.emit(tf, buf[:n])
		}
		if err == io.EOF || (err == nil && n == 0) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", t.cfg.Path, err)
		}
	}
}

// emit splits chunk into lines. The tail of chunk after the last newline is
// kept until the rest of the line arrives.
func (t *Tailer) emit(tf *tailFile, chunk []byte) {
	arrival := t.arrival()
	data := chunk
	if len(tf.partial) > 0 {
		data = append(tf.partial, chunk...)
		tf.partial = nil
	}

	// offset of data[0] in the file
	base := tf.offset - int64(len(data)-len(chunk))
	consumed := 0
	for {
		i := bytes.IndexByte(data[consumed:], '\n')
		if i < 0 {
			break
		}
		end := consumed + i + 1
		line := bytes.TrimRight(data[consumed:end-1], "\r")
		consumed = end

		if !tf.fpOK {
			tf.fp, tf.fpOK = fingerprint(tf.f, t.cfg.FingerprintBytes)
		}
		if len(line) == 0 {
			continue
		}
		pos := base + int64(consumed)
		if pos <= tf.backlogEnd {
			t.push(tf, string(line), time.Time{}, pos)
		} else {
			t.push(tf, string(line), arrival, pos)
		}
	}

	if consumed < len(data) {
		tf.partial = append([]byte(nil), data[consumed:]...)
	}
	tf.offset = base + int64(len(data))
	t.lastOffset = tf.offset - int64(len(tf.partial))

	if consumed > 0 && t.cfg.Activity != nil {
		t.cfg.Activity()
	}
}

// arrival is the zero time for historical reads: lines read in bulk carry
// no useful arrival time, and the processor falls back to log timestamps.
// Backlog lines of a live read get the same treatment in emit.
func (t *Tailer) arrival() time.Time {
	if t.cfg.Historical {
		return time.Time{}
	}
	return t.cfg.Now()
}

func (t *Tailer) push(tf *tailFile, text string, arrival time.Time, end int64) {
	t.sink.Push(types.RawLine{
		Node:    t.cfg.Node,
		Arrival: arrival,
		Text:    text,
		Source:  types.SourceFile,
		Position: &types.Position{
			Path:        t.cfg.Path,
			Fingerprint: tf.fp,
			Offset:      end,
		},
	})
}

// flushPartial emits an unterminated last line. Only used at the end of a
// historical read, where no more bytes will follow.
func (t *Tailer) flushPartial(tf *tailFile) {
	if len(tf.partial) == 0 {
		return
	}
	line := string(bytes.TrimRight(tf.partial, "\r"))
	tf.partial = nil
	t.push(tf, line, t.arrival(), tf.offset)
	t.lastOffset = tf.offset
}

// checkRotation returns the file to continue with: tf itself, tf rewound
// after truncation, or a freshly opened file after rotation.
func (t *Tailer) checkRotation(ctx context.Context, tf *tailFile) (*tailFile, error) {
	info, err := os.Stat(t.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			// Renamed away and not yet recreated. Keep reading the old
			// handle until the new file shows up.
			return tf, nil
		}
		return nil, fmt.Errorf("stat %s: %w", t.cfg.Path, err)
	}

	if !os.SameFile(tf.info, info) {
		// Pick up whatever was appended to the old file before the switch.
		if err := t.drain(ctx, tf); err != nil {
			return nil, err
		}
		log.Info("file rotated, reopening", "node", t.cfg.Node, "path", t.cfg.Path)
		next, err := t.open(true)
		if err != nil {
			return nil, err
		}
		return next, nil
	}

	if info.Size() < tf.offset {
		log.Info("file truncated, reading from start", "node", t.cfg.Node, "path", t.cfg.Path,
			"size", info.Size(), "offset", tf.offset)
		if _, err := tf.f.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek %s: %w", t.cfg.Path, err)
		}
		tf.info = info
		tf.offset = 0
		tf.partial = nil
		tf.fp, tf.fpOK = fingerprint(tf.f, t.cfg.FingerprintBytes)
		t.lastOffset = 0
	}
	return tf, nil
}

// watch subscribes to changes of the file's directory. Without fsnotify
// the returned channel never fires and polling alone drives the tailer.
func (t *Tailer) watch() (<-chan struct{}, func()) {
	wake := make(chan struct{}, 1)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("fsnotify unavailable, polling only", "path", t.cfg.Path, "error", err)
		return wake, func() {}
	}
	if err := w.Add(filepath.Dir(t.cfg.Path)); err != nil {
		w.Close()
		log.Warn("cannot watch directory, polling only", "path", t.cfg.Path, "error", err)
		return wake, func() {}
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != t.cfg.Path {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Debug("fsnotify error", "path", t.cfg.Path, "error", err)
			}
		}
	}()

	return wake, func() {
		close(done)
		w.Close()
	}
}

// fingerprint hashes the first line of f, or the first max bytes when the
// line is longer. ok is false while neither is complete, because the hash
// would still change as the file grows.
func fingerprint(f *os.File, max int) (uint64, bool) {
	buf := make([]byte, max)
	n, err := f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return 0, false
	}
	buf = buf[:n]
	if i := bytes.IndexByte(buf, '\n'); i >= 0 {
		return xxhash.Sum64(buf[:i+1]), true
	}
	if n == max {
		return xxhash.Sum64(buf), true
	}
	return 0, false
}

// Fingerprint returns the identity hash used in checkpoints for the file at
// path.
func Fingerprint(path string, max int) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	fp, ok := fingerprint(f, max)
	if !ok {
		return 0, errors.NewNotFound("fingerprint", path)
	}
	return fp, nil
}
