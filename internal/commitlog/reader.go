package commitlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/tributary-io/tributary/internal/types"
)

const (
	segmentPrefix = "CommitLog-"
	segmentExt    = ".log"
)

// Skip marks a byte range that could not be decoded. The pipeline counts
// these and moves on; the reader never halts on corruption.
type Skip struct {
	File   string
	Offset int64
	Reason string
}

// Record is one unit emitted by the reader: either a decoded event or a
// skip marker, plus the resumption token pointing just past it.
type Record struct {
	Event *types.Event
	Skip  *Skip
	Token types.Position
}

// Reader tails a directory of commit-log segments and emits decoded
// events in file order. It never re-emits bytes before the token it was
// started from.
type Reader struct {
	dir      string
	keyspace string
	tables   map[string]struct{}
	poll     time.Duration
	out      chan Record
}

// NewReader builds a reader over dir filtered to the given keyspace and
// tables. An empty tables list means every table in the keyspace.
func NewReader(dir, keyspace string, tables []string, poll time.Duration) *Reader {
	set := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		set[t] = struct{}{}
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &Reader{
		dir:      dir,
		keyspace: keyspace,
		tables:   set,
		poll:     poll,
		out:      make(chan Record),
	}
}

// Records is the output stream. It is closed when Run returns.
func (r *Reader) Records() <-chan Record { return r.out }

// CheckDir verifies the commit-log directory is readable. Called once at
// startup so an unreachable source fails fast instead of spinning.
func (r *Reader) CheckDir() error {
	info, err := os.Stat(r.dir)
	if err != nil {
		return fmt.Errorf("commit-log dir %s: %w", r.dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("commit-log dir %s: not a directory", r.dir)
	}
	return nil
}

// listSegments returns commit-log file names in dir, sorted. Names sort
// lexicographically in creation order (fixed-width timestamp suffix), the
// same ordering Position.Compare uses.
func listSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var segs []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		segs = append(segs, name)
	}
	sort.Strings(segs)
	return segs, nil
}

// Run tails the directory until ctx is done, emitting records on the
// output channel. start, when non-nil, is the resumption token: nothing
// ending at or before it is re-emitted.
func (r *Reader) Run(ctx context.Context, start *types.Position) error {
	defer close(r.out)

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if werr := watcher.Add(r.dir); werr != nil {
			log.WithError(werr).Warn("commit-log watch failed, falling back to polling")
		}
		defer watcher.Close()
	} else {
		log.WithError(err).Warn("fsnotify unavailable, falling back to polling")
	}

	var cur types.Position
	if start != nil {
		cur = *start
	}

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		advanced, err := r.drain(ctx, &cur)
		if err != nil {
			return err
		}
		if advanced {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case ev, ok := <-watcherEvents(watcher):
			if ok && ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
		}
	}
}

func watcherEvents(w *fsnotify.Watcher) <-chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

// drain reads every fully-flushed frame currently on disk past the
// cursor. Returns whether the cursor moved.
func (r *Reader) drain(ctx context.Context, cur *types.Position) (bool, error) {
	segs, err := listSegments(r.dir)
	if err != nil {
		log.WithError(err).Warn("list commit-log segments")
		return false, nil
	}
	if len(segs) == 0 {
		return false, nil
	}

	idx := r.position(segs, cur)
	if idx < 0 {
		return false, nil
	}

	moved := false
	for idx < len(segs) {
		hasNewer := idx < len(segs)-1
		adv, err := r.readSegment(ctx, cur, hasNewer)
		if err != nil {
			return moved, err
		}
		moved = moved || adv
		if !adv && !hasNewer {
			// Caught up with the live segment.
			return moved, nil
		}
		if hasNewer {
			// Segment exhausted; move to the next one.
			cur.File = segs[idx+1]
			cur.Pos = 0
			moved = true
		}
		idx++
	}
	return moved, nil
}

// position aligns the cursor with the segment list: fresh cursors start
// at the oldest segment, cursors on a rotated-away file jump to the next
// surviving one. Returns the index of the cursor's segment, or -1 when
// every segment is behind it.
func (r *Reader) position(segs []string, cur *types.Position) int {
	if cur.File == "" {
		cur.File = segs[0]
		cur.Pos = 0
		return 0
	}
	for i, s := range segs {
		if s == cur.File {
			return i
		}
		if s > cur.File {
			log.WithFields(log.Fields{"token_file": cur.File, "resumed_at": s}).
				Warn("token segment no longer on disk, resuming at next segment")
			cur.File = s
			cur.Pos = 0
			return i
		}
	}
	return -1
}

// readSegment decodes frames from the cursor's file starting at the
// cursor offset. When hasNewer is set, a short tail means the segment was
// finalized mid-frame and is skipped; otherwise the tail is awaited.
func (r *Reader) readSegment(ctx context.Context, cur *types.Position, hasNewer bool) (bool, error) {
	path := filepath.Join(r.dir, cur.File)
	f, err := os.Open(path)
	if err != nil {
		log.WithError(err).WithField("segment", cur.File).Warn("open commit-log segment")
		return false, nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, nil
	}
	size := info.Size()

	moved := false
	header := make([]byte, 4)
	for {
		if size-cur.Pos < 4 {
			if hasNewer && size > cur.Pos {
				if err := r.emitSkip(ctx, cur, size,
					fmt.Sprintf("%v at end of finalized segment", ErrIncompleteFrame)); err != nil {
					return moved, err
				}
				moved = true
			}
			return moved, nil
		}
		if _, err := f.ReadAt(header, cur.Pos); err != nil {
			return moved, nil
		}
		frameLen := int64(uint32(header[0])<<24 | uint32(header[1])<<16 | uint32(header[2])<<8 | uint32(header[3]))
		if frameLen == 0 || frameLen > maxFrameSize {
			// A bad length prefix poisons everything after it in this
			// segment; skip to the end rather than guess at alignment.
			if err := r.emitSkip(ctx, cur, size, fmt.Sprintf("invalid frame length %d", frameLen)); err != nil {
				return moved, err
			}
			return true, nil
		}
		if size-cur.Pos-4 < frameLen {
			if hasNewer {
				if err := r.emitSkip(ctx, cur, size,
					fmt.Sprintf("%v at end of finalized segment", ErrIncompleteFrame)); err != nil {
					return moved, err
				}
				moved = true
			}
			return moved, nil
		}

		payload := make([]byte, frameLen)
		if _, err := f.ReadAt(payload, cur.Pos+4); err != nil && !errors.Is(err, io.EOF) {
			return moved, nil
		}
		next := cur.Pos + 4 + frameLen

		ev, derr := DecodeFrame(cur.File, payload)
		switch {
		case derr != nil:
			if err := r.emitSkip(ctx, cur, next, derr.Error()); err != nil {
				return moved, err
			}
		case r.matches(ev):
			rec := Record{Event: ev, Token: types.Position{File: cur.File, Pos: next}}
			if err := r.emit(ctx, rec); err != nil {
				return moved, err
			}
			cur.Pos = next
		default:
			// Other keyspace or unwatched table: consume silently.
			cur.Pos = next
		}
		moved = true
	}
}

func (r *Reader) matches(ev *types.Event) bool {
	if ev.Keyspace != r.keyspace {
		return false
	}
	if len(r.tables) == 0 {
		return true
	}
	_, ok := r.tables[ev.Table]
	return ok
}

func (r *Reader) emitSkip(ctx context.Context, cur *types.Position, next int64, reason string) error {
	rec := Record{
		Skip:  &Skip{File: cur.File, Offset: cur.Pos, Reason: reason},
		Token: types.Position{File: cur.File, Pos: next},
	}
	if err := r.emit(ctx, rec); err != nil {
		return err
	}
	cur.Pos = next
	return nil
}

func (r *Reader) emit(ctx context.Context, rec Record) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r.out <- rec:
		return nil
	}
}
