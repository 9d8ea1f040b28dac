package desktop

import (
	"bytes"
	"encoding/binary"
	"image"
	"io"
	"log"
	"sync"

	_ "image/jpeg"
	_ "image/png"
)

const (
	defaultDecodeLimit   = 3
	defaultTileQueueSize = 128
	defaultMaxBuffer     = 16 << 20
)

// Surface receives composited output. Implementations must not call back
// into the Viewer from these methods.
type Surface interface {
	// Resize is called when the remote reports a new screen size.
	Resize(width, height uint16)
	// Draw composites a decoded tile at the given remote coordinates.
	Draw(x, y uint16, img image.Image)
}

// Config configures a Viewer.
type Config struct {
	Surface Surface
	// OnPresentNeeded is invoked when decoded tiles are waiting and no draw
	// pass is scheduled yet. The embedder should arrange a Present call on
	// its next refresh. Invoked at most once per scheduled pass.
	OnPresentNeeded func()
	// DecodeLimit bounds overlapping tile decodes (default 3).
	DecodeLimit int
	// TileQueueSize bounds queued undecoded tiles; the oldest tile is
	// dropped when full (default 128).
	TileQueueSize int
	// MaxBuffer caps the reassembly buffer. On overflow all buffered data
	// is dropped and parsing resynchronizes on the next header (default 16MB).
	MaxBuffer int
	Logger    *log.Logger
}

type tileTask struct {
	x, y uint16
	data []byte
}

type drawTask struct {
	x, y uint16
	img  image.Image
}

// Viewer reassembles the desktop byte stream into frames, decodes tiles
// with bounded overlap, and queues draws for the next Present pass.
type Viewer struct {
	cfg    Config
	limit  int
	decode func([]byte) (image.Image, error)

	mu            sync.Mutex
	accum         []byte
	off           int
	tiles         tileQueue
	draws         []drawTask
	active        int
	drawScheduled bool
	width         uint16
	height        uint16
	detached      bool
}

// NewViewer creates a Viewer drawing onto cfg.Surface.
func NewViewer(cfg Config) *Viewer {
	if cfg.DecodeLimit <= 0 {
		cfg.DecodeLimit = defaultDecodeLimit
	}
	if cfg.TileQueueSize <= 0 {
		cfg.TileQueueSize = defaultTileQueueSize
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = defaultMaxBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &Viewer{
		cfg:    cfg,
		limit:  cfg.DecodeLimit,
		decode: decodeImage,
		tiles:  newTileQueue(cfg.TileQueueSize),
	}
}

// Ingest consumes one chunk of the inbound byte stream. Chunk boundaries
// are arbitrary; frames spanning chunks are buffered until complete.
func (v *Viewer) Ingest(chunk []byte) {
	v.mu.Lock()
	if v.detached {
		v.mu.Unlock()
		return
	}
	if v.off > 0 {
		n := copy(v.accum, v.accum[v.off:])
		v.accum = v.accum[:n]
		v.off = 0
	}
	v.accum = append(v.accum, chunk...)
	if len(v.accum) > v.cfg.MaxBuffer {
		v.accum = v.accum[:0]
		v.mu.Unlock()
		v.cfg.Logger.Printf("desktop: buffer overflow, dropping %d bytes and resynchronizing", v.cfg.MaxBuffer)
		return
	}
	for {
		frame, span, ok, err := peekFrame(v.accum[v.off:])
		if err != nil {
			// Malformed header: drop everything and wait for the stream to
			// realign on a frame boundary.
			v.accum = v.accum[:0]
			v.off = 0
			v.cfg.Logger.Printf("desktop: %v, resynchronizing", err)
			break
		}
		if !ok {
			break
		}
		v.dispatchLocked(frame)
		v.off += span
	}
	v.kickDecodeLocked()
	v.mu.Unlock()
}

// Size returns the last remote screen size, zero until command 7 arrives.
func (v *Viewer) Size() (width, height uint16) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.width, v.height
}

// Detach makes the viewer inert: queued tiles and draws are released and
// in-flight decode completions become no-ops. Idempotent.
func (v *Viewer) Detach() {
	v.mu.Lock()
	if v.detached {
		v.mu.Unlock()
		return
	}
	v.detached = true
	v.tiles.reset()
	for i := range v.draws {
		v.draws[i].img = nil
	}
	v.draws = nil
	v.mu.Unlock()
}

// Present drains the whole draw queue, compositing tiles in arrival order.
// Tiles queued while decode latencies vary may straddle Present passes, so
// a single pass is not guaranteed to be a consistent remote snapshot.
func (v *Viewer) Present() {
	v.mu.Lock()
	tasks := v.draws
	v.draws = nil
	v.drawScheduled = false
	detached := v.detached
	v.mu.Unlock()
	if detached {
		return
	}
	for i := range tasks {
		v.cfg.Surface.Draw(tasks[i].x, tasks[i].y, tasks[i].img)
		tasks[i].img = nil
	}
}

func (v *Viewer) dispatchLocked(frame Frame) {
	switch frame.Cmd {
	case CmdScreenSize:
		if len(frame.Payload) < 4 {
			return
		}
		v.width = binary.BigEndian.Uint16(frame.Payload[0:2])
		v.height = binary.BigEndian.Uint16(frame.Payload[2:4])
		if v.cfg.Surface != nil {
			v.cfg.Surface.Resize(v.width, v.height)
		}
	case CmdTile:
		if len(frame.Payload) < 4 {
			return
		}
		data := make([]byte, len(frame.Payload)-4)
		copy(data, frame.Payload[4:])
		v.tiles.push(tileTask{
			x:    binary.BigEndian.Uint16(frame.Payload[0:2]),
			y:    binary.BigEndian.Uint16(frame.Payload[2:4]),
			data: data,
		})
	default:
		// Unknown commands are consumed and skipped.
	}
}

func (v *Viewer) kickDecodeLocked() {
	for !v.detached && v.active < v.limit {
		task, ok := v.tiles.pop()
		if !ok {
			return
		}
		v.active++
		go v.decodeTile(task)
	}
}

func (v *Viewer) decodeTile(task tileTask) {
	img, err := v.decode(task.data)
	v.mu.Lock()
	v.active--
	if v.detached {
		v.mu.Unlock()
		return
	}
	if err != nil {
		v.kickDecodeLocked()
		v.mu.Unlock()
		v.cfg.Logger.Printf("desktop: tile (%d,%d) decode failed: %v", task.x, task.y, err)
		return
	}
	v.draws = append(v.draws, drawTask{x: task.x, y: task.y, img: img})
	schedule := !v.drawScheduled
	v.drawScheduled = true
	v.kickDecodeLocked()
	v.mu.Unlock()
	if schedule && v.cfg.OnPresentNeeded != nil {
		v.cfg.OnPresentNeeded()
	}
}

func decodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

// tileQueue is a bounded FIFO that drops its oldest entry when full.
type tileQueue struct {
	buf  []tileTask
	head int
	size int
}

func newTileQueue(capacity int) tileQueue {
	return tileQueue{buf: make([]tileTask, capacity)}
}

func (q *tileQueue) push(task tileTask) {
	if q.size == len(q.buf) {
		q.buf[q.head] = tileTask{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
	}
	q.buf[(q.head+q.size)%len(q.buf)] = task
	q.size++
}

func (q *tileQueue) pop() (tileTask, bool) {
	if q.size == 0 {
		return tileTask{}, false
	}
	task := q.buf[q.head]
	q.buf[q.head] = tileTask{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return task, true
}

func (q *tileQueue) reset() {
	for i := range q.buf {
		q.buf[i] = tileTask{}
	}
	q.head = 0
	q.size = 0
}
