//go:build linux

package dumpwatch

import (
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
	"unsafe"
)

// Linux inotify event flag constants (kernel ABI — never change). Matches
// the values in <sys/inotify.h>.
const (
	inCreate    uint32 = 0x100      // IN_CREATE
	inDelete    uint32 = 0x200      // IN_DELETE
	inMovedFrom uint32 = 0x40       // IN_MOVED_FROM
	inMovedTo   uint32 = 0x80       // IN_MOVED_TO
	inIsDir     uint32 = 0x40000000 // IN_ISDIR
	inQOverflow uint32 = 0x4000     // IN_Q_OVERFLOW
)

const inotifyCloexec = 0x80000 // IN_CLOEXEC, used as an InotifyInit1 flag

// dirMask is the inotify event mask applied to every watched directory: a
// dump image "arrives" via IN_CREATE (written in place) or IN_MOVED_TO
// (copied in atomically via rename), and "departs" via IN_DELETE or
// IN_MOVED_FROM.
const dirMask uint32 = inCreate | inDelete | inMovedFrom | inMovedTo

var inotifyEventSize = int(unsafe.Sizeof(syscall.InotifyEvent{}))

func init() {
	platformFactory = newInotifyWatcher
}

// inotifyWatcher monitors dump directories using the Linux inotify API.
type inotifyWatcher struct {
	inotifyFd int
	pipeR     int
	pipeW     int

	mu      sync.Mutex
	targets map[int]string // watch descriptor → directory path

	events   chan Event
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// newInotifyWatcher constructs an inotifyWatcher. If the inotify kernel
// interface is unavailable it falls back to a no-op baseWatcher rather
// than failing construction, since dumpwatch.Watcher's contract has no
// room for a constructor error.
func newInotifyWatcher(bufSize int) Watcher {
	ifd, err := syscall.InotifyInit1(inotifyCloexec)
	if err != nil {
		return newBaseWatcher(bufSize)
	}

	var pipeFds [2]int
	if err := syscall.Pipe2(pipeFds[:], syscall.O_CLOEXEC); err != nil {
		syscall.Close(ifd)
		return newBaseWatcher(bufSize)
	}

	return &inotifyWatcher{
		inotifyFd: ifd,
		pipeR:     pipeFds[0],
		pipeW:     pipeFds[1],
		targets:   make(map[int]string),
		events:    make(chan Event, bufSize),
	}
}

// Watch registers an inotify watch on each directory in dirs and begins
// monitoring in a background goroutine. Directories that cannot be
// watched (missing, permission denied) are skipped; the first such error
// is returned after every other directory has been attempted.
func (w *inotifyWatcher) Watch(dirs []string) error {
	w.mu.Lock()
	var firstErr error
	for _, dir := range dirs {
		wd, err := syscall.InotifyAddWatch(w.inotifyFd, dir, dirMask)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		w.targets[wd] = dir
	}
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run()
	return firstErr
}

// Stop signals the background goroutine to exit and blocks until it has,
// then releases all file descriptors. Idempotent.
func (w *inotifyWatcher) Stop() error {
	w.stopOnce.Do(func() {
		syscall.Write(w.pipeW, []byte{0}) //nolint:errcheck
		w.wg.Wait()
		syscall.Close(w.pipeW)
		syscall.Close(w.pipeR)
		syscall.Close(w.inotifyFd)
		close(w.events)
	})
	return nil
}

func (w *inotifyWatcher) Events() <-chan Event { return w.events }

// run reads inotify events via poll(2), multiplexed against the self-pipe
// Stop writes to on shutdown.
func (w *inotifyWatcher) run() {
	defer w.wg.Done()

	const bufSize = 4096 * (16 + 256)
	buf := make([]byte, bufSize)

	pollFds := []syscall.PollFd{
		{Fd: int32(w.inotifyFd), Events: syscall.POLLIN},
		{Fd: int32(w.pipeR), Events: syscall.POLLIN},
	}

	for {
		_, err := syscall.Poll(pollFds, -1)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return
		}
		if pollFds[1].Revents&syscall.POLLIN != 0 {
			return
		}
		if pollFds[0].Revents&syscall.POLLIN == 0 {
			continue
		}

		n, err := syscall.Read(w.inotifyFd, buf)
		if err != nil {
			return
		}
		w.parseAndDispatch(buf[:n])
	}
}

// parseAndDispatch walks a raw inotify event buffer and dispatches one
// Event per recognised entry. See inotify(7) for the wire layout of
// struct inotify_event.
func (w *inotifyWatcher) parseAndDispatch(buf []byte) {
	evSize := inotifyEventSize
	for offset := 0; offset+evSize <= len(buf); {
		ev := (*syscall.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		offset += evSize

		var name string
		if ev.Len > 0 {
			if offset+int(ev.Len) > len(buf) {
				break
			}
			nameBytes := buf[offset : offset+int(ev.Len)]
			name = strings.TrimRight(string(nameBytes), "\x00")
			offset += int(ev.Len)
		}

		w.dispatchEvent(int(ev.Wd), ev.Mask, name)
	}
}

func (w *inotifyWatcher) dispatchEvent(wd int, mask uint32, name string) {
	if mask&inQOverflow != 0 {
		return
	}
	if mask&inIsDir != 0 {
		return // non-recursive: a dump directory holds files, not subdirs
	}

	w.mu.Lock()
	dir, ok := w.targets[wd]
	w.mu.Unlock()
	if !ok || name == "" {
		return
	}
	path := filepath.Join(dir, name)

	var et EventType
	switch {
	case mask&inCreate != 0, mask&inMovedTo != 0:
		et = EventArrived
	case mask&inDelete != 0, mask&inMovedFrom != 0:
		et = EventRemoved
	default:
		return
	}

	select {
	case w.events <- Event{Path: path, EventType: et, Timestamp: time.Now().UTC()}:
	default:
	}
}
