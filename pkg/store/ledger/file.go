package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
)

// chainFile is the part of *os.File the store writes through.
type chainFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
	Close() error
}

func openChainFile(path string) (chainFile, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // path built from a container id
}

// FileStore is a MemoryStore that appends every entry to a JSON-lines file
// per container, and replays those files on open.
//
// A chain whose tail does not replay (torn write, bad hash, duplicate
// sequence) loads its verified prefix and is halted on its own. Resume cuts
// the file back to that prefix.
type FileStore struct {
	*MemoryStore
	dir  string
	open func(path string) (chainFile, error)

	mu    sync.Mutex
	files map[contracts.ContainerID]chainFile
	trim  map[contracts.ContainerID]int64
}

func NewFileStore(dir string) (*FileStore, error) {
	return NewFileStoreWithClock(dir, time.Now)
}

func NewFileStoreWithClock(dir string, clock func() time.Time) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	fs := &FileStore{
		MemoryStore: NewMemoryStoreWithClock(clock),
		dir:         dir,
		open:        openChainFile,
		files:       make(map[contracts.ContainerID]chainFile),
		trim:        make(map[contracts.ContainerID]int64),
	}
	fs.persist = fs.append
	fs.onHalt = fs.writeHalt
	if err := fs.replay(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) chainPath(cid contracts.ContainerID) string {
	return filepath.Join(f.dir, cid.String()+".jsonl")
}

func (f *FileStore) haltPath(cid contracts.ContainerID) string {
	return filepath.Join(f.dir, cid.String()+".halt")
}

func (f *FileStore) replay() error {
	paths, err := filepath.Glob(filepath.Join(f.dir, "*.jsonl"))
	if err != nil {
		return err
	}
	for _, p := range paths {
		cid, err := contracts.ParseContainerID(strings.TrimSuffix(filepath.Base(p), ".jsonl"))
		if err != nil {
			slog.Warn("ledger: skipping unrecognised file", "path", p)
			continue
		}
		entries, ends, rerr := readChain(cid, p)
		var ierr *IntegrityError
		if rerr != nil && !errors.As(rerr, &ierr) {
			return fmt.Errorf("read %s: %w", p, rerr)
		}
		head, verr := VerifyChain(cid, entries, VerifyOptions{})
		if verr == nil && rerr != nil {
			verr = rerr
		}
		if verr != nil {
			// Keep the verified prefix readable; refuse writes.
			entries = entries[:head.Sequence]
			var keep int64
			if head.Sequence > 0 {
				keep = ends[head.Sequence-1]
			}
			f.trim[cid] = keep
			f.MemoryStore.halted[cid] = verr.Error()
			slog.Error("ledger: chain failed verification, container halted",
				"container_id", cid.String(), "verified", head.Sequence, "error", verr)
		}
		f.load(cid, entries, head)
	}

	halts, err := filepath.Glob(filepath.Join(f.dir, "*.halt"))
	if err != nil {
		return err
	}
	for _, p := range halts {
		cid, err := contracts.ParseContainerID(strings.TrimSuffix(filepath.Base(p), ".halt"))
		if err != nil {
			continue
		}
		reason, err := os.ReadFile(p) //nolint:gosec // globbed from the ledger dir
		if err != nil {
			return err
		}
		f.MemoryStore.halted[cid] = string(reason)
	}
	return nil
}

// readChain decodes one chain file. ends[i] is the byte offset just past
// entry i. A line that does not decode, or a last line with no newline,
// stops the read with an *IntegrityError; the entries before it are returned.
func readChain(cid contracts.ContainerID, path string) ([]contracts.Entry, []int64, error) {
	file, err := os.Open(path) //nolint:gosec // globbed from the ledger dir
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = file.Close() }()

	var (
		entries []contracts.Entry
		ends    []int64
		off     int64
	)
	r := bufio.NewReader(file)
	for lineNo := 1; ; lineNo++ {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			off += int64(len(line))
			seq := uint64(len(entries) + 1)
			if line[len(line)-1] != '\n' {
				return entries, ends, integrity(contracts.KindBrokenChain, cid, seq, "line %d: torn write", lineNo)
			}
			if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
				var e contracts.Entry
				if derr := json.Unmarshal(trimmed, &e); derr != nil {
					return entries, ends, integrity(contracts.KindBrokenChain, cid, seq, "line %d: %v", lineNo, derr)
				}
				entries = append(entries, e)
				ends = append(ends, off)
			}
		}
		if errors.Is(err, io.EOF) {
			return entries, ends, nil
		}
		if err != nil {
			return entries, ends, err
		}
	}
}

func (f *FileStore) chainFile(cid contracts.ContainerID) (chainFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if file, ok := f.files[cid]; ok {
		return file, nil
	}
	file, err := f.open(f.chainPath(cid))
	if err != nil {
		return nil, err
	}
	f.files[cid] = file
	return file, nil
}

// append runs under the container lock. A failed write or sync is cut back
// off the file so the next append does not reuse its sequence; if the cut
// fails too the container is halted.
func (f *FileStore) append(e contracts.Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	file, err := f.chainFile(e.ContainerID)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		return err
	}
	size := info.Size()

	if err := writeSynced(file, line); err != nil {
		if terr := file.Truncate(size); terr != nil {
			f.mu.Lock()
			f.trim[e.ContainerID] = size
			f.mu.Unlock()
			f.halt(e.ContainerID, fmt.Sprintf("unacknowledged write of #%d left on disk: %v", e.Sequence, terr))
			slog.Error("ledger: could not roll back failed append, container halted",
				"container_id", e.ContainerID.String(), "sequence", e.Sequence, "error", terr)
		}
		return fmt.Errorf("append #%d: %w", e.Sequence, err)
	}
	return nil
}

func writeSynced(file chainFile, line []byte) error {
	if _, err := file.Write(line); err != nil {
		return err
	}
	return file.Sync()
}

func (f *FileStore) writeHalt(cid contracts.ContainerID, reason string) {
	if err := os.WriteFile(f.haltPath(cid), []byte(reason), 0o600); err != nil {
		slog.Error("ledger: could not persist halt", "container_id", cid.String(), "error", err)
	}
}

func (f *FileStore) Halt(ctx context.Context, cid contracts.ContainerID, reason string) error {
	if err := os.WriteFile(f.haltPath(cid), []byte(reason), 0o600); err != nil {
		return err
	}
	return f.MemoryStore.Halt(ctx, cid, reason)
}

// Resume lifts a halt. A chain halted with an unverified tail is first cut
// back to its verified prefix.
func (f *FileStore) Resume(ctx context.Context, cid contracts.ContainerID) error {
	unlock := f.locks.lock(cid)
	defer unlock()

	f.mu.Lock()
	keep, cut := f.trim[cid]
	f.mu.Unlock()
	if cut {
		if err := os.Truncate(f.chainPath(cid), keep); err != nil {
			return fmt.Errorf("cut %s back to verified prefix: %w", cid, err)
		}
		f.mu.Lock()
		delete(f.trim, cid)
		f.mu.Unlock()
	}

	if err := os.Remove(f.haltPath(cid)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return f.MemoryStore.Resume(ctx, cid)
}

// Close releases open chain files.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for cid, file := range f.files {
		errs = append(errs, file.Close())
		delete(f.files, cid)
	}
	return errors.Join(errs...)
}
