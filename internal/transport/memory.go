package transport

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillmd/quill/internal/content"
)

// Memory is an in-process remote store for tests. It can simulate edits
// made by other clients as well as injected failures.
type Memory struct {
	mu      stdsync.Mutex
	objects map[string]*memObject
	log     []memChange
	seq     uint64
	last    time.Time
	now     func() time.Time

	offline bool
	faults  map[string][]error
	calls   map[string]int
}

type memObject struct {
	Object
	deleted bool
}

type memChange struct {
	seq    uint64
	change Change
}

// Operation names accepted by FailNext and Calls.
const (
	OpListChanges = "list_changes"
	OpUpload      = "upload"
	OpDownload    = "download"
	OpDelete      = "delete"
)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string]*memObject),
		now:     time.Now,
		faults:  make(map[string][]error),
		calls:   make(map[string]int),
	}
}

// SetClock overrides the time source for modification times.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetOffline makes every call fail with ErrTransient while true.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailNext makes the next call of op return err. Calls queue up.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], err)
}

// Calls returns how many times op was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Memory) enter(ctx context.Context, op string) error {
	m.calls[op]++
	if err := ctx.Err(); err != nil {
		return Transient(err)
	}
	if m.offline {
		return Transient(fmt.Errorf("%s: remote unreachable", op))
	}
	if errs := m.faults[op]; len(errs) > 0 {
		m.faults[op] = errs[1:]
		return errs[0]
	}
	return nil
}

// tick returns a modification time strictly after every earlier one.
func (m *Memory) tick() time.Time {
	t := m.now().UTC()
	if !t.After(m.last) {
		t = m.last.Add(time.Millisecond)
	}
	m.last = t
	return t
}

func (m *Memory) record(c Change) {
	m.seq++
	m.log = append(m.log, memChange{seq: m.seq, change: c})
}

// ListChanges implements Transport. Tokens are decimal sequence numbers;
// several changes to one object since the token collapse into the latest.
func (m *Memory) ListChanges(ctx context.Context, token string) (*ChangeSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpListChanges); err != nil {
		return nil, err
	}

	var since uint64
	if token != "" {
		n, err := strconv.ParseUint(token, 10, 64)
		if err != nil {
			return nil, Rejected(fmt.Errorf("invalid change token %q", token))
		}
		since = n
	}

	latest := make(map[string]int)
	var changes []Change
	for _, entry := range m.log {
		if entry.seq <= since {
			continue
		}
		if i, ok := latest[entry.change.RemoteID]; ok {
			changes[i] = entry.change
			continue
		}
		latest[entry.change.RemoteID] = len(changes)
		changes = append(changes, entry.change)
	}

	return &ChangeSet{Changes: changes, NewToken: strconv.FormatUint(m.seq, 10)}, nil
}

// Upload implements Transport.
func (m *Memory) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpUpload); err != nil {
		return nil, err
	}

	id := req.RemoteID
	if id == "" {
		id = uuid.NewString()
	} else {
		obj, ok := m.objects[id]
		if !ok || obj.deleted {
			return nil, fmt.Errorf("upload %s: %w", id, ErrNotFound)
		}
		if !req.Force && obj.ModifiedTime.After(req.BaseModified) {
			return nil, &ConflictError{RemoteID: id, RemoteModified: obj.ModifiedTime, RemoteHash: obj.ContentHash}
		}
	}

	obj := m.put(id, req.Path, req.Content, req.MimeType)
	return &UploadResult{RemoteID: id, ModifiedTime: obj.ModifiedTime, ContentHash: obj.ContentHash}, nil
}

func (m *Memory) put(id, path string, c content.Content, mimeType string) *memObject {
	obj := &memObject{Object: Object{
		RemoteID:     id,
		Path:         path,
		Content:      cloneContent(c),
		MimeType:     mimeType,
		ModifiedTime: m.tick(),
		ContentHash:  c.Hash(),
	}}
	m.objects[id] = obj
	m.record(Change{
		RemoteID:     id,
		Path:         path,
		ContentHash:  obj.ContentHash,
		ModifiedTime: obj.ModifiedTime,
	})
	return obj
}

// Download implements Transport.
func (m *Memory) Download(ctx context.Context, remoteID string) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpDownload); err != nil {
		return nil, err
	}

	obj, ok := m.objects[remoteID]
	if !ok || obj.deleted {
		return nil, fmt.Errorf("download %s: %w", remoteID, ErrNotFound)
	}
	out := obj.Object
	out.Content = cloneContent(obj.Content)
	return &out, nil
}

// Delete implements Transport.
func (m *Memory) Delete(ctx context.Context, remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpDelete); err != nil {
		return err
	}
	return m.remove(remoteID)
}

func (m *Memory) remove(remoteID string) error {
	obj, ok := m.objects[remoteID]
	if !ok || obj.deleted {
		return fmt.Errorf("delete %s: %w", remoteID, ErrNotFound)
	}
	obj.deleted = true
	obj.ModifiedTime = m.tick()
	m.record(Change{
		RemoteID:     remoteID,
		Path:         obj.Path,
		ModifiedTime: obj.ModifiedTime,
		Deleted:      true,
	})
	return nil
}

// Create simulates another client creating a document and returns its id.
func (m *Memory) Create(path string, c content.Content, mimeType string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.put(id, path, c, mimeType)
	return id
}

// Edit simulates another client replacing a document's content.
func (m *Memory) Edit(remoteID string, c content.Content) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[remoteID]
	if !ok || obj.deleted {
		return fmt.Errorf("edit %s: %w", remoteID, ErrNotFound)
	}
	m.put(remoteID, obj.Path, c, obj.MimeType)
	return nil
}

// Move simulates another client renaming a document.
func (m *Memory) Move(remoteID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[remoteID]
	if !ok || obj.deleted {
		return fmt.Errorf("move %s: %w", remoteID, ErrNotFound)
	}
	m.put(remoteID, path, obj.Content, obj.MimeType)
	return nil
}

// Remove simulates another client deleting a document.
func (m *Memory) Remove(remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remove(remoteID)
}

// Lookup returns the live object with remoteID.
func (m *Memory) Lookup(remoteID string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[remoteID]
	if !ok || obj.deleted {
		return Object{}, false
	}
	return obj.Object, true
}

// FindByPath returns the live object uploaded from path.
func (m *Memory) FindByPath(path string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, obj := range m.objects {
		if !obj.deleted && obj.Path == path {
			return obj.Object, true
		}
	}
	return Object{}, false
}

// Len returns the number of live objects.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, obj := range m.objects {
		if !obj.deleted {
			n++
		}
	}
	return n
}

func cloneContent(c content.Content) content.Content {
	if c.IsText() {
		return c
	}
	return content.Binary(bytes.Clone(c.Bytes()))
}
