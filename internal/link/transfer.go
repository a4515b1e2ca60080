package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"wristcal/internal/fsutil"
	appLog "wristcal/internal/log"
)

// FileKind distinguishes the two payloads carried by the file transfer.
type FileKind string

const (
	KindBatch FileKind = "batch"
	KindError FileKind = "error"
)

func (k FileKind) valid() bool {
	return k == KindBatch || k == KindError
}

const fileExt = ".cbor"

// Sender pushes one spooled file to the device.
type Sender interface {
	Send(ctx context.Context, kind FileKind, name string, payload []byte) error
}

// Spool is the companion's outbox. Files are written to disk first and
// delivered in order by Flush, so payloads survive an unreachable device
// and a companion restart.
type Spool struct {
	dir    string
	sender Sender
	now    func() time.Time
	logger appLog.Logger

	mu sync.Mutex
	// seq is the stamp of the newest name handed out. Stamps strictly
	// increase even when the clock repeats or steps back.
	seq int64
}

// NewSpool returns a spool rooted at dir.
func NewSpool(dir string, sender Sender) *Spool {
	return &Spool{dir: dir, sender: sender, now: time.Now, logger: appLog.Named("spool")}
}

// Enqueue stores payload for delivery and returns its file name. A new batch
// supersedes every pending file; a new error supersedes pending errors only.
func (s *Spool) Enqueue(kind FileKind, payload []byte) (string, error) {
	if !kind.valid() {
		return "", fmt.Errorf("link: unknown file kind %q", kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.pendingLocked()
	if err != nil {
		return "", err
	}
	seq := s.now().UnixNano()
	for _, name := range pending {
		seq = max(seq, stampOf(name)+1)
		if kind == KindBatch || kindOf(name) == KindError {
			if err := os.Remove(filepath.Join(s.dir, name)); err == nil {
				s.logger.Debug("superseded pending file", "name", name)
			}
		}
	}

	seq = max(seq, s.seq+1)
	s.seq = seq

	// Zero-padded stamps keep lexical order equal to enqueue order.
	name := fmt.Sprintf("%020d-%s-%s%s", seq, kind, uuid.NewString(), fileExt)
	if err := fsutil.WriteAtomic(filepath.Join(s.dir, name), payload, 0o600); err != nil {
		return "", err
	}
	s.logger.Info("file spooled", "name", name, "bytes", len(payload))
	return name, nil
}

// Pending lists undelivered files, oldest first.
func (s *Spool) Pending() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

// Flush delivers pending files oldest first and removes each one once sent.
// It stops at the first failure so ordering is preserved.
func (s *Spool) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.pendingLocked()
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, name := range pending {
		path := filepath.Join(s.dir, name)
		payload, err := os.ReadFile(path)
		if err != nil {
			return sent, err
		}
		if err := s.sender.Send(ctx, kindOf(name), name, payload); err != nil {
			s.logger.Warn("delivery failed; will retry", "name", name, "err", err)
			return sent, err
		}
		if err := os.Remove(path); err != nil {
			return sent, err
		}
		sent++
		s.logger.Info("file delivered", "name", name)
	}
	return sent, nil
}

func (s *Spool) pendingLocked() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) || kindOf(name) == "" {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// stampOf extracts the stamp from "<stamp>-<kind>-<uuid>.cbor", or 0.
func stampOf(name string) int64 {
	head, _, _ := strings.Cut(name, "-")
	n, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// kindOf extracts the kind from "<stamp>-<kind>-<uuid>.cbor".
func kindOf(name string) FileKind {
	parts := strings.SplitN(name, "-", 3)
	if len(parts) < 3 {
		return ""
	}
	k := FileKind(parts[1])
	if !k.valid() {
		return ""
	}
	return k
}

// HTTPSender PUTs files to the device inbox at
// <base>/inbox/<kind>/<name>.
type HTTPSender struct {
	base     string
	client   *http.Client
	username string
	password string
}

// NewHTTPSender builds a sender for the device at baseURL. Empty credentials
// disable basic auth.
func NewHTTPSender(baseURL, username, password string) *HTTPSender {
	return &HTTPSender{
		base:     strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: 30 * time.Second},
		username: username,
		password: password,
	}
}

func (h *HTTPSender) Send(ctx context.Context, kind FileKind, name string, payload []byte) error {
	target := h.base + "/inbox/" + url.PathEscape(string(kind)) + "/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/cbor")
	if h.username != "" && h.password != "" {
		req.SetBasicAuth(h.username, h.password)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("link: inbox rejected %s: %s", name, resp.Status)
	}
	return nil
}

// FileSink consumes files landed in the device inbox. Implementations run on
// the device Loop and own the file afterwards.
type FileSink interface {
	OnBatchReady(path string)
	OnErrorReady(path string)
}

// maxInboxFile bounds one transferred file.
const maxInboxFile = 8 << 20

// Inbox receives transferred files over HTTP, lands them in dir and posts
// the matching FileSink callback to the loop.
type Inbox struct {
	dir    string
	loop   *Loop
	sink   FileSink
	logger appLog.Logger
}

// NewInbox returns an inbox writing into dir.
func NewInbox(dir string, loop *Loop, sink FileSink) *Inbox {
	return &Inbox{dir: dir, loop: loop, sink: sink, logger: appLog.Named("inbox")}
}

// ServeHTTP handles PUT /inbox/{kind}/{name}.
func (in *Inbox) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.Header().Set("Allow", http.MethodPut)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	kind := FileKind(r.PathValue("kind"))
	name := r.PathValue("name")
	if !kind.valid() {
		http.Error(w, "unknown file kind", http.StatusNotFound)
		return
	}
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
		http.Error(w, "invalid file name", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInboxFile))
	if err != nil {
		http.Error(w, "payload too large or unreadable", http.StatusRequestEntityTooLarge)
		return
	}

	if _, err := in.Land(kind, name, body); err != nil {
		in.logger.Error("inbox write failed", err, "name", name)
		http.Error(w, "write failed", http.StatusInternalServerError)
		return
	}
	in.logger.Info("file received", "kind", kind, "name", name, "bytes", len(body))
	w.WriteHeader(http.StatusNoContent)
}

// Land writes a received file and schedules its processing.
func (in *Inbox) Land(kind FileKind, name string, payload []byte) (string, error) {
	path := filepath.Join(in.dir, name)
	if err := fsutil.WriteAtomic(path, payload, 0o600); err != nil {
		return "", err
	}
	switch kind {
	case KindBatch:
		in.loop.Post(func() { in.sink.OnBatchReady(path) })
	case KindError:
		in.loop.Post(func() { in.sink.OnErrorReady(path) })
	}
	return path, nil
}
