package link

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedFile struct {
	kind    FileKind
	name    string
	payload []byte
}

type recordingSender struct {
	sent   []recordedFile
	failAt int // 1-based send that fails; 0 never
}

func (s *recordingSender) Send(_ context.Context, kind FileKind, name string, payload []byte) error {
	if s.failAt > 0 && len(s.sent)+1 == s.failAt {
		s.failAt = 0
		return errors.New("boom")
	}
	s.sent = append(s.sent, recordedFile{kind: kind, name: name, payload: payload})
	return nil
}

func newTestSpool(t *testing.T, sender Sender) *Spool {
	t.Helper()
	sp := NewSpool(t.TempDir(), sender)
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	n := 0
	sp.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return sp
}

func TestSpoolDeliversInOrderAndRemoves(t *testing.T) {
	rec := &recordingSender{}
	sp := newTestSpool(t, rec)

	_, err := sp.Enqueue(KindError, []byte("e1"))
	require.NoError(t, err)
	_, err = sp.Enqueue(KindBatch, []byte("b1"))
	require.NoError(t, err)
	_, err = sp.Enqueue(KindError, []byte("e2"))
	require.NoError(t, err)

	n, err := sp.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// The batch superseded e1; e2 came after the batch.
	require.Len(t, rec.sent, 2)
	assert.Equal(t, KindBatch, rec.sent[0].kind)
	assert.Equal(t, []byte("b1"), rec.sent[0].payload)
	assert.Equal(t, KindError, rec.sent[1].kind)
	assert.Equal(t, []byte("e2"), rec.sent[1].payload)

	pending, err := sp.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSpoolBatchSupersedesOlderBatch(t *testing.T) {
	rec := &recordingSender{}
	sp := newTestSpool(t, rec)

	_, err := sp.Enqueue(KindBatch, []byte("old"))
	require.NoError(t, err)
	_, err = sp.Enqueue(KindBatch, []byte("new"))
	require.NoError(t, err)

	_, err = sp.Flush(context.Background())
	require.NoError(t, err)
	require.Len(t, rec.sent, 1)
	assert.Equal(t, []byte("new"), rec.sent[0].payload)
}

func TestSpoolStopsAtFirstFailure(t *testing.T) {
	rec := &recordingSender{failAt: 2}
	sp := newTestSpool(t, rec)

	_, err := sp.Enqueue(KindBatch, []byte("b"))
	require.NoError(t, err)
	_, err = sp.Enqueue(KindError, []byte("e"))
	require.NoError(t, err)

	n, err := sp.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)

	pending, err := sp.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, KindError, kindOf(pending[0]))

	n, err = sp.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, rec.sent, 2)
}

func TestSpoolOrdersNamesOnRepeatedClock(t *testing.T) {
	rec := &recordingSender{}
	sp := NewSpool(t.TempDir(), rec)
	fixed := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	sp.now = func() time.Time { return fixed }

	for i := 0; i < 20; i++ {
		_, err := sp.Enqueue(KindBatch, []byte("batch"))
		require.NoError(t, err)
		_, err = sp.Enqueue(KindError, []byte("error"))
		require.NoError(t, err)

		pending, err := sp.Pending()
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, KindBatch, kindOf(pending[0]))
		assert.Equal(t, KindError, kindOf(pending[1]))
	}

	// A restarted spool continues after the names already on disk.
	again := NewSpool(sp.dir, rec)
	again.now = func() time.Time { return fixed.Add(-time.Hour) }
	name, err := again.Enqueue(KindError, []byte("later"))
	require.NoError(t, err)
	pending, err := again.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, name, pending[1])
	assert.Equal(t, KindBatch, kindOf(pending[0]))
}

func TestSpoolIgnoresForeignFiles(t *testing.T) {
	sp := newTestSpool(t, &recordingSender{})
	require.NoError(t, os.WriteFile(filepath.Join(sp.dir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(sp.dir, "1-other-x.cbor"), []byte("x"), 0o600))

	pending, err := sp.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = sp.Enqueue(FileKind("junk"), nil)
	assert.Error(t, err)
}

type recordingSink struct {
	batches []string
	errors  []string
}

func (s *recordingSink) OnBatchReady(path string) { s.batches = append(s.batches, path) }
func (s *recordingSink) OnErrorReady(path string) { s.errors = append(s.errors, path) }

func newInboxServer(t *testing.T) (*httptest.Server, *Loop, *recordingSink, string) {
	t.Helper()
	dir := t.TempDir()
	loop := NewLoop(16)
	sink := &recordingSink{}
	mux := http.NewServeMux()
	mux.Handle("/inbox/{kind}/{name}", NewInbox(dir, loop, sink))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, loop, sink, dir
}

func TestHTTPSenderLandsFilesInInbox(t *testing.T) {
	srv, loop, sink, dir := newInboxServer(t)
	sp := newTestSpool(t, NewHTTPSender(srv.URL+"/", "", ""))

	batchName, err := sp.Enqueue(KindBatch, []byte("batch-bytes"))
	require.NoError(t, err)
	errName, err := sp.Enqueue(KindError, []byte("error-bytes"))
	require.NoError(t, err)

	n, err := sp.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, 2, loop.Drain())
	assert.Equal(t, []string{filepath.Join(dir, batchName)}, sink.batches)
	assert.Equal(t, []string{filepath.Join(dir, errName)}, sink.errors)

	got, err := os.ReadFile(filepath.Join(dir, batchName))
	require.NoError(t, err)
	assert.Equal(t, []byte("batch-bytes"), got)
}

func TestInboxRejectsBadRequests(t *testing.T) {
	srv, loop, _, _ := newInboxServer(t)

	cases := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"wrong method", http.MethodPost, "/inbox/batch/a.cbor", http.StatusMethodNotAllowed},
		{"unknown kind", http.MethodPut, "/inbox/photo/a.cbor", http.StatusNotFound},
		{"hidden name", http.MethodPut, "/inbox/batch/.a.cbor", http.StatusBadRequest},
		{"wrong extension", http.MethodPut, "/inbox/batch/a.json", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, srv.URL+tc.path, strings.NewReader("x"))
			require.NoError(t, err)
			resp, err := srv.Client().Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
	assert.Zero(t, loop.Drain())
}

func TestInboxRejectsOversizedFile(t *testing.T) {
	srv, loop, _, _ := newInboxServer(t)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/inbox/batch/a.cbor", bytes.NewReader(make([]byte, maxInboxFile+1)))
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Zero(t, loop.Drain())
}

func TestHTTPSenderBasicAuthAndErrors(t *testing.T) {
	var gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := NewHTTPSender(srv.URL, "admin", "pw").Send(context.Background(), KindBatch, "a.cbor", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, "admin", gotUser)
	assert.Equal(t, "pw", gotPass)
}
