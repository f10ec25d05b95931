// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/katzenpost/katzenpost/core/log"
	"github.com/stretchr/testify/require"

	"github.com/hoccer/hoccer-talk-spike-sub001/crypto"
	"github.com/hoccer/hoccer-talk-spike-sub001/storage"
	"github.com/hoccer/hoccer-talk-spike-sub001/transport"
)

// stateListener forwards state transitions to a channel so tests can wait
// for the pool workers.
type stateListener struct {
	ch chan storage.TransferState
}

func newStateListener() *stateListener {
	return &stateListener{ch: make(chan storage.TransferState, 64)}
}

func (l *stateListener) Started(*storage.Transfer)                  {}
func (l *stateListener) Progress(*storage.Transfer, int64, int64)   {}
func (l *stateListener) Finished(*storage.Transfer)                 {}
func (l *stateListener) Failed(*storage.Transfer, error)            {}
func (l *stateListener) StateChanged(t *storage.Transfer, old, new storage.TransferState) {
	l.ch <- new
}

func (l *stateListener) waitFor(t *testing.T, want storage.TransferState) {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case s := <-l.ch:
			if s == want {
				return
			}
			if s == storage.TransferFailed && want != storage.TransferFailed {
				t.Fatalf("transfer failed while waiting for %s", want)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

// fakeRegistrar records file lifecycle calls and hands out one handle.
type fakeRegistrar struct {
	sync.Mutex
	calls  []string
	handle *transport.WireFileHandle
}

func (f *fakeRegistrar) record(method string) {
	f.Lock()
	f.calls = append(f.calls, method)
	f.Unlock()
}

func (f *fakeRegistrar) callCount(method string) int {
	f.Lock()
	defer f.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (f *fakeRegistrar) CreateFileForStorage(context.Context, int64) (*transport.WireFileHandle, error) {
	f.record("createFileForStorage")
	return f.handle, nil
}

func (f *fakeRegistrar) CreateFileForTransfer(context.Context, int64) (*transport.WireFileHandle, error) {
	f.record("createFileForTransfer")
	return f.handle, nil
}

func (f *fakeRegistrar) ReceivedFile(context.Context, string) error {
	f.record("receivedFile")
	return nil
}

func (f *fakeRegistrar) StartedFileUpload(context.Context, string) error {
	f.record("startedFileUpload")
	return nil
}

func (f *fakeRegistrar) FinishedFileUpload(context.Context, string) error {
	f.record("finishedFileUpload")
	return nil
}

func (f *fakeRegistrar) FailedFileUpload(context.Context, string) error {
	f.record("failedFileUpload")
	return nil
}

func (f *fakeRegistrar) PausedFileUpload(context.Context, string) error {
	f.record("pausedFileUpload")
	return nil
}

func (f *fakeRegistrar) AcknowledgeAbortedFileDownload(context.Context, string) error {
	f.record("acknowledgeAbortedFileDownload")
	return nil
}

func (f *fakeRegistrar) AcknowledgeFailedFileDownload(context.Context, string) error {
	f.record("acknowledgeFailedFileDownload")
	return nil
}

func testStore(t *testing.T) *storage.Store {
	store, err := storage.Open(filepath.Join(t.TempDir(), "talk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testLogBackend(t *testing.T) *log.Backend {
	backend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)
	return backend
}

func TestRetryDelay(t *testing.T) {
	require.Equal(t, 2*time.Second, retryDelay(0))
	require.Equal(t, 4*time.Second, retryDelay(1))
	require.Equal(t, 10*time.Second, retryDelay(2))
	require.Equal(t, 514*time.Second, retryDelay(16))
}

func TestParseConfirmedRange(t *testing.T) {
	n, err := parseConfirmedRange("")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	n, err = parseConfirmedRange("bytes=0-99")
	require.NoError(t, err)
	require.Equal(t, int64(100), n)

	n, err = parseConfirmedRange("bytes 0-0")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = parseConfirmedRange("bytes=whatever")
	require.Error(t, err)
}

func TestFailureBudget(t *testing.T) {
	store := testStore(t)
	a := &agent{}
	a.init(store, testLogBackend(t).GetLogger("test"), 1, 3)
	t.Cleanup(a.Halt)

	tr := &storage.Transfer{
		ID:        "t1",
		Direction: storage.TransferDownload,
		Type:      storage.TransferAttachment,
		State:     storage.TransferDownloading,
	}
	require.NoError(t, store.PutTransfer(tr))

	cause := fmt.Errorf("boom")
	for i := 1; i <= 3; i++ {
		require.True(t, a.fail(tr, cause, storage.TransferRetrying))
		require.Equal(t, i, tr.Failures)
		require.Equal(t, storage.TransferRetrying, tr.State)
	}
	require.False(t, a.fail(tr, cause, storage.TransferRetrying))
	require.Equal(t, storage.TransferFailed, tr.State)

	persisted, err := store.GetTransfer("t1")
	require.NoError(t, err)
	require.Equal(t, storage.TransferFailed, persisted.State)
	require.Equal(t, 4, persisted.Failures)
}

func TestDownloadRetriesAfterServerError(t *testing.T) {
	content := []byte("eventually served")

	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		failNow := attempts == 1
		mu.Unlock()
		if failNow {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(content)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	store := testStore(t)
	d := NewDownloadAgent(store, testLogBackend(t), 1, DefaultMaxFailures, &Policy{})
	t.Cleanup(d.Halt)
	l := newStateListener()
	d.AddListener(l)

	tr := &storage.Transfer{
		ID:            "d5",
		Direction:     storage.TransferDownload,
		Type:          storage.TransferAvatar,
		URL:           srv.URL,
		Path:          filepath.Join(dir, "flaky.bin"),
		ContentLength: int64(len(content)),
		State:         storage.TransferNew,
	}
	require.NoError(t, store.PutTransfer(tr))
	require.NoError(t, d.StartDownload(tr))

	// The first attempt fails; the retry must fire within this session,
	// without any outside resume.
	l.waitFor(t, storage.TransferRetrying)
	l.waitFor(t, storage.TransferComplete)

	mu.Lock()
	require.Equal(t, 2, attempts)
	mu.Unlock()

	final, err := store.GetTransfer("d5")
	require.NoError(t, err)
	require.Equal(t, storage.TransferComplete, final.State)
	require.Equal(t, 0, final.Failures)
}

func TestDownloadResumesFromOffset(t *testing.T) {
	content := make([]byte, 8192)
	for i := range content {
		content[i] = byte(i * 7)
	}

	var ranges []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()
		http.ServeContent(w, r, "blob.bin", time.Now(), strings.NewReader(string(content)))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	store := testStore(t)
	d := NewDownloadAgent(store, testLogBackend(t), 1, DefaultMaxFailures, &Policy{})
	t.Cleanup(d.Halt)
	l := newStateListener()
	d.AddListener(l)

	// Half the file already on disk from an interrupted run.
	scratch := filepath.Join(dir, "blob.bin.part")
	require.NoError(t, os.WriteFile(scratch, content[:4096], 0600))
	tr := &storage.Transfer{
		ID:               "d1",
		Direction:        storage.TransferDownload,
		Type:             storage.TransferAvatar,
		URL:              srv.URL + "/blob.bin",
		Path:             filepath.Join(dir, "blob.bin"),
		ScratchPath:      scratch,
		ContentLength:    int64(len(content)),
		TransferredBytes: 4096,
		State:            storage.TransferPaused,
	}
	require.NoError(t, store.PutTransfer(tr))

	require.NoError(t, d.ResumeDownload("d1"))
	l.waitFor(t, storage.TransferComplete)

	final, err := store.GetTransfer("d1")
	require.NoError(t, err)
	require.Equal(t, storage.TransferComplete, final.State)
	require.Equal(t, int64(len(content)), final.TransferredBytes)
	require.Equal(t, 0, final.Failures)

	got, err := os.ReadFile(final.Path)
	require.NoError(t, err)
	require.Equal(t, content, got)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"bytes=4096-"}, ranges)
}

func TestDownloadDecryptsAndVerifies(t *testing.T) {
	plaintext := []byte("the quick brown fox jumps over the lazy dog, repeatedly")
	key := crypto.NewKey()
	ciphertext, err := crypto.EncryptCBC(key, plaintext)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(ciphertext)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	store := testStore(t)
	reg := &fakeRegistrar{}
	d := NewDownloadAgent(store, testLogBackend(t), 1, DefaultMaxFailures, &Policy{})
	d.SetRegistrar(reg)
	t.Cleanup(d.Halt)
	l := newStateListener()
	d.AddListener(l)

	tr := &storage.Transfer{
		ID:            "d2",
		Direction:     storage.TransferDownload,
		Type:          storage.TransferAttachment,
		FileID:        "f2",
		URL:           srv.URL,
		Path:          filepath.Join(dir, "message.txt"),
		ContentLength: int64(len(ciphertext)),
		Key:           key,
		ExpectedMAC:   crypto.Digest(plaintext),
		State:         storage.TransferNew,
	}
	require.NoError(t, store.PutTransfer(tr))

	// The message and incoming delivery this download belongs to.
	now := time.Now()
	require.NoError(t, store.PutMessage(&storage.Message{
		LocalID: "m2", SenderID: "peer-1", ConversationID: "peer-1",
		TransferID: "d2", Timestamp: now,
	}))
	require.NoError(t, store.PutDelivery(&storage.Delivery{
		MessageID: "m2", ReceiverID: "me", State: storage.DeliveredUnseen,
		CreatedAt: now, UpdatedAt: now,
	}))

	require.NoError(t, d.StartDownload(tr))
	l.waitFor(t, storage.TransferComplete)

	final, err := store.GetTransfer("d2")
	require.NoError(t, err)
	got, err := os.ReadFile(final.Path)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
	require.Equal(t, 1, reg.callCount("receivedFile"))

	// The owning delivery records the received attachment.
	del, err := store.GetDelivery("m2", false)
	require.NoError(t, err)
	require.Equal(t, storage.AttachmentReceived, del.Attachment)
}

func TestDownloadDigestMismatchIsTerminal(t *testing.T) {
	key := crypto.NewKey()
	ciphertext, err := crypto.EncryptCBC(key, []byte("payload"))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(ciphertext)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	store := testStore(t)
	reg := &fakeRegistrar{}
	d := NewDownloadAgent(store, testLogBackend(t), 1, DefaultMaxFailures, &Policy{})
	d.SetRegistrar(reg)
	t.Cleanup(d.Halt)
	l := newStateListener()
	d.AddListener(l)

	tr := &storage.Transfer{
		ID:            "d3",
		Direction:     storage.TransferDownload,
		Type:          storage.TransferAttachment,
		FileID:        "f3",
		URL:           srv.URL,
		Path:          filepath.Join(dir, "bad.bin"),
		ContentLength: int64(len(ciphertext)),
		Key:           key,
		ExpectedMAC:   crypto.Digest([]byte("something else")),
		State:         storage.TransferNew,
	}
	require.NoError(t, store.PutTransfer(tr))

	require.NoError(t, d.StartDownload(tr))
	l.waitFor(t, storage.TransferFailed)

	final, err := store.GetTransfer("d3")
	require.NoError(t, err)
	require.Equal(t, storage.TransferFailed, final.State)
	require.Equal(t, 1, reg.callCount("acknowledgeFailedFileDownload"))
}

func TestDownloadPolicyHold(t *testing.T) {
	dir := t.TempDir()
	store := testStore(t)
	d := NewDownloadAgent(store, testLogBackend(t), 1, DefaultMaxFailures,
		&Policy{MaxDownloadSize: 10})
	t.Cleanup(d.Halt)

	tr := &storage.Transfer{
		ID:            "d4",
		Direction:     storage.TransferDownload,
		Type:          storage.TransferAttachment,
		URL:           "http://unused.invalid/",
		Path:          filepath.Join(dir, "big.bin"),
		ContentLength: 1000,
		State:         storage.TransferNew,
	}
	require.NoError(t, store.PutTransfer(tr))

	require.NoError(t, d.StartDownload(tr))
	final, err := store.GetTransfer("d4")
	require.NoError(t, err)
	require.Equal(t, storage.TransferOnHold, final.State)
	require.Equal(t, 0, final.Failures)
}

// uploadServer implements the probe-and-append side of the range PUT
// protocol.
type uploadServer struct {
	sync.Mutex
	buf   []byte
	total int64
}

func (s *uploadServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength == 0 && strings.HasPrefix(r.Header.Get("Content-Range"), "bytes */") {
		s.Lock()
		have := len(s.buf)
		s.Unlock()
		if int64(have) >= s.total {
			w.WriteHeader(http.StatusOK)
			return
		}
		if have > 0 {
			w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", have-1))
		}
		w.WriteHeader(http.StatusPermanentRedirect)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.Lock()
	s.buf = append(s.buf, body...)
	done := int64(len(s.buf)) >= s.total
	s.Unlock()
	if done {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusPermanentRedirect)
	}
}

func (s *uploadServer) bytes() []byte {
	s.Lock()
	defer s.Unlock()
	out := make([]byte, len(s.buf))
	copy(out, s.buf)
	return out
}

func TestUploadEncryptsAndCompletes(t *testing.T) {
	plaintext := make([]byte, 5000)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}
	key := crypto.NewKey()
	want, err := crypto.EncryptCBC(key, plaintext)
	require.NoError(t, err)

	remote := &uploadServer{total: crypto.CiphertextLength(int64(len(plaintext)))}
	srv := httptest.NewServer(remote)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	src := filepath.Join(dir, "photo.jpg")
	require.NoError(t, os.WriteFile(src, plaintext, 0600))

	store := testStore(t)
	reg := &fakeRegistrar{handle: &transport.WireFileHandle{
		FileID:    "f10",
		UploadURL: srv.URL,
	}}
	u := NewUploadAgent(store, testLogBackend(t), 1, DefaultMaxFailures)
	u.SetRegistrar(reg)
	t.Cleanup(u.Halt)
	l := newStateListener()
	u.AddListener(l)

	tr := &storage.Transfer{
		ID:        "u1",
		Direction: storage.TransferUpload,
		Type:      storage.TransferAttachment,
		Path:      src,
		Key:       key,
	}
	require.NoError(t, u.StartUpload(tr))
	l.waitFor(t, storage.TransferComplete)

	require.Equal(t, want, remote.bytes())
	require.Equal(t, 1, reg.callCount("createFileForTransfer"))
	require.Equal(t, 1, reg.callCount("startedFileUpload"))
	require.Equal(t, 1, reg.callCount("finishedFileUpload"))

	final, err := store.GetTransfer("u1")
	require.NoError(t, err)
	require.Equal(t, storage.TransferComplete, final.State)
	require.Equal(t, final.ContentLength, final.TransferredBytes)
}

func TestUploadResumesFromServerConfirmed(t *testing.T) {
	plaintext := make([]byte, 4000)
	for i := range plaintext {
		plaintext[i] = byte(i * 3)
	}
	key := crypto.NewKey()
	ciphertext, err := crypto.EncryptCBC(key, plaintext)
	require.NoError(t, err)

	// The server already holds a prefix the client never saw confirmed.
	remote := &uploadServer{total: int64(len(ciphertext))}
	remote.buf = append(remote.buf, ciphertext[:1024]...)
	srv := httptest.NewServer(remote)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	src := filepath.Join(dir, "video.mp4")
	require.NoError(t, os.WriteFile(src, plaintext, 0600))

	store := testStore(t)
	reg := &fakeRegistrar{}
	u := NewUploadAgent(store, testLogBackend(t), 1, DefaultMaxFailures)
	u.SetRegistrar(reg)
	t.Cleanup(u.Halt)
	l := newStateListener()
	u.AddListener(l)

	tr := &storage.Transfer{
		ID:            "u2",
		Direction:     storage.TransferUpload,
		Type:          storage.TransferAttachment,
		FileID:        "f11",
		URL:           srv.URL,
		Path:          src,
		ContentLength: int64(len(ciphertext)),
		Key:           key,
		State:         storage.TransferPaused,
	}
	require.NoError(t, store.PutTransfer(tr))

	require.NoError(t, u.ResumeUpload("u2"))
	l.waitFor(t, storage.TransferComplete)

	require.Equal(t, ciphertext, remote.bytes())
}

func TestUploadClientErrorParks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	src := filepath.Join(dir, "doc.pdf")
	require.NoError(t, os.WriteFile(src, []byte("rejected"), 0600))

	store := testStore(t)
	reg := &fakeRegistrar{}
	u := NewUploadAgent(store, testLogBackend(t), 1, DefaultMaxFailures)
	u.SetRegistrar(reg)
	t.Cleanup(u.Halt)
	l := newStateListener()
	u.AddListener(l)

	tr := &storage.Transfer{
		ID:            "u3",
		Direction:     storage.TransferUpload,
		Type:          storage.TransferAttachment,
		FileID:        "f12",
		URL:           srv.URL,
		Path:          src,
		ContentLength: crypto.CiphertextLength(8),
		Key:           crypto.NewKey(),
		State:         storage.TransferRetrying,
	}
	require.NoError(t, store.PutTransfer(tr))

	require.NoError(t, u.ResumeUpload("u3"))
	l.waitFor(t, storage.TransferPaused)

	final, err := store.GetTransfer("u3")
	require.NoError(t, err)
	require.Equal(t, storage.TransferPaused, final.State)
	require.Equal(t, 0, final.Failures)
	require.Equal(t, 1, reg.callCount("pausedFileUpload"))
}
