// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/katzenpost/katzenpost/core/log"

	"github.com/hoccer/hoccer-talk-spike-sub001/crypto"
	"github.com/hoccer/hoccer-talk-spike-sub001/storage"
	"github.com/hoccer/hoccer-talk-spike-sub001/transport"
)

// UploadAgent pushes attachment and avatar content to relay storage.
// Attachments are encrypted on the fly; because the cipher is
// deterministic for a given key, a resumed upload reproduces the exact
// ciphertext already confirmed by the server and only the remaining
// range travels again.
type UploadAgent struct {
	agent
}

// NewUploadAgent creates an upload agent with threads pool workers.
func NewUploadAgent(store *storage.Store, logBackend *log.Backend, threads, maxFailures int) *UploadAgent {
	u := &UploadAgent{}
	u.agent.init(store, logBackend.GetLogger("transfer/upload"), threads, maxFailures)
	u.run = u.attempt
	return u
}

// StartUpload persists and schedules a fresh upload.  The source file is
// t.Path; for attachments t.Key must already be set.
func (u *UploadAgent) StartUpload(t *storage.Transfer) error {
	if err := u.setState(t, storage.TransferNew); err != nil {
		return err
	}
	u.notifyStarted(t)
	u.schedule(t.ID, 0)
	return nil
}

// ResumeUpload restarts a parked, retrying or failed upload.
func (u *UploadAgent) ResumeUpload(id string) error {
	t, err := u.store.GetTransfer(id)
	if err != nil {
		return err
	}
	switch t.State {
	case storage.TransferUploading, storage.TransferComplete:
		return nil
	case storage.TransferNew, storage.TransferRegistering:
		u.schedule(t.ID, 0)
		return nil
	case storage.TransferPaused, storage.TransferRetrying, storage.TransferFailed:
	default:
		return fmt.Errorf("transfer: cannot resume upload in state %s", t.State)
	}
	if t.State == storage.TransferFailed {
		t.Failures = 0
	}
	if err := u.setState(t, storage.TransferUploading); err != nil {
		return err
	}
	u.schedule(t.ID, 0)
	return nil
}

// PauseUpload stops an upload without booking a failure and tells the
// relay the pause was deliberate.
func (u *UploadAgent) PauseUpload(id string) error {
	u.cancelFuture(id)
	t, err := u.store.GetTransfer(id)
	if err != nil {
		return err
	}
	switch t.State {
	case storage.TransferUploading, storage.TransferRetrying:
		if err := u.setState(t, storage.TransferPaused); err != nil {
			return err
		}
		u.reportPaused(t)
	}
	return nil
}

// ResumeAll reschedules every upload interrupted by a shutdown or
// connection loss.  Parked uploads stay parked.
func (u *UploadAgent) ResumeAll() {
	ts, err := u.store.TransfersWhere(func(t *storage.Transfer) bool {
		return t.Direction == storage.TransferUpload
	})
	if err != nil {
		u.log.Errorf("Failed to enumerate uploads: %v", err)
		return
	}
	for _, t := range ts {
		switch t.State {
		case storage.TransferNew, storage.TransferRegistering,
			storage.TransferUploading, storage.TransferRetrying:
			u.schedule(t.ID, 0)
		}
	}
}

func (u *UploadAgent) attempt(ctx context.Context, t *storage.Transfer) {
	switch t.State {
	case storage.TransferNew, storage.TransferRegistering:
		if err := u.register(ctx, t); err != nil {
			if ctx.Err() != nil {
				return
			}
			if !u.fail(t, err, storage.TransferRetrying) {
				u.reportFailed(t)
			}
			return
		}
		// Registered slots park before transmission so a crash between
		// the two phases resumes with a probe, not a re-registration.
		if err := u.setState(t, storage.TransferPaused); err != nil {
			u.log.Errorf("Failed to park registered upload %q: %v", t.ID, err)
			return
		}
	case storage.TransferUploading, storage.TransferRetrying:
	default:
		// Paused or aborted while queued.
		return
	}

	if err := u.setState(t, storage.TransferUploading); err != nil {
		u.log.Errorf("Failed to persist upload state of %q: %v", t.ID, err)
		return
	}

	if err := u.upload(ctx, t); err != nil {
		if ctx.Err() != nil {
			return
		}
		if cerr, ok := err.(*clientError); ok {
			// The server rejected the request outright; retrying the
			// same bytes cannot help.
			u.log.Warningf("Upload %q parked on client error: %v", t.ID, cerr)
			if serr := u.setState(t, storage.TransferPaused); serr != nil {
				u.log.Errorf("Failed to park upload %q: %v", t.ID, serr)
			}
			u.reportPaused(t)
			return
		}
		if !u.fail(t, err, storage.TransferRetrying) {
			u.reportFailed(t)
		}
		return
	}

	u.finish(t)
}

// register allocates the remote file slot.  Attachments are sized by the
// analytic ciphertext length so the slot is exact before a single byte is
// encrypted.
func (u *UploadAgent) register(ctx context.Context, t *storage.Transfer) error {
	if err := u.setState(t, storage.TransferRegistering); err != nil {
		return err
	}

	fi, err := os.Stat(t.Path)
	if err != nil {
		return err
	}

	var size int64
	if t.Type == storage.TransferAttachment {
		size = crypto.CiphertextLength(fi.Size())
	} else {
		size = fi.Size()
	}

	rpc, err := u.registrar()
	if err != nil {
		return err
	}
	var handle *transport.WireFileHandle
	if t.Type == storage.TransferAvatar {
		handle, err = rpc.CreateFileForStorage(ctx, size)
	} else {
		handle, err = rpc.CreateFileForTransfer(ctx, size)
	}
	if err != nil {
		return err
	}

	t.FileID = handle.FileID
	t.URL = handle.UploadURL
	t.ContentLength = size
	return u.store.PutTransfer(t)
}

// clientError marks an HTTP 4xx on upload: a permanent rejection handled
// by parking instead of the retry budget.
type clientError struct {
	status int
}

func (e *clientError) Error() string {
	return fmt.Sprintf("transfer: upload rejected with status %d", e.status)
}

// upload probes for server-confirmed progress, then sends the remaining
// range.
func (u *UploadAgent) upload(ctx context.Context, t *storage.Transfer) error {
	confirmed, complete, err := u.probe(ctx, t)
	if err != nil {
		return err
	}
	t.TransferredBytes = confirmed
	if err := u.store.PutTransfer(t); err != nil {
		return err
	}
	if complete || confirmed >= t.ContentLength {
		return nil
	}

	if rpc, err := u.registrar(); err == nil {
		if err := rpc.StartedFileUpload(ctx, t.FileID); err != nil {
			u.log.Warningf("Failed to report upload start of %q: %v", t.ID, err)
		}
	}

	body, err := u.openBody(t, confirmed)
	if err != nil {
		return err
	}
	defer body.Close()

	remaining := t.ContentLength - confirmed
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, t.URL,
		&progressReader{r: body, agent: &u.agent, t: t})
	if err != nil {
		return err
	}
	req.ContentLength = remaining
	req.Header.Set("Content-Range",
		fmt.Sprintf("bytes %d-%d/%d", confirmed, t.ContentLength-1, t.ContentLength))
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusPermanentRedirect:
		// Resume incomplete: the server kept a prefix.  The next attempt
		// probes again and sends the rest.
		return fmt.Errorf("transfer: upload incomplete at %d of %d bytes",
			t.TransferredBytes, t.ContentLength)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &clientError{status: resp.StatusCode}
	default:
		return fmt.Errorf("transfer: unexpected upload status %d", resp.StatusCode)
	}
}

// probe issues the zero-length check PUT.  A crash can leave bytes on the
// server the client never saw confirmed, so the server's word on progress
// beats the local counter.
func (u *UploadAgent) probe(ctx context.Context, t *storage.Transfer) (int64, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, t.URL, nil)
	if err != nil {
		return 0, false, err
	}
	req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", t.ContentLength))
	req.ContentLength = 0

	resp, err := u.client.Do(req)
	if err != nil {
		return 0, false, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return t.ContentLength, true, nil
	case resp.StatusCode == http.StatusPermanentRedirect:
		confirmed, err := parseConfirmedRange(resp.Header.Get("Range"))
		if err != nil {
			return 0, false, err
		}
		return confirmed, false, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return 0, false, &clientError{status: resp.StatusCode}
	default:
		return 0, false, fmt.Errorf("transfer: unexpected probe status %d", resp.StatusCode)
	}
}

// parseConfirmedRange extracts the number of confirmed bytes from a Range
// header of the form "bytes=0-N" (an empty header means none).
func parseConfirmedRange(header string) (int64, error) {
	if header == "" {
		return 0, nil
	}
	v := strings.TrimSpace(header)
	v = strings.TrimPrefix(v, "bytes=")
	v = strings.TrimPrefix(v, "bytes ")
	parts := strings.SplitN(v, "-", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("transfer: malformed range header %q", header)
	}
	last, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil || last < 0 {
		return 0, fmt.Errorf("transfer: malformed range header %q", header)
	}
	return last + 1, nil
}

// openBody returns the upload body positioned after the confirmed bytes:
// the encrypting filter over the plaintext for attachments, the raw file
// for avatars.  The filter is deterministic, so skipping its first
// confirmed bytes reproduces the server's prefix exactly.
func (u *UploadAgent) openBody(t *storage.Transfer, confirmed int64) (io.ReadCloser, error) {
	f, err := os.Open(t.Path)
	if err != nil {
		return nil, err
	}

	if t.Type != storage.TransferAttachment {
		if _, err := f.Seek(confirmed, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
		return f, nil
	}

	er, err := crypto.NewEncryptReader(t.Key, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := io.CopyN(io.Discard, er, confirmed); err != nil {
		f.Close()
		return nil, err
	}
	return &readCloser{Reader: er, closer: f}, nil
}

type readCloser struct {
	io.Reader
	closer io.Closer
}

func (r *readCloser) Close() error { return r.closer.Close() }

// progressReader books transferred bytes as the HTTP client consumes the
// body.  The counter is optimistic; the next probe corrects it if the
// request dies mid-flight.
type progressReader struct {
	r     io.Reader
	agent *agent
	t     *storage.Transfer
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.t.TransferredBytes += int64(n)
		if perr := p.agent.store.PutTransfer(p.t); perr != nil {
			return n, perr
		}
		p.agent.notifyProgress(p.t, p.t.TransferredBytes, p.t.ContentLength)
	}
	return n, err
}

func (u *UploadAgent) finish(t *storage.Transfer) {
	t.TransferredBytes = t.ContentLength
	t.Failures = 0
	if t.ScratchPath != "" {
		os.Remove(t.ScratchPath)
		t.ScratchPath = ""
	}
	if err := u.setState(t, storage.TransferComplete); err != nil {
		u.log.Errorf("Failed to persist completion of %q: %v", t.ID, err)
		return
	}
	u.notifyFinished(t)
	if rpc, err := u.registrar(); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rpc.FinishedFileUpload(ctx, t.FileID); err != nil {
			u.log.Warningf("Failed to report finished upload %q: %v", t.ID, err)
		}
	}
}

func (u *UploadAgent) reportPaused(t *storage.Transfer) {
	rpc, err := u.registrar()
	if err != nil || t.FileID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rpc.PausedFileUpload(ctx, t.FileID); err != nil {
		u.log.Warningf("Failed to report paused upload %q: %v", t.ID, err)
	}
}

func (u *UploadAgent) reportFailed(t *storage.Transfer) {
	rpc, err := u.registrar()
	if err != nil || t.FileID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rpc.FailedFileUpload(ctx, t.FileID); err != nil {
		u.log.Warningf("Failed to report failed upload %q: %v", t.ID, err)
	}
}
