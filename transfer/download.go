// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

package transfer

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/katzenpost/katzenpost/core/log"

	"github.com/hoccer/hoccer-talk-spike-sub001/crypto"
	"github.com/hoccer/hoccer-talk-spike-sub001/storage"
)

const downloadChunkSize = 32 * 1024

// DownloadAgent pulls attachment and avatar content from relay storage.
// Interrupted downloads resume from the persisted byte offset with HTTP
// range requests; completed ciphertext is decrypted and type-detected
// before the file reaches its final location.
type DownloadAgent struct {
	agent

	policy *Policy
}

// NewDownloadAgent creates a download agent with threads pool workers.
func NewDownloadAgent(store *storage.Store, logBackend *log.Backend, threads, maxFailures int, policy *Policy) *DownloadAgent {
	d := &DownloadAgent{policy: policy}
	d.agent.init(store, logBackend.GetLogger("transfer/download"), threads, maxFailures)
	d.run = d.attempt
	return d
}

// StartDownload admits a fresh download.  Deferred downloads park in the
// on-hold state until ResumeDownload forces them.
func (d *DownloadAgent) StartDownload(t *storage.Transfer) error {
	if t.ScratchPath == "" {
		t.ScratchPath = t.Path + ".part"
	}
	if !d.policy.Admit(t) {
		d.log.Noticef("Download %q deferred by policy", t.ID)
		return d.setState(t, storage.TransferOnHold)
	}
	if err := d.setState(t, storage.TransferDownloading); err != nil {
		return err
	}
	d.notifyStarted(t)
	d.schedule(t.ID, 0)
	return nil
}

// ResumeDownload restarts a paused, held, retrying or failed download.  It
// bypasses the admission policy: resuming is always an explicit request.
// The failure count is kept so the retry budget spans pauses.
func (d *DownloadAgent) ResumeDownload(id string) error {
	t, err := d.store.GetTransfer(id)
	if err != nil {
		return err
	}
	switch t.State {
	case storage.TransferDownloading, storage.TransferComplete:
		return nil
	case storage.TransferPaused, storage.TransferOnHold, storage.TransferRetrying, storage.TransferFailed:
	default:
		return fmt.Errorf("transfer: cannot resume download in state %s", t.State)
	}
	if t.State == storage.TransferFailed {
		t.Failures = 0
	}
	if err := d.setState(t, storage.TransferDownloading); err != nil {
		return err
	}
	d.schedule(t.ID, 0)
	return nil
}

// PauseDownload stops a download without booking a failure.  The scratch
// file and byte offset survive, so a later resume continues where the
// pause hit.
func (d *DownloadAgent) PauseDownload(id string) error {
	d.cancelFuture(id)
	t, err := d.store.GetTransfer(id)
	if err != nil {
		return err
	}
	switch t.State {
	case storage.TransferDownloading, storage.TransferRetrying, storage.TransferOnHold:
		return d.setState(t, storage.TransferPaused)
	}
	return nil
}

// AbortDownload cancels a download terminally and acknowledges the abort
// to the relay so it stops waiting for the receipt.
func (d *DownloadAgent) AbortDownload(id string) error {
	d.cancelFuture(id)
	t, err := d.store.GetTransfer(id)
	if err != nil {
		return err
	}
	if t.State == storage.TransferComplete {
		return nil
	}
	if t.ScratchPath != "" {
		os.Remove(t.ScratchPath)
	}
	if err := d.setState(t, storage.TransferFailed); err != nil {
		return err
	}
	if rpc, err := d.registrar(); err == nil && t.FileID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rpc.AcknowledgeAbortedFileDownload(ctx, t.FileID); err != nil {
			d.log.Warningf("Failed to acknowledge aborted download %q: %v", t.ID, err)
		}
	}
	return nil
}

// ResumeAll reschedules every download interrupted by a shutdown or
// connection loss, and re-evaluates the policy for held ones.
func (d *DownloadAgent) ResumeAll() {
	ts, err := d.store.TransfersWhere(func(t *storage.Transfer) bool {
		return t.Direction == storage.TransferDownload
	})
	if err != nil {
		d.log.Errorf("Failed to enumerate downloads: %v", err)
		return
	}
	for _, t := range ts {
		switch t.State {
		case storage.TransferNew, storage.TransferDownloading, storage.TransferRetrying,
			storage.TransferDecrypting, storage.TransferDetecting:
			d.schedule(t.ID, 0)
		case storage.TransferOnHold:
			if d.policy.Admit(t) {
				if err := d.setState(t, storage.TransferDownloading); err == nil {
					d.schedule(t.ID, 0)
				}
			}
		}
	}
}

// attempt is one download attempt: fetch the remaining bytes, then run the
// post-processing stages.
func (d *DownloadAgent) attempt(ctx context.Context, t *storage.Transfer) {
	switch t.State {
	case storage.TransferNew, storage.TransferRetrying:
		if err := d.setState(t, storage.TransferDownloading); err != nil {
			d.log.Errorf("Failed to persist download state of %q: %v", t.ID, err)
			return
		}
	case storage.TransferDownloading, storage.TransferDecrypting, storage.TransferDetecting:
	default:
		// Paused or aborted while queued.
		return
	}

	if t.TransferredBytes < t.ContentLength || t.ContentLength <= 0 {
		if err := d.fetch(ctx, t); err != nil {
			if ctx.Err() != nil {
				// Pause or shutdown, not a failure.
				return
			}
			if !d.fail(t, err, storage.TransferRetrying) {
				d.acknowledgeFailed(t)
			}
			return
		}
	}

	path := t.ScratchPath
	if t.Key != nil {
		if err := d.setState(t, storage.TransferDecrypting); err != nil {
			d.log.Errorf("Failed to persist decrypt state of %q: %v", t.ID, err)
			return
		}
		plain, err := d.decrypt(t)
		if err != nil {
			// Corrupt or forged ciphertext does not heal with retries.
			d.log.Errorf("Download %q failed decrypt: %v", t.ID, err)
			if serr := d.setState(t, storage.TransferFailed); serr != nil {
				d.log.Errorf("Failed to persist terminal failure of %q: %v", t.ID, serr)
			}
			d.notifyFailed(t, err)
			d.acknowledgeFailed(t)
			return
		}
		path = plain
	}

	if err := d.setState(t, storage.TransferDetecting); err != nil {
		d.log.Errorf("Failed to persist detect state of %q: %v", t.ID, err)
		return
	}
	if err := d.finalize(t, path); err != nil {
		if !d.fail(t, err, storage.TransferRetrying) {
			d.acknowledgeFailed(t)
		}
		return
	}

	t.Failures = 0
	if err := d.setState(t, storage.TransferComplete); err != nil {
		d.log.Errorf("Failed to persist completion of %q: %v", t.ID, err)
		return
	}
	d.notifyFinished(t)
	d.markAttachmentReceived(t)
	if rpc, err := d.registrar(); err == nil && t.FileID != "" {
		rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rpc.ReceivedFile(rctx, t.FileID); err != nil {
			d.log.Warningf("Failed to report received file %q: %v", t.ID, err)
		}
	}
}

// fetch appends the remaining bytes to the scratch file, persisting the
// byte offset after every chunk so an interruption loses at most one
// chunk of progress.
func (d *DownloadAgent) fetch(ctx context.Context, t *storage.Transfer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return err
	}
	if t.TransferredBytes > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", t.TransferredBytes))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if t.TransferredBytes > 0 {
			// The server ignored the range; start over.
			d.log.Warningf("Download %q range ignored, restarting from zero", t.ID)
			t.TransferredBytes = 0
			if err := os.Remove(t.ScratchPath); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	case http.StatusPartialContent:
	default:
		return fmt.Errorf("transfer: unexpected download status %d", resp.StatusCode)
	}

	if t.ContentLength <= 0 && resp.ContentLength > 0 {
		t.ContentLength = t.TransferredBytes + resp.ContentLength
	}

	f, err := os.OpenFile(t.ScratchPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, downloadChunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return werr
			}
			t.TransferredBytes += int64(n)
			if perr := d.store.PutTransfer(t); perr != nil {
				return perr
			}
			d.notifyProgress(t, t.TransferredBytes, t.ContentLength)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}

	if t.TransferredBytes < t.ContentLength {
		return fmt.Errorf("transfer: short download: %d of %d bytes",
			t.TransferredBytes, t.ContentLength)
	}
	return nil
}

// decrypt streams the ciphertext scratch file through the CBC filter while
// digesting the recovered content, and verifies the digest against the one
// announced in the attachment descriptor when present.  It returns the
// plaintext scratch path.
func (d *DownloadAgent) decrypt(t *storage.Transfer) (string, error) {
	plainPath := t.ScratchPath + ".plain"
	src, err := os.Open(t.ScratchPath)
	if err != nil {
		// A retry after the ciphertext was already consumed.
		if os.IsNotExist(err) {
			if _, serr := os.Stat(plainPath); serr == nil {
				return plainPath, nil
			}
		}
		return "", err
	}
	defer src.Close()

	dst, err := os.OpenFile(plainPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	digest := crypto.NewDigest()
	dw, err := crypto.NewDecryptWriter(t.Key, io.MultiWriter(dst, digest))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dw, src); err != nil {
		os.Remove(plainPath)
		return "", err
	}
	if err := dw.Close(); err != nil {
		os.Remove(plainPath)
		return "", err
	}
	if t.ExpectedMAC != nil && !crypto.HMACEqual(digest.Sum(nil), t.ExpectedMAC) {
		os.Remove(plainPath)
		return "", fmt.Errorf("transfer: ciphertext digest mismatch")
	}

	os.Remove(t.ScratchPath)
	return plainPath, nil
}

// finalize sniffs the content type and moves the scratch file to a
// collision-free final location with a matching extension.
func (d *DownloadAgent) finalize(t *storage.Transfer, scratch string) error {
	f, err := os.Open(scratch)
	if err != nil {
		return err
	}
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	f.Close()
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return err
	}
	detected := http.DetectContentType(head[:n])
	if i := strings.IndexByte(detected, ';'); i >= 0 {
		detected = detected[:i]
	}
	if t.MediaType == "" || t.MediaType == "application/octet-stream" {
		t.MediaType = detected
	}

	ext := filepath.Ext(t.Path)
	if ext == "" {
		if exts, _ := mime.ExtensionsByType(t.MediaType); len(exts) > 0 {
			ext = exts[0]
		} else {
			ext = ".bin"
		}
	}
	base := strings.TrimSuffix(t.Path, filepath.Ext(t.Path))
	final := base + ext
	for i := 1; ; i++ {
		if _, err := os.Stat(final); os.IsNotExist(err) {
			break
		}
		final = fmt.Sprintf("%s-%d%s", base, i, ext)
	}

	if err := os.Rename(scratch, final); err != nil {
		return err
	}
	t.Path = final
	t.ScratchPath = ""
	return nil
}

// markAttachmentReceived flips the owning delivery's attachment state once
// the content is on disk, so the local record matches what the relay will
// learn from the receivedFile report.
func (d *DownloadAgent) markAttachmentReceived(t *storage.Transfer) {
	if t.Type != storage.TransferAttachment {
		return
	}
	msgs, err := d.store.MessagesWhere(func(m *storage.Message) bool {
		return m.TransferID == t.ID
	})
	if err != nil || len(msgs) == 0 {
		return
	}
	del, err := d.store.GetDelivery(msgs[0].LocalID, false)
	if err != nil {
		return
	}
	if del.Attachment == storage.AttachmentReceived {
		return
	}
	del.Attachment = storage.AttachmentReceived
	del.UpdatedAt = time.Now()
	if err := d.store.PutDelivery(del); err != nil {
		d.log.Warningf("Failed to record received attachment of %q: %v", t.ID, err)
	}
}

// acknowledgeFailed tells the relay a download will never succeed.
func (d *DownloadAgent) acknowledgeFailed(t *storage.Transfer) {
	rpc, err := d.registrar()
	if err != nil || t.FileID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rpc.AcknowledgeFailedFileDownload(ctx, t.FileID); err != nil {
		d.log.Warningf("Failed to acknowledge failed download %q: %v", t.ID, err)
	}
}
