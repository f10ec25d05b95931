// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

package transfer

import (
	"github.com/hoccer/hoccer-talk-spike-sub001/storage"
)

// Policy is the download admission policy.  It is configuration, not
// protocol state: a download it defers parks in onHold until the policy
// changes or the user forces it.
type Policy struct {
	// MaxDownloadSize defers downloads larger than this many bytes; zero
	// means no limit.
	MaxDownloadSize int64

	// ManualOnly defers every download.
	ManualOnly bool

	// ManualBroadcast defers only downloads of broadcast-sourced content.
	ManualBroadcast bool
}

// Admit reports whether a download may start now.
func (p *Policy) Admit(t *storage.Transfer) bool {
	if p == nil {
		return true
	}
	if p.ManualOnly {
		return false
	}
	if p.ManualBroadcast && t.Class == storage.ClassBroadcast {
		return false
	}
	if p.MaxDownloadSize > 0 && t.ContentLength > p.MaxDownloadSize {
		return false
	}
	return true
}
