// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PayRelay Contributors

package relay

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// newClientID generates a fresh connection identifier. ULIDs are unique for
// the process lifetime and sort by accept time, which keeps logs readable.
func newClientID() string {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
