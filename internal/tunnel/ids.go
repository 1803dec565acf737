// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roost Contributors

package tunnel

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

// NewSID generates a subscription identifier. ULIDs keep sids unique across
// both sides of a tunnel so a sid is registered in at most one place.
func NewSID() string {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
