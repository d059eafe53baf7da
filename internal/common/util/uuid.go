package util

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid"
)

var entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
var m sync.Mutex

// NewULID returns a lower-case, lexically sortable id. Entity ids are ULIDs so that listing them
// in index order also lists them in creation order.
func NewULID() string {
	m.Lock()
	defer m.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Now(), entropy).String())
}

// NewHexUUID returns a random uuid without dashes, short enough for Kubernetes label values.
func NewHexUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
