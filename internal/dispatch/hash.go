package dispatch

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/ignite/dispatch-engine/internal/subscribers"
)

// hashTimeLayout renders the subscriber creation timestamp to the second.
// Folding the creation time into the hash means a full unsubscribe/delete/
// re-subscribe cycle invalidates old links, while in-place edits (which keep
// date_created stable) do not.
const hashTimeLayout = "2006-01-02-15-04-05"

// SecureHash derives the non-guessable token that authorizes unsubscribe and
// view actions for one (object, subscriber) pair. The "$" separator cannot
// be produced by the numeric and timestamp fields, so field boundaries are
// unambiguous.
func SecureHash(secret, objectKey string, sub *subscribers.Subscriber) string {
	payload := strings.Join([]string{
		secret,
		objectKey,
		strconv.FormatInt(sub.ID, 10),
		sub.DateCreated.Format(hashTimeLayout),
	}, "$")
	sum := sha1.Sum([]byte(payload))
	return hex.EncodeToString(sum[:])
}
