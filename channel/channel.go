// Package channel implements the append-only per-channel snapshot log:
// a signed, time-ordered sequence of snapshot OIDs persisted under the
// reserved channels/ prefix of the object store. There is no in-memory
// state here beyond a parsed Entry; every read walks the object store
// directly rather than caching derived state.
package channel

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"rekkord/keyring"
	"rekkord/objectstore"
	"rekkord/oid"
	"rekkord/rekkorderr"
	"rekkord/rlog"
)

const prefix = "channels/"

// Entry is one recorded snapshot in a channel's log.
type Entry struct {
	Channel   string
	Timestamp int64 // ms since Unix epoch
	Snapshot  oid.OID
}

func entryPath(channelName string, timestamp int64, snapshot oid.OID) string {
	return fmt.Sprintf("%s%s/%016x-%s", prefix, channelName, timestamp, snapshot.String())
}

// signaturePayload is what gets signed: binding channel name, timestamp
// and OID together so a signature can't be replayed onto a different
// triple.
func signaturePayload(channelName string, timestamp int64, snapshot oid.OID) []byte {
	return []byte(fmt.Sprintf("%s|%d|%s", channelName, timestamp, snapshot.String()))
}

// Append records a new snapshot OID under channelName at timestamp,
// signed with ks's channel-signing subkey. Requires WriteChannel. The
// caller must ensure the snapshot blob and everything it references is
// already durable before calling Append; readers take a recorded entry
// as proof the snapshot is complete.
func Append(ctx context.Context, store objectstore.Store, ks *keyring.KeySet, channelName string, timestamp int64, snapshot oid.OID) error {
	sig, err := ks.SignChannelEntry(signaturePayload(channelName, timestamp, snapshot))
	if err != nil {
		return err
	}
	if err := store.Put(ctx, entryPath(channelName, timestamp, snapshot), sig); err != nil {
		return rekkorderr.New(rekkorderr.Io, "append channel entry", err)
	}
	return nil
}

func parseEntryPath(p string) (Entry, bool) {
	trimmed := strings.TrimPrefix(p, prefix)
	if trimmed == p {
		return Entry{}, false
	}
	idx := strings.LastIndexByte(trimmed, '/')
	if idx < 0 {
		return Entry{}, false
	}
	channelName := trimmed[:idx]
	leaf := trimmed[idx+1:]

	dash := strings.IndexByte(leaf, '-')
	if dash < 0 {
		return Entry{}, false
	}
	ts, err := strconv.ParseInt(leaf[:dash], 16, 64)
	if err != nil {
		return Entry{}, false
	}
	id, err := oid.Parse(leaf[dash+1:])
	if err != nil {
		return Entry{}, false
	}
	return Entry{Channel: channelName, Timestamp: ts, Snapshot: id}, true
}

// List returns every entry recorded for channelName, in no particular
// order; callers that need ordering sort the result. Requires
// ReadChannel: each entry's stored signature is checked against ks, and
// entries that don't verify are ignored, so a path written to the
// channels/ prefix without the signing key never becomes history.
func List(ctx context.Context, store objectstore.Store, ks *keyring.KeySet, channelName string) ([]Entry, error) {
	paths, err := store.List(ctx, prefix+channelName+"/")
	if err != nil {
		return nil, rekkorderr.New(rekkorderr.Io, "list channel", err)
	}
	entries := make([]Entry, 0, len(paths))
	for _, p := range paths {
		e, ok := parseEntryPath(p)
		if !ok {
			continue
		}
		if !verified(ctx, store, ks, e) {
			rlog.Printf("channel: ignoring unverifiable entry %s", p)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// verified fetches entry's stored signature and checks it against ks.
func verified(ctx context.Context, store objectstore.Store, ks *keyring.KeySet, entry Entry) bool {
	sig, err := store.Get(ctx, entryPath(entry.Channel, entry.Timestamp, entry.Snapshot))
	if err != nil {
		return false
	}
	return ks.VerifyChannelEntry(ks.Kid, signaturePayload(entry.Channel, entry.Timestamp, entry.Snapshot), sig)
}

// less orders entries by (timestamp, oid) ascending. The current
// snapshot of a channel is the one with the largest timestamp; ties are
// broken by OID lexicographic order.
func less(a, b Entry) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return oid.Less(a.Snapshot, b.Snapshot)
}

// Current returns the current (most recent) verified entry for
// channelName.
func Current(ctx context.Context, store objectstore.Store, ks *keyring.KeySet, channelName string) (Entry, error) {
	entries, err := List(ctx, store, ks, channelName)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, rekkorderr.New(rekkorderr.NotFound, "current channel entry", errNoEntries(channelName))
	}
	sort.Slice(entries, func(i, j int) bool { return less(entries[i], entries[j]) })
	return entries[len(entries)-1], nil
}

type errNoEntries string

func (e errNoEntries) Error() string { return "channel has no snapshots: " + string(e) }

// Sorted returns channelName's verified entries ordered oldest-first.
func Sorted(ctx context.Context, store objectstore.Store, ks *keyring.KeySet, channelName string) ([]Entry, error) {
	entries, err := List(ctx, store, ks, channelName)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return less(entries[i], entries[j]) })
	return entries, nil
}

// Verify checks that entry's recorded signature was produced by a channel
// key with matching Kid. Requires ReadChannel.
func Verify(ctx context.Context, store objectstore.Store, ks *keyring.KeySet, entry Entry) (bool, error) {
	sig, err := store.Get(ctx, entryPath(entry.Channel, entry.Timestamp, entry.Snapshot))
	if err != nil {
		return false, rekkorderr.New(rekkorderr.Io, "verify channel entry", err)
	}
	return ks.VerifyChannelEntry(ks.Kid, signaturePayload(entry.Channel, entry.Timestamp, entry.Snapshot), sig), nil
}

// Channels lists the distinct channel names that have at least one
// verified entry.
func Channels(ctx context.Context, store objectstore.Store, ks *keyring.KeySet) ([]string, error) {
	paths, err := store.List(ctx, prefix)
	if err != nil {
		return nil, rekkorderr.New(rekkorderr.Io, "list channels", err)
	}
	seen := make(map[string]bool)
	var names []string
	for _, p := range paths {
		e, ok := parseEntryPath(p)
		if !ok || seen[e.Channel] {
			continue
		}
		if !verified(ctx, store, ks, e) {
			continue
		}
		seen[e.Channel] = true
		names = append(names, e.Channel)
	}
	sort.Strings(names)
	return names, nil
}

// Base exposes the reserved object-store prefix, for tools that need to
// enumerate raw channel paths directly (e.g. an out-of-band retention
// tool).
func Base() string { return prefix }

// EntryPath exposes entryPath for callers (e.g. RepositoryView.Scan) that
// need to recompute the exact on-store path of a known entry.
func EntryPath(channelName string, timestamp int64, snapshot oid.OID) string {
	return entryPath(channelName, timestamp, snapshot)
}
