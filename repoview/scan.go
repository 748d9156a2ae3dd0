package repoview

import (
	"context"
	"fmt"

	"rekkord/blobcodec"
	"rekkord/channel"
	"rekkord/oid"
	"rekkord/rekkorderr"
	"rekkord/treecodec"
)

// ScanError ties one verification failure to the OID it occurred at.
type ScanError struct {
	OID     oid.OID
	Channel string
	Err     error
}

func (e ScanError) Error() string {
	return fmt.Sprintf("%s (channel %s): %v", e.OID.Short(), e.Channel, e.Err)
}

// ScanResult summarizes one integrity scan.
type ScanResult struct {
	Channels     int
	BlobsScanned int
	Errors       []ScanError
}

// Failed reports whether the scan found at least one problem.
func (r ScanResult) Failed() bool { return len(r.Errors) > 0 }

// Scan walks every blob reachable from every channel's current snapshot
// and verifies it end to end: the envelope decrypts, the recomputed keyed
// hash matches the OID, and every OID referenced by a dir or file-index is
// itself readable. A corrupt blob is recorded against its OID and the scan
// moves on, so one flipped bit in one envelope reports exactly one error
// and leaves unrelated snapshots verifiable.
func (v *View) Scan(ctx context.Context) (ScanResult, error) {
	names, err := channel.Channels(ctx, v.bs.Backend(), v.bs.Keys())
	if err != nil {
		return ScanResult{}, err
	}

	s := &scanner{view: v, seen: make(map[oid.OID]bool)}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return s.result, rekkorderr.New(rekkorderr.Cancelled, "scan", err)
		}
		entry, err := channel.Current(ctx, v.bs.Backend(), v.bs.Keys(), name)
		if err != nil {
			s.record(oid.Zero, name, err)
			continue
		}
		s.result.Channels++
		s.scanBlob(ctx, entry.Snapshot, name)
	}
	return s.result, nil
}

type scanner struct {
	view   *View
	seen   map[oid.OID]bool
	result ScanResult
}

func (s *scanner) record(id oid.OID, channelName string, err error) {
	s.result.Errors = append(s.result.Errors, ScanError{OID: id, Channel: channelName, Err: err})
}

// scanBlob fetches and verifies one blob, then recurses into whatever it
// references. Blobs shared between snapshots are verified once.
func (s *scanner) scanBlob(ctx context.Context, id oid.OID, channelName string) {
	if s.seen[id] || ctx.Err() != nil {
		return
	}
	s.seen[id] = true

	blobType, plain, err := s.view.bs.GetBlob(ctx, id)
	if err != nil {
		s.record(id, channelName, err)
		return
	}
	s.result.BlobsScanned++

	switch blobType {
	case blobcodec.TypeSnapshot:
		snap, err := treecodec.DecodeSnapshot(plain)
		if err != nil {
			s.record(id, channelName, err)
			return
		}
		s.scanBlob(ctx, snap.Root, channelName)
	case blobcodec.TypeDir:
		d, err := treecodec.DecodeDir(plain)
		if err != nil {
			s.record(id, channelName, err)
			return
		}
		for _, e := range d.Entries {
			if e.Absent {
				continue
			}
			s.scanBlob(ctx, e.Child, channelName)
		}
	case blobcodec.TypeFileIndex:
		fi, err := treecodec.DecodeFileIndex(plain)
		if err != nil {
			s.record(id, channelName, err)
			return
		}
		for _, c := range fi.Chunks {
			s.scanBlob(ctx, c.OID, channelName)
		}
	case blobcodec.TypeLink:
		if _, err := treecodec.DecodeLink(plain); err != nil {
			s.record(id, channelName, err)
		}
	case blobcodec.TypeChunk:
		// Contents already verified by the keyed-hash recheck in GetBlob.
	}
}
