package routingtable

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/duskmesh/dht/internal/id"
)

// snapshotMagic tags the on-disk format so Load can reject foreign
// files early instead of misparsing them.
const snapshotMagic = uint32(0xD47ADEAD)

// Save encodes the flat entry list plus a snapshot timestamp into the
// stable binary format described in §6 and writes it to path.
func (rt *RoutingTable) Save(path string) error {
	entries := rt.allEntries()

	buf := make([]byte, 0, 16+len(entries)*64)
	var hdr [16]byte
	binary.BigEndian.PutUint32(hdr[0:4], snapshotMagic)
	binary.BigEndian.PutUint64(hdr[4:12], uint64(time.Now().Unix()))
	binary.BigEndian.PutUint32(hdr[12:16], uint32(len(entries)))
	buf = append(buf, hdr[:]...)

	for _, e := range entries {
		buf = append(buf, encodeEntry(e)...)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0600); err != nil {
		return fmt.Errorf("routingtable: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("routingtable: persist snapshot: %w", err)
	}
	return nil
}

func (rt *RoutingTable) allEntries() []*KBucketEntry {
	var out []*KBucketEntry
	for _, b := range rt.Buckets() {
		out = append(out, b.All()...)
	}
	return out
}

// encodeEntry writes one KBucketEntry as:
//
//	id(32) addrLen(1) addr(4 or 16) port(2 BE) version(4 BE)
//	created(8 BE) lastSeen(8 BE) lastSent(8 BE)
//	reachable(1) failedRequests(4 BE)
func encodeEntry(e *KBucketEntry) []byte {
	ip4 := e.Info.Addr.IP.To4()
	addrLen := 16
	ipBytes := e.Info.Addr.IP.To16()
	if ip4 != nil {
		addrLen = 4
		ipBytes = ip4
	}

	buf := make([]byte, 0, 32+1+addrLen+2+4+8+8+8+1+4)
	buf = append(buf, e.Info.Id.Bytes()...)
	buf = append(buf, byte(addrLen))
	buf = append(buf, ipBytes...)

	var tmp [8]byte
	binary.BigEndian.PutUint16(tmp[:2], uint16(e.Info.Addr.Port))
	buf = append(buf, tmp[:2]...)
	binary.BigEndian.PutUint32(tmp[:4], uint32(e.Info.Version))
	buf = append(buf, tmp[:4]...)
	binary.BigEndian.PutUint64(tmp[:8], uint64(e.Created.Unix()))
	buf = append(buf, tmp[:8]...)
	binary.BigEndian.PutUint64(tmp[:8], uint64(e.LastSeen.Unix()))
	buf = append(buf, tmp[:8]...)
	binary.BigEndian.PutUint64(tmp[:8], uint64(e.LastSent.Unix()))
	buf = append(buf, tmp[:8]...)

	if e.Reachable {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	binary.BigEndian.PutUint32(tmp[:4], uint32(e.FailedRequests))
	buf = append(buf, tmp[:4]...)

	return buf
}

func decodeEntry(buf []byte) (*KBucketEntry, int, error) {
	const fixedAfterAddr = 2 + 4 + 8 + 8 + 8 + 1 + 4
	if len(buf) < id.Size+1 {
		return nil, 0, fmt.Errorf("routingtable: truncated entry header")
	}
	nodeID, err := id.FromBytes(buf[:id.Size])
	if err != nil {
		return nil, 0, err
	}
	off := id.Size
	addrLen := int(buf[off])
	off++
	if addrLen != 4 && addrLen != 16 {
		return nil, 0, fmt.Errorf("routingtable: invalid address length %d", addrLen)
	}
	if len(buf) < off+addrLen+fixedAfterAddr {
		return nil, 0, fmt.Errorf("routingtable: truncated entry body")
	}
	ip := make(net.IP, addrLen)
	copy(ip, buf[off:off+addrLen])
	off += addrLen

	port := binary.BigEndian.Uint16(buf[off : off+2])
	off += 2
	version := binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	created := int64(binary.BigEndian.Uint64(buf[off : off+8]))
	off += 8
	lastSeen := int64(binary.BigEndian.Uint64(buf[off : off+8]))
	off += 8
	lastSent := int64(binary.BigEndian.Uint64(buf[off : off+8]))
	off += 8
	reachable := buf[off] == 1
	off++
	failedRequests := int32(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4

	e := &KBucketEntry{
		Info: NodeInfo{
			Id:      nodeID,
			Addr:    &net.UDPAddr{IP: ip, Port: int(port)},
			Version: int32(version),
		},
		Created:        time.Unix(created, 0),
		LastSeen:       time.Unix(lastSeen, 0),
		LastSent:       time.Unix(lastSent, 0),
		Reachable:      reachable,
		FailedRequests: failedRequests,
	}
	return e, off, nil
}

// Load reads a snapshot written by Save and re-inserts each entry one
// at a time via Put, so bucket splits occur naturally exactly as they
// would have during live traffic.
func (rt *RoutingTable) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("routingtable: read snapshot: %w", err)
	}
	if len(data) < 16 {
		return fmt.Errorf("routingtable: snapshot too short")
	}
	magic := binary.BigEndian.Uint32(data[0:4])
	if magic != snapshotMagic {
		return fmt.Errorf("routingtable: bad snapshot magic")
	}
	count := binary.BigEndian.Uint32(data[12:16])

	buf := data[16:]
	for n := uint32(0); n < count; n++ {
		e, consumed, err := decodeEntry(buf)
		if err != nil {
			return fmt.Errorf("routingtable: decode entry %d: %w", n, err)
		}
		rt.Put(e)
		buf = buf[consumed:]
	}
	return nil
}
