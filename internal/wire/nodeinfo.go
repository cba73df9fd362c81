package wire

import (
	"net"

	"github.com/duskmesh/dht/internal/id"
	"github.com/duskmesh/dht/internal/routingtable"
)

// Field keys within one encoded NodeInfo map entry.
const (
	nodeKeyID      = "id"
	nodeKeyAddr    = "addr"
	nodeKeyVersion = "ver"
)

// EncodeNodeInfo wraps a single NodeInfo as a map Value suitable for
// embedding in a find_node/find_value response's node list.
func EncodeNodeInfo(ni routingtable.NodeInfo) *Value {
	m := Map{
		nodeKeyID:      Bytes(ni.Id.Bytes()),
		nodeKeyVersion: Int32(ni.Version),
	}
	if ni.Addr != nil {
		m[nodeKeyAddr] = String(ni.Addr.String())
	}
	return MapValue(m)
}

// EncodeNodeList wraps a slice of NodeInfo as the `n4`/`n6` list field.
func EncodeNodeList(nodes []routingtable.NodeInfo) *Value {
	list := make([]*Value, 0, len(nodes))
	for _, n := range nodes {
		list = append(list, EncodeNodeInfo(n))
	}
	return List(list)
}

// DecodeNodeInfo parses one node entry back into a NodeInfo.
func DecodeNodeInfo(m Map) (routingtable.NodeInfo, bool) {
	idBytes, ok := m[nodeKeyID].AsBytes()
	if !ok {
		return routingtable.NodeInfo{}, false
	}
	nid, err := id.FromBytes(idBytes)
	if err != nil {
		return routingtable.NodeInfo{}, false
	}
	var udpAddr *net.UDPAddr
	if addrStr, ok := m[nodeKeyAddr].AsString(); ok {
		a, err := net.ResolveUDPAddr("udp", addrStr)
		if err != nil {
			return routingtable.NodeInfo{}, false
		}
		udpAddr = a
	}
	version, _ := m[nodeKeyVersion].AsInt32()
	return routingtable.NodeInfo{Id: nid, Addr: udpAddr, Version: version}, true
}

// DecodeNodeList parses the `n4`/`n6` list field back into NodeInfos,
// skipping any malformed entries rather than failing the whole decode.
func DecodeNodeList(list []*Value) []routingtable.NodeInfo {
	var out []routingtable.NodeInfo
	for _, item := range list {
		m, ok := item.AsMap()
		if !ok {
			continue
		}
		if ni, ok := DecodeNodeInfo(m); ok {
			out = append(out, ni)
		}
	}
	return out
}
