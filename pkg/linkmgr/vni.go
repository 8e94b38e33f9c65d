package linkmgr

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
)

const (
	vniSpace = 16_000_000
	vniBase  = 1000
)

// AllocateVNI derives the VXLAN network identifier for a link. The
// derivation is a pure function of (lab, link name), so controller
// restarts and both agents always agree on it without coordination.
// Collisions between distinct links are possible but vanishingly rare;
// the duplicate-tunnel sweep catches them.
func AllocateVNI(labID, linkName string) int {
	sum := md5.Sum([]byte(labID + ":" + linkName))
	return int(binary.BigEndian.Uint64(sum[:8])%vniSpace) + vniBase
}

// VxlanPortName derives the deterministic OVS port name for a link's
// tunnel: "vxlan-" plus the first 8 hex chars of the md5, 14 chars total,
// within the OVS interface-name limit.
func VxlanPortName(labID, linkName string) string {
	sum := md5.Sum([]byte(labID + ":" + linkName))
	return "vxlan-" + hex.EncodeToString(sum[:])[:8]
}
