package cryptoutils

import (
	"crypto/sha512"
	"encoding/binary"

	"github.com/ruteri/tee-solver-registry/interfaces"
)

// ReportDataVersion is the first two bytes (big-endian) of a key-binding report data.
const ReportDataVersion uint16 = 1

// ReportDataForPublicKey binds a worker public key to a TDX report:
// version (2 bytes, BE) || SHA384(raw key bytes) || zero padding to 64 bytes.
func ReportDataForPublicKey(pk interfaces.PublicKey) [64]byte {
	var reportData [64]byte
	binary.BigEndian.PutUint16(reportData[:2], ReportDataVersion)
	keyHash := sha512.Sum384(pk.Data)
	copy(reportData[2:], keyHash[:])
	return reportData
}
