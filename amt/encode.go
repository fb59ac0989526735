package amt

import (
	"encoding/binary"

	"github.com/consensys/gnark-crypto/ecc/bn254"

	"github.com/eth2030/lvmt/lvmterrors"
)

// EncodeAmtNode serializes an AmtNode as its 8-byte big-endian version
// followed by the point's compressed encoding, the CurvePointWithVersion
// wire format of spec.md §4.5.
func EncodeAmtNode(n AmtNode) []byte {
	compressed := n.Point.Bytes()
	out := make([]byte, 8+len(compressed))
	binary.BigEndian.PutUint64(out[:8], n.Version)
	copy(out[8:], compressed[:])
	return out
}

const sizeG1Compressed = 32

func DecodeAmtNode(raw []byte) (AmtNode, error) {
	if len(raw) != 8+sizeG1Compressed {
		return AmtNode{}, lvmterrors.ErrIncorrectLength
	}
	version := binary.BigEndian.Uint64(raw[:8])
	var point bn254.G1Affine
	if _, err := point.SetBytes(raw[8:]); err != nil {
		return AmtNode{}, lvmterrors.ErrCryptoError
	}
	return AmtNode{Version: version, Point: point}, nil
}
