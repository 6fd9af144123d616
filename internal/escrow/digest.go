package escrow

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/finbask/finbask/pkg/models"
)

// Order digest kind bytes
const (
	digestKindBuy  byte = 0x01
	digestKindSell byte = 0x02
)

// OrderDigest computes the canonical content address of an order. The
// encoding is pinned by TestOrderDigestPinned; changing the field set, field
// order, or byte layout breaks every order identity built on it.
//
// Layout, in order:
//
//	kind          1 byte  (0x01 buy, 0x02 sell)
//	creator      20 bytes
//	basket       20 bytes
//	basketAmount  4-byte big-endian length, then the decimal string
//	baseAmount    4-byte big-endian length, then the decimal string
//	expiresAt     8 bytes big-endian (unix seconds)
//	nonce         8 bytes big-endian
//
// The digest is the Keccak-256 hash of the concatenation. Amounts are encoded
// as canonical decimal strings with an explicit length prefix so that no two
// distinct tuples can produce the same byte stream.
func OrderDigest(t models.OrderTerms) common.Hash {
	kind := digestKindBuy
	if t.Kind == models.OrderKindSell {
		kind = digestKindSell
	}

	basketAmt := []byte(t.BasketAmount.String())
	baseAmt := []byte(t.BaseAmount.String())

	buf := make([]byte, 0, 1+20+20+4+len(basketAmt)+4+len(baseAmt)+8+8)
	buf = append(buf, kind)
	buf = append(buf, t.Creator.Bytes()...)
	buf = append(buf, t.Basket.Bytes()...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(basketAmt)))
	buf = append(buf, basketAmt...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(baseAmt)))
	buf = append(buf, baseAmt...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(t.ExpiresAt))
	buf = binary.BigEndian.AppendUint64(buf, t.Nonce)

	return crypto.Keccak256Hash(buf)
}
