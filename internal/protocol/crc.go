package protocol

// CRC-16/CCITT-FALSE: polynomial 0x1021, init 0xFFFF, no reflection, no
// final XOR. Both ends of a link must agree on these parameters.
const (
	crcPolynomial uint16 = 0x1021
	crcInitial    uint16 = 0xFFFF
)

var crcTable = makeCRCTable(crcPolynomial)

func makeCRCTable(poly uint16) *[256]uint16 {
	var t [256]uint16
	for i := range t {
		crc := uint16(i) << 8
		for range 8 {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return &t
}

// CRC16 returns the checksum of b. The checksum of an empty slice is the
// initial value, 0xFFFF.
func CRC16(b []byte) uint16 {
	crc := crcInitial
	for _, v := range b {
		crc = crc<<8 ^ crcTable[byte(crc>>8)^v]
	}
	return crc
}
