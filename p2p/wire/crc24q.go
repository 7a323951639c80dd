package wire

const crc24qPoly = 0x1864CFB

var crc24qTable = func() [256]uint32 {
	var table [256]uint32
	for i := range table {
		crc := uint32(i) << 16
		for bit := 0; bit < 8; bit++ {
			crc <<= 1
			if crc&0x1000000 != 0 {
				crc ^= crc24qPoly
			}
		}
		table[i] = crc & 0xFFFFFF
	}
	return table
}()

// CRC24Q returns the Qualcomm CRC-24 (init 0) of data.
func CRC24Q(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc = ((crc << 8) & 0xFFFFFF) ^ crc24qTable[byte(crc>>16)^b]
	}
	return crc
}
