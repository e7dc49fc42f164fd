package protocol

// Checksum is the 16-bit additive sum of every byte in buf.
func Checksum(buf []byte) uint16 {
	var sum uint16
	for _, b := range buf {
		sum += uint16(b)
	}
	return sum
}
