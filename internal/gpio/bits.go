package gpio

// signExtend24 converts a 24-bit two's complement value to int32.
func signExtend24(v uint32) int32 {
	return int32(v<<8) >> 8
}
