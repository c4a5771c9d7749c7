package utils

// BytesToHex converts a byte slice to a hexadecimal string, used to log frames
// that contain unprintable bytes.
func BytesToHex(b []byte) string {
	const hexd = "0123456789ABCDEF"
	out := make([]byte, 0, len(b)*2)
	for _, x := range b {
		out = append(out, hexd[x>>4], hexd[x&0x0F])
	}
	return string(out)
}
