package mathx

func AbsInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Hash2 is a stable per-cell hash; terrain generation depends on it not changing.
func Hash2(seed int64, x, y int) uint64 {
	ux := uint64(uint32(int32(x)))
	uy := uint64(uint32(int32(y)))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uy * 0xbf58476d1ce4e5b9)
	return mix64(v)
}

// Roll returns a value in [0,1000) derived from the cell hash and a salt.
func Roll(seed int64, x, y int, salt uint64) int {
	return int(mix64(Hash2(seed, x, y)^salt) % 1000)
}

func ClampPermille(v int) int {
	if v < 0 {
		return 0
	}
	if v > 1000 {
		return 1000
	}
	return v
}

// WithinRadius reports whether (x,y) lies inside the disc of radius r centred on (cx,cy).
func WithinRadius(x, y, cx, cy, r int) bool {
	if r <= 0 {
		return false
	}
	dx := int64(x - cx)
	dy := int64(y - cy)
	return dx*dx+dy*dy <= int64(r)*int64(r)
}
