package chunker

// gearTable holds the per-byte gear values for the rolling hash. The values
// are derived once from a fixed seed with splitmix64 so chunk boundaries
// stay identical across builds and hosts; resume and range diff need the
// boundaries to line up between runs.
var gearTable = buildGearTable()

func buildGearTable() [256]uint64 {
	var t [256]uint64
	state := uint64(0x9e3779b97f4a7c15)
	for i := range t {
		state += 0x9e3779b97f4a7c15
		z := state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		t[i] = z ^ (z >> 31)
	}
	return t
}
