package codec

import (
	"math"
	"path"
	"strings"
)

// entropySampleSize bounds how much of a chunk the heuristic inspects.
const entropySampleSize = 4096

// entropyCeiling is the sampled Shannon entropy (bits per byte) above which
// a chunk is treated as incompressible. Compressed archives, media, and
// encrypted data all sit near 8.0.
const entropyCeiling = 7.2

// compressibleExts are file extensions known to compress well. Chunks from
// these files skip the entropy sample and go straight to the encoder.
var compressibleExts = map[string]bool{
	".txt": true, ".log": true, ".csv": true, ".json": true,
	".xml": true, ".html": true, ".css": true, ".js": true,
	".yaml": true, ".yml": true, ".md": true, ".toml": true,
}

// Hint carries cheap per-file information into the encode decision.
type Hint struct {
	RelPath string
}

// Compressible reports whether raw looks worth compressing: a declared
// compressible extension wins outright, otherwise a sampled entropy estimate
// decides.
func (h Hint) Compressible(raw []byte) bool {
	if h.RelPath != "" {
		ext := strings.ToLower(path.Ext(h.RelPath))
		if compressibleExts[ext] {
			return true
		}
	}
	return sampledEntropy(raw) < entropyCeiling
}

// sampledEntropy computes Shannon entropy in bits per byte over at most
// entropySampleSize bytes taken from the front of raw.
func sampledEntropy(raw []byte) float64 {
	if len(raw) == 0 {
		return 0
	}
	sample := raw
	if len(sample) > entropySampleSize {
		sample = sample[:entropySampleSize]
	}

	var counts [256]int
	for _, b := range sample {
		counts[b]++
	}

	total := float64(len(sample))
	var entropy float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}
