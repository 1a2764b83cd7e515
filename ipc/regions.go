package ipc

import (
	"os"

	"github.com/wippyai/wasm-sandbox/errors"
)

// MaxEvictBatch is the most descriptors one EvictNotice carries. Larger
// evictions are split so every notice stays under MaxMessageSize.
const MaxEvictBatch = 256

// NewRegionsFile writes regions to a memfd passed next to Initialize.
// The list grows with the cache and does not fit a message.
func NewRegionsFile(regions []Region) (*os.File, error) {
	if regions == nil {
		regions = []Region{}
	}
	data, err := encMode.Marshal(regions)
	if err != nil {
		return nil, errors.Transport("encode live regions", err)
	}
	return NewMemfd("live-regions", data)
}

// ReadRegions decodes a file written by NewRegionsFile.
func ReadRegions(f *os.File) ([]Region, error) {
	data, err := ReadFile(f)
	if err != nil {
		return nil, err
	}
	var regions []Region
	if err := decMode.Unmarshal(data, &regions); err != nil {
		return nil, errors.Transport("decode live regions", err)
	}
	return regions, nil
}

// EvictBatches splits codes into notices of at most MaxEvictBatch entries.
func EvictBatches(notice EvictNotice) []EvictNotice {
	var out []EvictNotice
	codes := notice.Codes
	for len(codes) > MaxEvictBatch {
		out = append(out, EvictNotice{Codes: codes[:MaxEvictBatch:MaxEvictBatch]})
		codes = codes[MaxEvictBatch:]
	}
	return append(out, EvictNotice{Codes: codes})
}
