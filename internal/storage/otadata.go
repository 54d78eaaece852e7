package storage

import (
	"encoding/binary"
	"hash/crc32"
	"os"

	"github.com/pkg/errors"
)

// otadata keeps two copies of a boot selection entry. The valid entry with
// the highest sequence wins; the boot slot is (seq-1) % slotCount, the same
// scheme ESP-IDF uses for its otadata partition.
const (
	otadataName  = "otadata"
	entrySize    = 32
	entryCopies  = 2
	labelSize    = 20
	emptySeq     = 0xFFFFFFFF
	reservedWord = 0xFFFFFFFF
)

type entry struct {
	Seq   uint32
	Label string
}

func encodeEntry(e entry) []byte {
	// 0-3:   sequence
	// 4-23:  label (zero padded)
	// 24-27: reserved
	// 28-31: crc32 of the sequence
	data := make([]byte, entrySize)
	binary.LittleEndian.PutUint32(data[0:4], e.Seq)
	copy(data[4:4+labelSize], e.Label)
	binary.LittleEndian.PutUint32(data[24:28], reservedWord)
	binary.LittleEndian.PutUint32(data[28:32], crc32.ChecksumIEEE(data[0:4]))
	return data
}

func decodeEntry(data []byte) (entry, bool) {
	if len(data) < entrySize {
		return entry{}, false
	}
	seq := binary.LittleEndian.Uint32(data[0:4])
	if seq == 0 || seq == emptySeq {
		return entry{}, false
	}
	if binary.LittleEndian.Uint32(data[28:32]) != crc32.ChecksumIEEE(data[0:4]) {
		return entry{}, false
	}

	label := data[4 : 4+labelSize]
	n := 0
	for n < len(label) && label[n] != 0 {
		n++
	}
	return entry{Seq: seq, Label: string(label[:n])}, true
}

// readOtadata returns the current entry and the copy index it was read from.
// ok is false when neither copy is valid.
func readOtadata(path string) (current entry, copyIndex int, ok bool, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return entry{}, 0, false, nil
		}
		return entry{}, 0, false, errors.Wrap(err, "read otadata")
	}

	for i := 0; i < entryCopies; i++ {
		start := i * entrySize
		if start+entrySize > len(raw) {
			break
		}
		e, valid := decodeEntry(raw[start : start+entrySize])
		if !valid {
			continue
		}
		if !ok || e.Seq > current.Seq {
			current, copyIndex, ok = e, i, true
		}
	}
	return current, copyIndex, ok, nil
}

// writeOtadata stores e into copy index i, keeping the other copy intact.
func writeOtadata(path string, i int, e entry) error {
	raw, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "read otadata")
	}
	if len(raw) < entrySize*entryCopies {
		grown := make([]byte, entrySize*entryCopies)
		for j := range grown {
			grown[j] = 0xFF
		}
		copy(grown, raw)
		raw = grown
	}
	copy(raw[i*entrySize:(i+1)*entrySize], encodeEntry(e))

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "create otadata")
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return errors.Wrap(err, "write otadata")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "sync otadata")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close otadata")
	}
	return errors.Wrap(os.Rename(tmp, path), "replace otadata")
}
