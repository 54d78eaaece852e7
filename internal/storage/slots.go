// Package storage stages firmware images into two alternating slot files and
// records which one boots next.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/papyrix-ota/internal/logging"
	"github.com/bigbag/papyrix-ota/internal/ota"
)

const slotCount = 2

var slotLabels = [slotCount]string{"ota_0", "ota_1"}

// ErrNoRegion is returned when no slot can receive an image.
var ErrNoRegion = errors.New("no staging region")

// Validator inspects a fully written image before it is committed.
type Validator func(path string, size int64) error

// Slots implements ota.Stager on top of a state directory.
type Slots struct {
	dir      string
	capacity int64
	validate Validator
	log      logrus.FieldLogger
}

var _ ota.Stager = (*Slots)(nil)

// Option configures Slots.
type Option func(*Slots)

// WithValidator sets the image check run on Commit.
func WithValidator(v Validator) Option {
	return func(s *Slots) {
		s.validate = v
	}
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Slots) {
		s.log = log
	}
}

// Open prepares dir to hold two slots of capacity bytes each.
func Open(dir string, capacity int64, opts ...Option) (*Slots, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create state directory %s", dir)
	}

	s := &Slots{
		dir:      dir,
		capacity: capacity,
		log:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the state directory.
func (s *Slots) Dir() string {
	return s.dir
}

// Region returns the descriptor of slot i.
func (s *Slots) Region(i int) ota.Region {
	return ota.Region{
		Index:    i,
		Label:    slotLabels[i],
		Capacity: s.capacity,
	}
}

// Path returns the image file backing region.
func (s *Slots) Path(region ota.Region) string {
	return filepath.Join(s.dir, fmt.Sprintf("slot_%s.bin", region.Label))
}

// Boot returns the slot selected to boot and its otadata sequence. A fresh
// directory boots slot 0 with sequence 0.
func (s *Slots) Boot() (ota.Region, uint32, error) {
	e, _, ok, err := readOtadata(s.otadataPath())
	if err != nil {
		return ota.Region{}, 0, err
	}
	if !ok {
		return s.Region(0), 0, nil
	}
	return s.Region(int((e.Seq - 1) % slotCount)), e.Seq, nil
}

// NextRegion returns the slot that is not selected to boot.
func (s *Slots) NextRegion() (ota.Region, error) {
	if s.capacity <= 0 {
		return ota.Region{}, ErrNoRegion
	}
	boot, _, err := s.Boot()
	if err != nil {
		return ota.Region{}, errors.WithMessage(err, "determine boot slot")
	}
	return s.Region((boot.Index + 1) % slotCount), nil
}

// BeginWrite truncates the slot file and returns a handle for size bytes.
func (s *Slots) BeginWrite(region ota.Region, size uint32) (ota.Handle, error) {
	if region.Index < 0 || region.Index >= slotCount {
		return nil, errors.Errorf("unknown slot %d", region.Index)
	}
	if int64(size) > s.capacity {
		return nil, errors.Errorf("image of %d bytes exceeds slot capacity %d", size, s.capacity)
	}
	boot, _, err := s.Boot()
	if err != nil {
		return nil, err
	}
	if boot.Index == region.Index {
		return nil, errors.Errorf("slot %s is the running image", region.Label)
	}

	path := s.Path(region)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open slot %s", region.Label)
	}

	s.log.WithFields(logrus.Fields{
		"slot": region.Label,
		"size": size,
		"path": path,
	}).Debug("staging write opened")

	return &writer{
		slots:  s,
		region: region,
		path:   path,
		file:   f,
		size:   int64(size),
	}, nil
}

// SelectBoot records region as the next boot slot.
func (s *Slots) SelectBoot(region ota.Region) error {
	if region.Index < 0 || region.Index >= slotCount {
		return errors.Errorf("unknown slot %d", region.Index)
	}

	path := s.otadataPath()
	current, copyIndex, ok, err := readOtadata(path)
	if err != nil {
		return err
	}

	seq := uint32(1)
	target := 0
	if ok {
		seq = current.Seq + 1
		target = (copyIndex + 1) % entryCopies
	}
	for int((seq-1)%slotCount) != region.Index {
		seq++
	}

	if err := writeOtadata(path, target, entry{Seq: seq, Label: region.Label}); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"slot": region.Label,
		"seq":  seq,
	}).Info("boot slot selected")
	return nil
}

// SlotInfo describes one slot for status reporting.
type SlotInfo struct {
	Region ota.Region
	Path   string
	Size   int64
	Boot   bool
}

// Info returns the state of both slots and the otadata sequence.
func (s *Slots) Info() ([]SlotInfo, uint32, error) {
	boot, seq, err := s.Boot()
	if err != nil {
		return nil, 0, err
	}

	infos := make([]SlotInfo, 0, slotCount)
	for i := 0; i < slotCount; i++ {
		region := s.Region(i)
		info := SlotInfo{
			Region: region,
			Path:   s.Path(region),
			Boot:   i == boot.Index,
		}
		if st, err := os.Stat(info.Path); err == nil {
			info.Size = st.Size()
		}
		infos = append(infos, info)
	}
	return infos, seq, nil
}

func (s *Slots) otadataPath() string {
	return filepath.Join(s.dir, otadataName)
}

// writer is an open staging write into one slot file.
type writer struct {
	slots   *Slots
	region  ota.Region
	path    string
	file    *os.File
	size    int64
	written int64
}

func (w *writer) Write(p []byte) error {
	if w.file == nil {
		return errors.New("staging write is closed")
	}
	if w.written+int64(len(p)) > w.size {
		return errors.Errorf("write of %d bytes at offset %d exceeds declared size %d",
			len(p), w.written, w.size)
	}
	if w.written+int64(len(p)) > w.slots.capacity {
		return errors.Errorf("write of %d bytes at offset %d exceeds slot capacity %d",
			len(p), w.written, w.slots.capacity)
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	if err != nil {
		return errors.Wrapf(err, "write slot %s", w.region.Label)
	}
	return nil
}

// Commit syncs the slot and checks the image. A rejected image is cleared
// from the slot.
func (w *writer) Commit() error {
	if w.file == nil {
		return errors.New("staging write is closed")
	}
	if err := w.commit(); err != nil {
		w.clear()
		return err
	}

	w.slots.log.WithFields(logrus.Fields{
		"slot":  w.region.Label,
		"bytes": w.written,
	}).Info("image committed")
	return nil
}

func (w *writer) commit() error {
	f := w.file
	w.file = nil

	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "sync slot %s", w.region.Label)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close slot %s", w.region.Label)
	}

	if w.written == 0 {
		return errors.Errorf("slot %s: empty image", w.region.Label)
	}
	if w.written < w.size {
		return errors.Errorf("slot %s: image incomplete, %d of %d bytes", w.region.Label, w.written, w.size)
	}
	if w.slots.validate != nil {
		if err := w.slots.validate(w.path, w.written); err != nil {
			return errors.WithMessagef(err, "slot %s: image rejected", w.region.Label)
		}
	}
	return nil
}

func (w *writer) Abort() {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	if w.clear() {
		w.slots.log.WithField("slot", w.region.Label).Info("staging write aborted")
	}
}

// clear truncates the slot file.
func (w *writer) clear() bool {
	if err := os.Truncate(w.path, 0); err != nil {
		w.slots.log.WithError(err).WithField("slot", w.region.Label).Warn("unable to clear slot")
		return false
	}
	return true
}
