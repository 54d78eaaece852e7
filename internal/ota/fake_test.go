package ota

import (
	"bytes"
	"errors"
)

// fakeStager records staging operations in memory.
type fakeStager struct {
	regions    []Region
	booted     *Region
	nextErr    error
	beginErr   error
	writeErr   error
	commitErr  error
	selectErr  error
	handles    []*fakeHandle
	beginSizes []uint32
}

func newFakeStager() *fakeStager {
	return &fakeStager{
		regions: []Region{{Index: 1, Label: "slot_b", Capacity: 1 << 20}},
	}
}

func (s *fakeStager) NextRegion() (Region, error) {
	if s.nextErr != nil {
		return Region{}, s.nextErr
	}
	if len(s.regions) == 0 {
		return Region{}, errors.New("no regions")
	}
	return s.regions[0], nil
}

func (s *fakeStager) BeginWrite(region Region, size uint32) (Handle, error) {
	s.beginSizes = append(s.beginSizes, size)
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	h := &fakeHandle{stager: s}
	s.handles = append(s.handles, h)
	return h, nil
}

func (s *fakeStager) SelectBoot(region Region) error {
	if s.selectErr != nil {
		return s.selectErr
	}
	s.booted = &region
	return nil
}

func (s *fakeStager) lastHandle() *fakeHandle {
	if len(s.handles) == 0 {
		return nil
	}
	return s.handles[len(s.handles)-1]
}

type fakeHandle struct {
	stager    *fakeStager
	data      bytes.Buffer
	committed bool
	aborted   int
}

func (h *fakeHandle) Write(p []byte) error {
	if h.stager.writeErr != nil {
		return h.stager.writeErr
	}
	h.data.Write(p)
	return nil
}

func (h *fakeHandle) Commit() error {
	if h.stager.commitErr != nil {
		return h.stager.commitErr
	}
	h.committed = true
	return nil
}

func (h *fakeHandle) Abort() {
	h.aborted++
}
