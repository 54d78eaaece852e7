package ota

// Region is a firmware storage area that can receive an image.
type Region struct {
	Index    int
	Label    string
	Capacity int64
}

// Stager gives the state machine access to the inactive firmware region.
// Implementations block until each operation completes.
type Stager interface {
	// NextRegion returns the region not currently selected to boot.
	NextRegion() (Region, error)
	// BeginWrite opens region for an image of size bytes.
	BeginWrite(region Region, size uint32) (Handle, error)
	// SelectBoot marks region as the image to run on next restart.
	SelectBoot(region Region) error
}

// Handle is an open staging write. It is closed by exactly one call to
// Commit or Abort.
type Handle interface {
	Write(p []byte) error
	Commit() error
	Abort()
}
