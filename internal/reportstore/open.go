package reportstore

import "fmt"

// Drivers accepted by Open.
const (
	DriverMemory = "memory"
	DriverBolt   = "bbolt"
	DriverRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Driver      string
	Path        string // bbolt file
	RedisURL    string
	HotCapacity int // 0 disables the in-memory layer
}

// Open returns the configured Store, wrapped in the hot layer when
// HotCapacity is positive.
func Open(opts Options) (Store, error) {
	var (
		s   Store
		err error
	)
	switch opts.Driver {
	case DriverMemory, "":
		s = NewMemory()
	case DriverBolt:
		s, err = NewBolt(opts.Path)
	case DriverRedis:
		s, err = NewRedis(opts.RedisURL)
	default:
		return nil, fmt.Errorf("unknown report store driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}
	if opts.HotCapacity > 0 && opts.Driver != DriverMemory && opts.Driver != "" {
		s = NewHot(s, opts.HotCapacity)
	}
	return s, nil
}
