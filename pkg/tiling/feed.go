package tiling

import "github.com/NERVsystems/tilestream/pkg/geo"

// PositionFeed hands positions from any number of producers to the manager's
// owner loop. Push never blocks; a position not yet consumed is replaced by
// the newer one.
type PositionFeed struct {
	ch chan geo.MapPoint
}

// NewPositionFeed creates an empty feed.
func NewPositionFeed() *PositionFeed {
	return &PositionFeed{ch: make(chan geo.MapPoint, 1)}
}

// Push offers p, dropping an unconsumed older position.
func (f *PositionFeed) Push(p geo.MapPoint) {
	for {
		select {
		case f.ch <- p:
			return
		default:
		}
		select {
		case <-f.ch:
		default:
		}
	}
}

// C returns the channel consumed by Manager.Run.
func (f *PositionFeed) C() <-chan geo.MapPoint {
	return f.ch
}
