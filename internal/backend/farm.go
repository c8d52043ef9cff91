package backend

import (
	"fmt"
	"sync"
)

// Farm is a named set of interchangeable brokers. Selection is weighted
// round robin, so a broker with weight 5 takes five times the sessions of a
// broker with weight 1.
type Farm struct {
	name string

	mu                sync.Mutex
	brokers           []*Broker
	currentWeight     int
	currentIndex      int
	greatestCommonDiv int
}

// NewFarm creates an empty farm.
func NewFarm(name string) *Farm {
	return &Farm{
		name:              name,
		currentIndex:      -1,
		greatestCommonDiv: 1,
	}
}

// Name returns the farm's configured name.
func (f *Farm) Name() string {
	return f.name
}

// AddBroker adds b to the rotation. A non-positive weight counts as 1.
func (f *Farm) AddBroker(b *Broker) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b.Weight <= 0 {
		b.Weight = 1
	}
	f.brokers = append(f.brokers, b)
	f.recalculateGCD()
}

// RemoveBroker drops the named broker from the rotation.
func (f *Farm) RemoveBroker(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, b := range f.brokers {
		if b.Name == name {
			f.brokers[i] = f.brokers[len(f.brokers)-1]
			f.brokers = f.brokers[:len(f.brokers)-1]
			f.recalculateGCD()
			return
		}
	}
}

// HasBrokers reports whether the rotation is non-empty.
func (f *Farm) HasBrokers() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.brokers) > 0
}

// Brokers returns a snapshot of the rotation.
func (f *Farm) Brokers() []*Broker {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Broker, len(f.brokers))
	copy(out, f.brokers)
	return out
}

// Select picks the next broker by weighted round robin.
func (f *Farm) Select() (*Broker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.brokers) == 0 {
		return nil, fmt.Errorf("no brokers available in farm %q", f.name)
	}
	if len(f.brokers) == 1 {
		return f.brokers[0], nil
	}
	for {
		f.currentIndex = (f.currentIndex + 1) % len(f.brokers)
		if f.currentIndex == 0 {
			f.currentWeight -= f.greatestCommonDiv
			if f.currentWeight <= 0 {
				f.currentWeight = f.maxWeight()
				if f.currentWeight == 0 {
					return nil, fmt.Errorf("all brokers in farm %q have zero weight", f.name)
				}
			}
		}
		if f.brokers[f.currentIndex].Weight >= f.currentWeight {
			return f.brokers[f.currentIndex], nil
		}
	}
}

func (f *Farm) maxWeight() int {
	max := 0
	for _, b := range f.brokers {
		if b.Weight > max {
			max = b.Weight
		}
	}
	return max
}

func (f *Farm) recalculateGCD() {
	switch len(f.brokers) {
	case 0:
		f.greatestCommonDiv = 1
	case 1:
		f.greatestCommonDiv = f.brokers[0].Weight
	default:
		g := f.brokers[0].Weight
		for _, b := range f.brokers[1:] {
			g = gcd(g, b.Weight)
		}
		f.greatestCommonDiv = g
	}
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
