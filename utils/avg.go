package utils

import "sync"

// AvgVal keeps a running arithmetic mean of observed samples.
type AvgVal struct {
	v     float64
	count int
	lock  sync.Mutex
}

func NewAvgVal() *AvgVal {
	return &AvgVal{}
}

func (a *AvgVal) Add(val float64) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.v = (float64(a.count)*a.v + val) / float64(a.count+1)
	a.count++
}

func (a *AvgVal) Val() float64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.v
}

func (a *AvgVal) Count() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.count
}
