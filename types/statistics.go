// statistics.go defines counters describing the traffic through a codec controller.

package types

import (
	"sync/atomic"
)

type StatisticsItem struct {
	Count uint64 `json:",omitempty"`
	Bytes uint64 `json:",omitempty"`
}

type StatisticsSection struct {
	Source      StatisticsItem `json:",omitempty"`
	Destination StatisticsItem `json:",omitempty"`
}

type Statistics struct {
	Submitted StatisticsSection
	Completed StatisticsSection
	Errors    StatisticsSection

	RequestsStarted   uint64 `json:",omitempty"`
	RequestsCompleted uint64 `json:",omitempty"`
	RequestsAborted   uint64 `json:",omitempty"`
	PollTimeouts      uint64 `json:",omitempty"`
}

type CountersItem struct {
	Count atomic.Uint64
	Bytes atomic.Uint64
}

func (c *CountersItem) Increment(msgSize uint64) {
	c.Count.Add(1)
	c.Bytes.Add(msgSize)
}

func (c *CountersItem) ToStats() StatisticsItem {
	return StatisticsItem{
		Count: c.Count.Load(),
		Bytes: c.Bytes.Load(),
	}
}

type CountersSection struct {
	Source      CountersItem
	Destination CountersItem
}

func (s *CountersSection) ToStats() StatisticsSection {
	return StatisticsSection{
		Source:      s.Source.ToStats(),
		Destination: s.Destination.ToStats(),
	}
}

type Counters struct {
	Submitted CountersSection
	Completed CountersSection
	Errors    CountersSection

	RequestsStarted   atomic.Uint64
	RequestsCompleted atomic.Uint64
	RequestsAborted   atomic.Uint64
	PollTimeouts      atomic.Uint64
}

func (c *Counters) ToStats() Statistics {
	return Statistics{
		Submitted:         c.Submitted.ToStats(),
		Completed:         c.Completed.ToStats(),
		Errors:            c.Errors.ToStats(),
		RequestsStarted:   c.RequestsStarted.Load(),
		RequestsCompleted: c.RequestsCompleted.Load(),
		RequestsAborted:   c.RequestsAborted.Load(),
		PollTimeouts:      c.PollTimeouts.Load(),
	}
}
