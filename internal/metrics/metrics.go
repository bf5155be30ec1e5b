package metrics

import "sync/atomic"

// Metrics is the pipeline's shared counter set. One instance is passed
// by reference into each stage; a stage updates only its own counters
// and external readers take Snapshot.
type Metrics struct {
	FramesIn    atomic.Uint64
	FramesEmpty atomic.Uint64

	EventsExtracted atomic.Uint64
	EventsUnknown   atomic.Uint64
	EventsHeuristic atomic.Uint64

	RejectedKind      atomic.Uint64
	RejectedUser      atomic.Uint64
	RejectedKeyword   atomic.Uint64
	RejectedLength    atomic.Uint64
	RejectedDuplicate atomic.Uint64
	EventsAccepted    atomic.Uint64

	IngestDropped atomic.Uint64

	CacheHitsMemory    atomic.Uint64
	CacheHitsDisk      atomic.Uint64
	Conversions        atomic.Uint64
	ConversionRetries  atomic.Uint64
	ConversionFailures atomic.Uint64

	QueueOverflow atomic.Uint64
	ItemsPlayed   atomic.Uint64
	ItemsSkipped  atomic.Uint64
	SinkErrors    atomic.Uint64
}

func New() *Metrics { return &Metrics{} }

// Snapshot is a point-in-time copy for reporting.
type Snapshot struct {
	FramesIn    uint64 `json:"frames_in"`
	FramesEmpty uint64 `json:"frames_empty"`

	EventsExtracted uint64 `json:"events_extracted"`
	EventsUnknown   uint64 `json:"events_unknown"`
	EventsHeuristic uint64 `json:"events_heuristic"`

	RejectedKind      uint64 `json:"rejected_kind"`
	RejectedUser      uint64 `json:"rejected_user"`
	RejectedKeyword   uint64 `json:"rejected_keyword"`
	RejectedLength    uint64 `json:"rejected_length"`
	RejectedDuplicate uint64 `json:"rejected_duplicate"`
	EventsAccepted    uint64 `json:"events_accepted"`

	IngestDropped uint64 `json:"ingest_dropped"`

	CacheHitsMemory    uint64 `json:"cache_hits_memory"`
	CacheHitsDisk      uint64 `json:"cache_hits_disk"`
	Conversions        uint64 `json:"conversions"`
	ConversionRetries  uint64 `json:"conversion_retries"`
	ConversionFailures uint64 `json:"conversion_failures"`

	QueueOverflow uint64 `json:"queue_overflow"`
	ItemsPlayed   uint64 `json:"items_played"`
	ItemsSkipped  uint64 `json:"items_skipped"`
	SinkErrors    uint64 `json:"sink_errors"`
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		FramesIn:    m.FramesIn.Load(),
		FramesEmpty: m.FramesEmpty.Load(),

		EventsExtracted: m.EventsExtracted.Load(),
		EventsUnknown:   m.EventsUnknown.Load(),
		EventsHeuristic: m.EventsHeuristic.Load(),

		RejectedKind:      m.RejectedKind.Load(),
		RejectedUser:      m.RejectedUser.Load(),
		RejectedKeyword:   m.RejectedKeyword.Load(),
		RejectedLength:    m.RejectedLength.Load(),
		RejectedDuplicate: m.RejectedDuplicate.Load(),
		EventsAccepted:    m.EventsAccepted.Load(),

		IngestDropped: m.IngestDropped.Load(),

		CacheHitsMemory:    m.CacheHitsMemory.Load(),
		CacheHitsDisk:      m.CacheHitsDisk.Load(),
		Conversions:        m.Conversions.Load(),
		ConversionRetries:  m.ConversionRetries.Load(),
		ConversionFailures: m.ConversionFailures.Load(),

		QueueOverflow: m.QueueOverflow.Load(),
		ItemsPlayed:   m.ItemsPlayed.Load(),
		ItemsSkipped:  m.ItemsSkipped.Load(),
		SinkErrors:    m.SinkErrors.Load(),
	}
}
