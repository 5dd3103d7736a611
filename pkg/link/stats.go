package link

import "sync/atomic"

// Stats is a point-in-time copy of a Manager's counters.
type Stats struct {
	FramesSent     uint64 `json:"frames_sent"`
	BytesSent      uint64 `json:"bytes_sent"`
	FramesReceived uint64 `json:"frames_received"`
	BytesReceived  uint64 `json:"bytes_received"`
	FramesDropped  uint64 `json:"frames_dropped"`
	Malformed      uint64 `json:"malformed"`
	TxErrors       uint64 `json:"tx_errors"`
	RxErrors       uint64 `json:"rx_errors"`
}

type counters struct {
	framesSent     atomic.Uint64
	bytesSent      atomic.Uint64
	framesReceived atomic.Uint64
	bytesReceived  atomic.Uint64
	framesDropped  atomic.Uint64
	malformed      atomic.Uint64
	txErrors       atomic.Uint64
	rxErrors       atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		FramesSent:     c.framesSent.Load(),
		BytesSent:      c.bytesSent.Load(),
		FramesReceived: c.framesReceived.Load(),
		BytesReceived:  c.bytesReceived.Load(),
		FramesDropped:  c.framesDropped.Load(),
		Malformed:      c.malformed.Load(),
		TxErrors:       c.txErrors.Load(),
		RxErrors:       c.rxErrors.Load(),
	}
}
