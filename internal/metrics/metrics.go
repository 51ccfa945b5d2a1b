// Package metrics defines the prometheus metric families exported for
// the DTP/DTCP observability surface — RTT/window/rate state vector reads,
// queue depths and the {drop,err,tx,rx} counters — plus a per-connection
// Recorder that labels every sample with a unique trace ID.
//
// Grounded on the m-lab-tcp-info example's metrics package: package-level
// promauto-registered vectors, one struct field per concern, labeled by
// connection identity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/xid"
)

var (
	RTT = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dtp_rtt_seconds",
		Help: "Current smoothed round-trip-time estimate.",
	}, []string{"conn"})

	SRTT = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dtp_srtt_seconds",
		Help: "Current RTT estimator smoothed-RTT state.",
	}, []string{"conn"})

	RTTVar = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dtp_rttvar_seconds",
		Help: "Current RTT estimator variance state.",
	}, []string{"conn"})

	SndRtWindEdge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dtp_snd_rt_wind_edge",
		Help: "Sender-side right window edge.",
	}, []string{"conn"})

	SndLftWin = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dtp_snd_lft_win",
		Help: "Highest sequence number the sender has flushed past its left window edge.",
	}, []string{"conn"})

	RcvrRtWindEdge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dtp_rcvr_rt_wind_edge",
		Help: "Receiver-side right window edge advertised to the peer.",
	}, []string{"conn"})

	SndrRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dtp_sndr_rate",
		Help: "Sender-side bytes-per-time-unit rate budget.",
	}, []string{"conn"})

	RcvrRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dtp_rcvr_rate",
		Help: "Receiver-side bytes-per-time-unit rate budget advertised to the peer.",
	}, []string{"conn"})

	ClosedWinQLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dtp_closed_win_q_length",
		Help: "Number of PDUs currently parked in the closed-window queue.",
	}, []string{"conn"})

	RTXQLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dtp_rtx_q_length",
		Help: "Number of unacknowledged PDUs in the retransmission queue.",
	}, []string{"conn"})

	PolicySetInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dtp_policy_set_info",
		Help: "Always 1; the active policy set name is in the policy_set label.",
	}, []string{"conn", "policy_set"})

	RTXDropPDUs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtp_rtx_drop_pdus_total",
		Help: "PDUs dropped by the retransmission queue after exhausting their retry budget.",
	}, []string{"conn"})

	DropPDUs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtp_drop_pdus_total",
		Help: "PDUs dropped on the receive path (duplicate, stale, or A-timer expired).",
	}, []string{"conn"})

	ErrPDUs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtp_err_pdus_total",
		Help: "PDUs rejected as malformed or out of protocol.",
	}, []string{"conn"})

	TxPDUs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtp_tx_pdus_total",
		Help: "PDUs handed to the RMT for transmission.",
	}, []string{"conn"})

	RxPDUs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtp_rx_pdus_total",
		Help: "PDUs accepted on the receive path.",
	}, []string{"conn"})

	TxBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtp_tx_bytes_total",
		Help: "SDU payload bytes transmitted.",
	}, []string{"conn"})

	RxBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtp_rx_bytes_total",
		Help: "SDU payload bytes received.",
	}, []string{"conn"})
)

// Snapshot is the plain-value observability reading a Recorder exports; it
// has no dependency on internal/conn so the two packages don't cycle.
type Snapshot struct {
	RTT, SRTT, RTTVar                           float64 // seconds
	SndRtWindEdge, SndLftWin, RcvrRtWindEdge     uint32
	SndrRate, RcvrRate                           uint32
	ClosedWinQLength, RTXQLength                 int
	PolicySetName                                string
	DropPDUs, ErrPDUs, TxPDUs, RxPDUs            uint64
	TxBytes, RxBytes                             uint64
}

// Recorder labels every sample it exports with a unique per-connection
// trace ID, so per-flow time series stay distinguishable without the
// cardinality blowup of labeling by raw address/cepID tuples.
type Recorder struct {
	id string

	// The prev* fields track the counter totals already pushed, since the
	// counters this package exports are monotonic Add()-only but the
	// state vector exposes a point-in-time cumulative total.
	prevDrop, prevErr, prevTx, prevRx       uint64
	prevTxBytes, prevRxBytes                uint64
}

// NewRecorder returns a Recorder with a fresh globally-unique trace ID.
func NewRecorder() *Recorder {
	return &Recorder{id: xid.New().String()}
}

// ID returns the recorder's trace ID, the "conn" label value on every
// metric it writes.
func (rec *Recorder) ID() string { return rec.id }

// Observe pushes one point-in-time snapshot to the package-level metric
// families, translating the state vector's cumulative counters into the
// deltas a prometheus Counter expects.
func (rec *Recorder) Observe(s Snapshot) {
	RTT.WithLabelValues(rec.id).Set(s.RTT)
	SRTT.WithLabelValues(rec.id).Set(s.SRTT)
	RTTVar.WithLabelValues(rec.id).Set(s.RTTVar)
	SndRtWindEdge.WithLabelValues(rec.id).Set(float64(s.SndRtWindEdge))
	SndLftWin.WithLabelValues(rec.id).Set(float64(s.SndLftWin))
	RcvrRtWindEdge.WithLabelValues(rec.id).Set(float64(s.RcvrRtWindEdge))
	SndrRate.WithLabelValues(rec.id).Set(float64(s.SndrRate))
	RcvrRate.WithLabelValues(rec.id).Set(float64(s.RcvrRate))
	ClosedWinQLength.WithLabelValues(rec.id).Set(float64(s.ClosedWinQLength))
	RTXQLength.WithLabelValues(rec.id).Set(float64(s.RTXQLength))
	PolicySetInfo.WithLabelValues(rec.id, s.PolicySetName).Set(1)

	rec.addDelta(DropPDUs.WithLabelValues(rec.id), &rec.prevDrop, s.DropPDUs)
	rec.addDelta(ErrPDUs.WithLabelValues(rec.id), &rec.prevErr, s.ErrPDUs)
	rec.addDelta(TxPDUs.WithLabelValues(rec.id), &rec.prevTx, s.TxPDUs)
	rec.addDelta(RxPDUs.WithLabelValues(rec.id), &rec.prevRx, s.RxPDUs)
	rec.addDelta(TxBytes.WithLabelValues(rec.id), &rec.prevTxBytes, s.TxBytes)
	rec.addDelta(RxBytes.WithLabelValues(rec.id), &rec.prevRxBytes, s.RxBytes)
}

func (rec *Recorder) addDelta(c prometheus.Counter, prev *uint64, total uint64) {
	if total <= *prev {
		return
	}
	c.Add(float64(total - *prev))
	*prev = total
}
