package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the session engine collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	sessionsActive *prometheus.GaugeVec
	sessionsOpened *prometheus.CounterVec
	sessionsClosed *prometheus.CounterVec
	framesIn       *prometheus.CounterVec
	framesOut      *prometheus.CounterVec
	bytesIn        *prometheus.CounterVec
	bytesOut       *prometheus.CounterVec
	decodeErrors   *prometheus.CounterVec
	handlerErrors  *prometheus.CounterVec
	sendRejected   *prometheus.CounterVec
}

var endpointLabels = []string{"endpoint", "kind"}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "porklib"
	}
	counter := func(sub, name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: sub, Name: name, Help: help,
		}, endpointLabels)
	}
	m := &Metrics{
		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "active",
			Help: "Sessions currently tracked by an endpoint.",
		}, endpointLabels),
		sessionsOpened: counter("session", "opened_total", "Sessions that reached OPEN."),
		sessionsClosed: counter("session", "closed_total", "Sessions that reached CLOSED."),
		framesIn:       counter("frame", "received_total", "Frames decoded from the transport."),
		framesOut:      counter("frame", "sent_total", "Frames handed to the transport."),
		bytesIn:        counter("frame", "received_bytes_total", "Payload bytes decoded from the transport."),
		bytesOut:       counter("frame", "sent_bytes_total", "Payload bytes handed to the transport."),
		decodeErrors:   counter("frame", "decode_errors_total", "Fatal frame or codec decode errors."),
		handlerErrors:  counter("pipeline", "unhandled_errors_total", "Handler errors that reached the session error sink."),
		sendRejected:   counter("session", "send_rejected_total", "Sends rejected before entering the pipeline."),
	}
	for _, c := range []prometheus.Collector{
		m.sessionsActive, m.sessionsOpened, m.sessionsClosed, m.framesIn, m.framesOut,
		m.bytesIn, m.bytesOut, m.decodeErrors, m.handlerErrors, m.sendRejected,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// MetricsHandler serves the default gatherer in the prometheus text format.
func MetricsHandler() http.Handler { return promhttp.Handler() }

// HandlerFor serves the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Labels binds metrics to one endpoint.
func (m *Metrics) Labels(endpoint, kind string) *EndpointMetrics {
	if m == nil {
		return nil
	}
	return &EndpointMetrics{m: m, lv: []string{endpoint, kind}}
}

// EndpointMetrics records for one endpoint. A nil value records nothing.
type EndpointMetrics struct {
	m  *Metrics
	lv []string
}

func (e *EndpointMetrics) SessionOpened() {
	if e == nil {
		return
	}
	e.m.sessionsOpened.WithLabelValues(e.lv...).Inc()
	e.m.sessionsActive.WithLabelValues(e.lv...).Inc()
}

func (e *EndpointMetrics) SessionClosed(wasOpen bool) {
	if e == nil {
		return
	}
	e.m.sessionsClosed.WithLabelValues(e.lv...).Inc()
	if wasOpen {
		e.m.sessionsActive.WithLabelValues(e.lv...).Dec()
	}
}

func (e *EndpointMetrics) FrameIn(payload int) {
	if e == nil {
		return
	}
	e.m.framesIn.WithLabelValues(e.lv...).Inc()
	e.m.bytesIn.WithLabelValues(e.lv...).Add(float64(payload))
}

func (e *EndpointMetrics) FrameOut(payload int) {
	if e == nil {
		return
	}
	e.m.framesOut.WithLabelValues(e.lv...).Inc()
	e.m.bytesOut.WithLabelValues(e.lv...).Add(float64(payload))
}

func (e *EndpointMetrics) DecodeError() {
	if e == nil {
		return
	}
	e.m.decodeErrors.WithLabelValues(e.lv...).Inc()
}

func (e *EndpointMetrics) HandlerError() {
	if e == nil {
		return
	}
	e.m.handlerErrors.WithLabelValues(e.lv...).Inc()
}

func (e *EndpointMetrics) SendRejected() {
	if e == nil {
		return
	}
	e.m.sendRejected.WithLabelValues(e.lv...).Inc()
}
