// Package metrics is the process-wide instrumentation surface: session
// lifecycle counts, handler invocation results, directory store op counts
// and latency, relay pair lifecycle, and dispatcher proxy timeouts. All
// counters and histograms live on a single set so one handler can export
// everything to Prometheus.
package metrics

import (
	"fmt"
	"reflect"

	"github.com/VictoriaMetrics/metrics"
)

// Metrics groups every metric object behind named accessor methods so
// callers never touch a *metrics.Counter directly and typos in a metric
// name can't silently create an unrelated series.
type Metrics struct {
	set *metrics.Set

	sessionsAcceptedTotal *metrics.Counter
	sessionsClosedTotal   *metrics.Counter

	handlerRequestsTotal struct {
		success func(handler string) *metrics.Counter
		error   func(handler string, code string) *metrics.Counter
	}

	directoryRequestsTotal struct {
		allocateSuccess *metrics.Counter
		allocateNXTaken *metrics.Counter
		allocateError   *metrics.Counter
		renewSuccess    *metrics.Counter
		renewNotFound   *metrics.Counter
		renewError      *metrics.Counter
	}
	directoryRequestDurationSeconds struct {
		allocate *metrics.Histogram
		renew    *metrics.Histogram
	}

	relayPairsOpenedTotal      *metrics.Counter
	relayPairsClosedTotal      *metrics.Counter
	dispatchProxyTimeoutsTotal func(handler string) *metrics.Counter
}

// New creates every metric on set and returns the bound Metrics. set is
// typically a fresh *metrics.Set owned by the caller (not the package
// default set), so independent servers in the same process, or in tests,
// never collide on series names.
func New(set *metrics.Set) *Metrics {
	m := &Metrics{set: set}

	m.sessionsAcceptedTotal = set.NewCounter(`relayd_sessions_accepted_total`)
	m.sessionsClosedTotal = set.NewCounter(`relayd_sessions_closed_total`)

	m.handlerRequestsTotal.success = func(handler string) *metrics.Counter {
		return set.GetOrCreateCounter(`relayd_handler_requests_total{handler="` + handler + `",result="success"}`)
	}
	m.handlerRequestsTotal.error = func(handler string, code string) *metrics.Counter {
		return set.GetOrCreateCounter(`relayd_handler_requests_total{handler="` + handler + `",result="error",code="` + code + `"}`)
	}

	m.directoryRequestsTotal.allocateSuccess = set.NewCounter(`relayd_directory_requests_total{op="allocate",result="success"}`)
	m.directoryRequestsTotal.allocateNXTaken = set.NewCounter(`relayd_directory_requests_total{op="allocate",result="nx_taken"}`)
	m.directoryRequestsTotal.allocateError = set.NewCounter(`relayd_directory_requests_total{op="allocate",result="error"}`)
	m.directoryRequestsTotal.renewSuccess = set.NewCounter(`relayd_directory_requests_total{op="renew",result="success"}`)
	m.directoryRequestsTotal.renewNotFound = set.NewCounter(`relayd_directory_requests_total{op="renew",result="not_found"}`)
	m.directoryRequestsTotal.renewError = set.NewCounter(`relayd_directory_requests_total{op="renew",result="error"}`)
	m.directoryRequestDurationSeconds.allocate = set.NewHistogram(`relayd_directory_request_duration_seconds{op="allocate"}`)
	m.directoryRequestDurationSeconds.renew = set.NewHistogram(`relayd_directory_request_duration_seconds{op="renew"}`)

	m.relayPairsOpenedTotal = set.NewCounter(`relayd_relay_pairs_opened_total`)
	m.relayPairsClosedTotal = set.NewCounter(`relayd_relay_pairs_closed_total`)
	m.dispatchProxyTimeoutsTotal = func(handler string) *metrics.Counter {
		return set.GetOrCreateCounter(`relayd_dispatch_proxy_timeouts_total{handler="` + handler + `"}`)
	}

	// a couple of label values are known up front; pre-create them so they
	// read zero instead of being absent until first use.
	for _, h := range []string{"heartbeat", "register_device_id", "desktop_connect_offer", "desktop_connect_offer_auth"} {
		m.handlerRequestsTotal.success(h)
	}
	m.dispatchProxyTimeoutsTotal("desktop_connect_offer")
	m.dispatchProxyTimeoutsTotal("desktop_connect_offer_auth")

	checkInitialized(m)
	return m
}

// Set returns the underlying metric set, for WritePrometheus.
func (m *Metrics) Set() *metrics.Set { return m.set }

// HandlerRequest records one handler invocation's outcome. code is the
// wire error tag name on failure, or "" on success.
func (m *Metrics) HandlerRequest(handler string, code string) {
	if code == "" {
		m.handlerRequestsTotal.success(handler).Inc()
		return
	}
	m.handlerRequestsTotal.error(handler, code).Inc()
}

// SessionAccepted records a new control session being accepted.
func (m *Metrics) SessionAccepted() { m.sessionsAcceptedTotal.Inc() }

// SessionClosed records a control session terminating.
func (m *Metrics) SessionClosed() { m.sessionsClosedTotal.Inc() }

// DirectoryAllocate records the outcome and latency of a directory
// Allocate call. err takes priority over !ok: a store error can't also be
// a clean "already taken".
func (m *Metrics) DirectoryAllocate(seconds float64, ok bool, err error) {
	m.directoryRequestDurationSeconds.allocate.Update(seconds)
	switch {
	case err != nil:
		m.directoryRequestsTotal.allocateError.Inc()
	case !ok:
		m.directoryRequestsTotal.allocateNXTaken.Inc()
	default:
		m.directoryRequestsTotal.allocateSuccess.Inc()
	}
}

// DirectoryRenew records the outcome and latency of a directory Renew call.
func (m *Metrics) DirectoryRenew(seconds float64, ok bool, err error) {
	m.directoryRequestDurationSeconds.renew.Update(seconds)
	switch {
	case err != nil:
		m.directoryRequestsTotal.renewError.Inc()
	case !ok:
		m.directoryRequestsTotal.renewNotFound.Inc()
	default:
		m.directoryRequestsTotal.renewSuccess.Inc()
	}
}

// RelayPairOpened records a relay wait-slot pairing succeeding.
func (m *Metrics) RelayPairOpened() { m.relayPairsOpenedTotal.Inc() }

// RelayPairClosed records a paired relay connection being torn down.
func (m *Metrics) RelayPairClosed() { m.relayPairsClosedTotal.Inc() }

// DispatchProxyTimeout records a proxied offer -> ask call timing out
// before the ask side replied.
func (m *Metrics) DispatchProxyTimeout(handler string) {
	m.dispatchProxyTimeoutsTotal(handler).Inc()
}

// checkInitialized panics if any metric field on m was left nil, catching a
// field added to the struct without a matching initializer in New.
func checkInitialized(m *Metrics) {
	var chk func(v reflect.Value, name string)
	chk = func(v reflect.Value, name string) {
		switch v.Kind() {
		case reflect.Struct:
			for i := 0; i < v.NumField(); i++ {
				chk(v.Field(i), name+"."+v.Type().Field(i).Name)
			}
		case reflect.Pointer, reflect.Func:
			if v.IsNil() {
				panic(fmt.Errorf("metrics: unexpected nil %q", name))
			}
		}
	}
	v := reflect.ValueOf(m).Elem()
	for i := 0; i < v.NumField(); i++ {
		if v.Type().Field(i).Name == "set" {
			continue
		}
		chk(v.Field(i), v.Type().Field(i).Name)
	}
}
