package api

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/psaab/lowpand/pkg/ipv6"
	"github.com/psaab/lowpand/pkg/stack"
)

// lowpanCollector implements prometheus.Collector, snapshotting the stack
// on each scrape.
type lowpanCollector struct {
	srv *Server

	// Core counters
	packetsTotal     *prometheus.Desc
	dropsTotal       *prometheus.Desc
	icmpErrorsTotal  *prometheus.Desc
	icmpLimitedTotal *prometheus.Desc
	fragmentsTotal   *prometheus.Desc
	resolutionTotal  *prometheus.Desc
	rxDroppedTotal   *prometheus.Desc

	// ND counters
	ndMessagesTotal    *prometheus.Desc
	aroStatusTotal     *prometheus.Desc
	bootstrapRestarts  *prometheus.Desc
	objectsCreated     *prometheus.Desc
	relayTimeoutsTotal *prometheus.Desc
	raDeferredTotal    *prometheus.Desc

	// Gauges
	ifaceActive    *prometheus.Desc
	ifaceNeighbors *prometheus.Desc
	routerObjects  *prometheus.Desc
	routes         *prometheus.Desc
	registrations  *prometheus.Desc
	raPending      *prometheus.Desc
	ticks          *prometheus.Desc
}

func newCollector(srv *Server) *lowpanCollector {
	return &lowpanCollector{
		srv: srv,

		packetsTotal: prometheus.NewDesc(
			"lowpand_packets_total",
			"Total IPv6 packets by disposition.",
			[]string{"disposition"}, nil,
		),
		dropsTotal: prometheus.NewDesc(
			"lowpand_drops_total",
			"Total IPv6 packets dropped.",
			[]string{"reason"}, nil,
		),
		icmpErrorsTotal: prometheus.NewDesc(
			"lowpand_icmp_errors_sent_total",
			"Total ICMPv6 error messages sent.",
			[]string{"type"}, nil,
		),
		icmpLimitedTotal: prometheus.NewDesc(
			"lowpand_icmp_errors_suppressed_total",
			"Total ICMPv6 errors not sent.",
			[]string{"cause"}, nil,
		),
		fragmentsTotal: prometheus.NewDesc(
			"lowpand_fragments_total",
			"Total fragmentation and reassembly events.",
			[]string{"event"}, nil,
		),
		resolutionTotal: prometheus.NewDesc(
			"lowpand_resolution_total",
			"Total packets held for neighbor resolution by outcome.",
			[]string{"outcome"}, nil,
		),
		rxDroppedTotal: prometheus.NewDesc(
			"lowpand_rx_queue_drops_total",
			"Total frames dropped on a full receive queue.",
			nil, nil,
		),
		ndMessagesTotal: prometheus.NewDesc(
			"lowpand_nd_messages_total",
			"Total ND messages by type and direction.",
			[]string{"type", "direction"}, nil,
		),
		aroStatusTotal: prometheus.NewDesc(
			"lowpand_nd_registrations_total",
			"Total address registrations answered by status.",
			[]string{"status"}, nil,
		),
		bootstrapRestarts: prometheus.NewDesc(
			"lowpand_nd_bootstrap_restarts_total",
			"Total router discovery restarts.",
			nil, nil,
		),
		objectsCreated: prometheus.NewDesc(
			"lowpand_nd_router_objects_created_total",
			"Total ND router objects created.",
			nil, nil,
		),
		relayTimeoutsTotal: prometheus.NewDesc(
			"lowpand_nd_relay_timeouts_total",
			"Total relayed registrations that got no answer.",
			nil, nil,
		),
		raDeferredTotal: prometheus.NewDesc(
			"lowpand_ra_deferred_total",
			"Total RAs postponed by the minimum spacing.",
			nil, nil,
		),
		ifaceActive: prometheus.NewDesc(
			"lowpand_interface_active",
			"Whether the interface has a usable router object.",
			[]string{"iface", "mode"}, nil,
		),
		ifaceNeighbors: prometheus.NewDesc(
			"lowpand_interface_neighbors",
			"Neighbor cache entries per interface.",
			[]string{"iface"}, nil,
		),
		routerObjects: prometheus.NewDesc(
			"lowpand_nd_router_objects",
			"ND router objects by state.",
			[]string{"iface", "state"}, nil,
		),
		routes: prometheus.NewDesc(
			"lowpand_routes",
			"Routes in the routing table.",
			nil, nil,
		),
		registrations: prometheus.NewDesc(
			"lowpand_registrations",
			"Addresses registered with this border router.",
			nil, nil,
		),
		raPending: prometheus.NewDesc(
			"lowpand_ra_pending",
			"RAs waiting in the scheduler.",
			nil, nil,
		),
		ticks: prometheus.NewDesc(
			"lowpand_ticks_total",
			"Timer ticks processed by the executor.",
			nil, nil,
		),
	}
}

func (c *lowpanCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsTotal
	ch <- c.dropsTotal
	ch <- c.icmpErrorsTotal
	ch <- c.icmpLimitedTotal
	ch <- c.fragmentsTotal
	ch <- c.resolutionTotal
	ch <- c.rxDroppedTotal
	ch <- c.ndMessagesTotal
	ch <- c.aroStatusTotal
	ch <- c.bootstrapRestarts
	ch <- c.objectsCreated
	ch <- c.relayTimeoutsTotal
	ch <- c.raDeferredTotal
	ch <- c.ifaceActive
	ch <- c.ifaceNeighbors
	ch <- c.routerObjects
	ch <- c.routes
	ch <- c.registrations
	ch <- c.raPending
	ch <- c.ticks
}

func (c *lowpanCollector) Collect(ch chan<- prometheus.Metric) {
	snap, err := c.srv.snapshot(context.Background())
	if err != nil {
		slog.Debug("api: metrics snapshot failed", "err", err)
		return
	}
	c.collectCore(ch, &snap.Core)
	c.collectND(ch, &snap)
	c.collectGauges(ch, &snap)
	ch <- prometheus.MustNewConstMetric(c.rxDroppedTotal, prometheus.CounterValue, float64(snap.RxDropped))
	ch <- prometheus.MustNewConstMetric(c.ticks, prometheus.CounterValue, float64(snap.Ticks))
}

func (c *lowpanCollector) collectCore(ch chan<- prometheus.Metric, st *ipv6.Stats) {
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	counter(c.packetsTotal, st.Received, "received")
	counter(c.packetsTotal, st.Sent, "sent")
	counter(c.packetsTotal, st.Forwarded, "forwarded")
	counter(c.packetsTotal, st.Delivered, "delivered")
	counter(c.packetsTotal, st.Looped, "looped")
	for _, r := range ipv6.DropReasons() {
		counter(c.dropsTotal, st.Drops[r], r.String())
	}
	counter(c.icmpErrorsTotal, st.DestUnreachSent, "destination_unreachable")
	counter(c.icmpErrorsTotal, st.PacketTooBigSent, "packet_too_big")
	counter(c.icmpErrorsTotal, st.TimeExceededSent, "time_exceeded")
	counter(c.icmpErrorsTotal, st.ParamProblemSent, "parameter_problem")
	counter(c.icmpLimitedTotal, st.ICMPSuppressed, "suppressed")
	counter(c.icmpLimitedTotal, st.ICMPRateLimited, "rate_limited")
	counter(c.fragmentsTotal, st.FragmentsSent, "sent")
	counter(c.fragmentsTotal, st.AtomicFragments, "atomic")
	counter(c.fragmentsTotal, st.Reassembled, "reassembled")
	counter(c.fragmentsTotal, st.ReassemblyTimeout, "timeout")
	counter(c.resolutionTotal, st.ResolutionQueued, "queued")
	counter(c.resolutionTotal, st.ResolutionEvicted, "evicted")
	counter(c.resolutionTotal, st.ResolutionFailures, "failed")
}

var aroStatusNames = [...]string{"success", "duplicate", "cache_full"}

func (c *lowpanCollector) collectND(ch chan<- prometheus.Metric, snap *stack.Snapshot) {
	nd := &snap.ND
	msg := func(v uint64, typ, dir string) {
		ch <- prometheus.MustNewConstMetric(c.ndMessagesTotal, prometheus.CounterValue, float64(v), typ, dir)
	}
	msg(nd.RSSent, "rs", "tx")
	msg(snap.RA.Sent, "ra", "tx")
	msg(nd.RAReceived, "ra", "rx")
	msg(nd.RAStale, "ra_stale", "rx")
	msg(nd.NSRegSent, "ns_aro", "tx")
	msg(nd.DARSent, "dar", "tx")
	msg(nd.DACSent, "dac", "tx")
	msg(nd.DACReceived, "dac", "rx")
	for i, n := range nd.ARO {
		ch <- prometheus.MustNewConstMetric(c.aroStatusTotal, prometheus.CounterValue, float64(n), aroStatusNames[i])
	}
	ch <- prometheus.MustNewConstMetric(c.bootstrapRestarts, prometheus.CounterValue, float64(nd.BootstrapRestarts))
	ch <- prometheus.MustNewConstMetric(c.objectsCreated, prometheus.CounterValue, float64(nd.ObjectsCreated))
	ch <- prometheus.MustNewConstMetric(c.relayTimeoutsTotal, prometheus.CounterValue, float64(nd.RelayTimeouts))
	ch <- prometheus.MustNewConstMetric(c.raDeferredTotal, prometheus.CounterValue, float64(snap.RA.Deferred))
}

func (c *lowpanCollector) collectGauges(ch chan<- prometheus.Metric, snap *stack.Snapshot) {
	names := make(map[int]string, len(snap.Interfaces))
	for _, ifc := range snap.Interfaces {
		names[ifc.ID] = ifc.Name
		active := 0.0
		if ifc.Active {
			active = 1
		}
		ch <- prometheus.MustNewConstMetric(c.ifaceActive, prometheus.GaugeValue, active, ifc.Name, ifc.Mode.String())
		ch <- prometheus.MustNewConstMetric(c.ifaceNeighbors, prometheus.GaugeValue, float64(ifc.Neighbors), ifc.Name)
	}

	type objKey struct{ iface, state string }
	objs := make(map[objKey]int)
	for _, o := range snap.Objects {
		name, ok := names[o.IfID]
		if !ok {
			name = strconv.Itoa(o.IfID)
		}
		objs[objKey{name, o.State.String()}]++
	}
	for k, n := range objs {
		ch <- prometheus.MustNewConstMetric(c.routerObjects, prometheus.GaugeValue, float64(n), k.iface, k.state)
	}
	ch <- prometheus.MustNewConstMetric(c.routes, prometheus.GaugeValue, float64(snap.Routes))
	ch <- prometheus.MustNewConstMetric(c.registrations, prometheus.GaugeValue, float64(snap.Whiteboard))
	ch <- prometheus.MustNewConstMetric(c.raPending, prometheus.GaugeValue, float64(snap.RAPending))
}
