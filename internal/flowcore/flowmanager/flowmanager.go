// Package flowmanager implements the top-level dispatcher of spec §4.5:
// the dictionary of calls, inbound signalling-event dispatch with
// unknown-flow replay, outbound REST requests, and call-config fetch with
// expiry-based refresh. Grounded on the teacher's top-level service wiring
// (services/signaling/b2bua) for the "single owning object dispatches to
// per-conversation state" shape, generalised from SIP dialogs to flows.
package flowmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sebas/flowcore/internal/flowcore/call"
	"github.com/sebas/flowcore/internal/flowcore/events"
	"github.com/sebas/flowcore/internal/flowcore/ferrors"
	"github.com/sebas/flowcore/internal/flowcore/flow"
	"github.com/sebas/flowcore/internal/flowcore/logging"
	"github.com/sebas/flowcore/internal/flowcore/marshal"
	"github.com/sebas/flowcore/internal/flowcore/mcat"
	"github.com/sebas/flowcore/internal/flowcore/mediaflow"
	"github.com/sebas/flowcore/internal/flowcore/mediasystem"
	"github.com/sebas/flowcore/internal/flowcore/metrics"
	"github.com/sebas/flowcore/internal/flowcore/restclient"
	"github.com/sebas/flowcore/internal/flowcore/rr"
)

var log = logging.For("flowmanager")

// defaultConfigExpiry mirrors the original's 7200-second call-config
// expiry; refresh is scheduled at 90% of it (spec §4.5).
const defaultConfigExpiry = 7200 * time.Second

// configRetryDelay is used when a config fetch fails (spec §4.5).
const configRetryDelay = 60 * time.Second

// ErrorHandler is the per-flowmgr error callback of spec §7.
type ErrorHandler func(convID string, err error)

// MediaEstablishedHandler fires on every established-state transition.
type MediaEstablishedHandler func(convID string, established bool)

// CategoryHandler reports every pending category change.
type CategoryHandler func(convID string, cat mcat.Category)

// ConferenceHandler reports the reordered conference-participant list.
type ConferenceHandler func(convID string, participants []string)

// NetworkQualityHandler is the per-call network-quality callback of spec
// §7: fired when the RTP watchdog's first-stage timeout notices an
// interruption.
type NetworkQualityHandler func(convID string, interrupted bool)

// Config configures a FlowManager (spec §4.5 alloc).
type Config struct {
	SelfUserID          string
	MediaSystem         *mediasystem.MediaSystem
	Handler             restclient.Handler
	Metrics             *metrics.Registry // nil disables metrics posting
	AccessToken         func() string     // returns current bearer token, or ""
	OnError             ErrorHandler
	OnMediaEstablished  MediaEstablishedHandler
	OnCategoryChange    CategoryHandler
	OnConference        ConferenceHandler
	OnNetworkQuality    NetworkQualityHandler
	MarshalQueueDepth   int
}

type pendingKey struct {
	convID string
	flowID string
}

// FlowManager is the top-level dispatcher of spec §3/§4.5.
type FlowManager struct {
	cfg     Config
	ms      *mediasystem.MediaSystem
	handler restclient.Handler
	metrics *metrics.Registry
	mrsh    *marshal.Marshal
	rrs     *rr.Registry

	mu           sync.Mutex
	calls        map[string]*call.Call
	pending      map[pendingKey][][]byte
	postPending  map[string]bool
	configReady  bool
	refreshTimer *time.Timer
}

// New constructs a FlowManager. If cfg.MediaSystem is already started, a
// call-config fetch is triggered immediately (spec §4.5 alloc).
func New(cfg Config) *FlowManager {
	fm := &FlowManager{
		cfg:     cfg,
		ms:      cfg.MediaSystem,
		handler: cfg.Handler,
		metrics: cfg.Metrics,
		mrsh:    marshal.New(cfg.MarshalQueueDepth),
		rrs:     rr.NewRegistry(),
		calls:   make(map[string]*call.Call),
		pending: make(map[pendingKey][][]byte),
		postPending: make(map[string]bool),
	}
	if fm.ms != nil && fm.ms.Started() {
		fm.FetchCallConfig()
	}
	return fm
}

// Marshal exposes the thread-boundary queue; callers outside the
// event-loop goroutine should wrap direct calls in Marshal().Send.
func (fm *FlowManager) Marshal() *marshal.Marshal {
	return fm.mrsh
}

// Run drains the marshal queue; the calling goroutine becomes the
// event-loop thread of spec §5. Blocks until Shutdown.
func (fm *FlowManager) Run() {
	fm.mrsh.Run()
}

// Shutdown cancels every pending RR with a synthetic 499 response and
// stops the event loop (spec §5 Cancellation).
func (fm *FlowManager) Shutdown() {
	fm.mu.Lock()
	if fm.refreshTimer != nil {
		fm.refreshTimer.Stop()
	}
	fm.mu.Unlock()
	fm.rrs.CancelAll()
	fm.mrsh.Close()
}

// getOrCreateCall returns the Call for convID, creating it if necessary
// (spec §4.4 lookup_alloc).
func (fm *FlowManager) getOrCreateCall(convID string) *call.Call {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if c, ok := fm.calls[convID]; ok {
		return c
	}
	c := call.New(convID, fm.callHooks(convID))
	fm.calls[convID] = c
	if fm.metrics != nil {
		fm.metrics.ActiveCalls.Inc()
	}
	return c
}

func (fm *FlowManager) callHooks(convID string) call.Hooks {
	return call.Hooks{
		AllocMediaflow: fm.allocMediaflow,
		NetworkQuality: func(convID string, interrupted bool) {
			if fm.cfg.OnNetworkQuality != nil {
				fm.cfg.OnNetworkQuality(convID, interrupted)
			}
		},
		PutLocalSDP: func(flowID string, t mediaflow.SDPType, body string) {
			fm.putLocalSDP(convID, flowID, t, body)
		},
		PostFlows: func(sdp map[string]call.Offer) ([]events.RawFlow, error) {
			return fm.postFlows(convID, sdp)
		},
		DeleteFlowReq: func(flowID string, reason flow.DeleteReason) {
			fm.deleteFlow(convID, flowID, reason)
		},
		CategoryChanged: func(convID string, cat mcat.Category) {
			if fm.cfg.OnCategoryChange != nil {
				fm.cfg.OnCategoryChange(convID, cat)
			}
		},
		MediaEstablished: func(convID string, established bool) {
			if fm.cfg.OnMediaEstablished != nil {
				fm.cfg.OnMediaEstablished(convID, established)
			}
		},
		ErrorHandler: func(convID string) {
			if fm.cfg.OnError != nil {
				fm.cfg.OnError(convID, ferrors.ErrMediaFail)
			}
		},
		Conference: func(convID string, participants []string) {
			if fm.cfg.OnConference != nil {
				fm.cfg.OnConference(convID, participants)
			}
		},
		FlowAdded: func(flowID string) {
			if fm.metrics != nil {
				fm.metrics.ActiveFlows.Inc()
				fm.metrics.FlowsAdded.Inc()
			}
			fm.replayFlow(convID, flowID)
		},
		FlowRemoved: func(flowID string, wasEstablished bool) {
			if fm.metrics != nil {
				fm.metrics.ActiveFlows.Dec()
				if wasEstablished {
					fm.metrics.EstablishedFlows.Dec()
				}
			}
		},
		FlowEstablished: func(flowID string, setupTime time.Duration) {
			if fm.metrics != nil {
				fm.metrics.EstablishedFlows.Inc()
				fm.metrics.SetupTime.Observe(setupTime.Seconds())
			}
		},
		FlowErrored: func(flowID string) {
			if fm.metrics != nil {
				fm.metrics.FlowErrors.Inc()
			}
		},
	}
}

// ProcessEvent decodes and dispatches one inbound signalling event (spec
// §4.5 process_event), direct form — call from the event-loop goroutine.
func (fm *FlowManager) ProcessEvent(content []byte) error {
	ev, err := events.Decode(content)
	if err != nil {
		log.Warn("process_event: decode failed", "err", err)
		return err
	}
	convID := ev.ConvID()
	c := fm.getOrCreateCall(convID)

	switch e := ev.(type) {
	case events.FlowAdd:
		c.FlowAdd(e)

	case events.FlowDelete:
		f, ok := c.Flow(e.FlowID())
		if !ok {
			log.Warn("flow-delete for unknown flow, dropped", "flow", e.FlowID())
			return nil
		}
		reason := flow.ReasonReleased
		if e.Reason == "timeout" {
			reason = flow.ReasonTimeout
		}
		f.HandleDelete(reason)

	case events.FlowActive:
		f, ok := c.Flow(e.FlowID())
		if !ok {
			fm.enqueueUnknown(convID, e.FlowID(), content)
			return nil
		}
		f.HandleActive(e, c.Category())

	case events.RemoteCandidates:
		f, ok := c.Flow(e.FlowID())
		if !ok {
			fm.enqueueUnknown(convID, e.FlowID(), content)
			return nil
		}
		f.HandleCandidates(e.Candidates)

	case events.RemoteSDP:
		f, ok := c.Flow(e.FlowID())
		if !ok {
			fm.enqueueUnknown(convID, e.FlowID(), content)
			return nil
		}
		return f.HandleSDP(e, c.Category())
	}
	return nil
}

// MarshalProcessEvent is the marshal_* wrapper of ProcessEvent (spec §4.6).
func (fm *FlowManager) MarshalProcessEvent(content []byte) error {
	return marshal.SendVal(fm.mrsh, func() error { return fm.ProcessEvent(content) })
}

func (fm *FlowManager) enqueueUnknown(convID, flowID string, content []byte) {
	key := pendingKey{convID, flowID}
	fm.mu.Lock()
	fm.pending[key] = append(fm.pending[key], content)
	fm.mu.Unlock()
	log.Debug("queued event for unknown flow", "convid", convID, "flow", flowID)
}

// replayFlow re-dispatches every event queued for flowID, in arrival order,
// once it is known (spec §4.5, §8 invariant 5).
func (fm *FlowManager) replayFlow(convID, flowID string) {
	key := pendingKey{convID, flowID}
	fm.mu.Lock()
	queued := fm.pending[key]
	delete(fm.pending, key)
	fm.mu.Unlock()

	for _, content := range queued {
		if err := fm.ProcessEvent(content); err != nil {
			log.Warn("replay: process_event failed", "convid", convID, "flow", flowID, "err", err)
		}
	}
}

// Resp matches an asynchronous REST response against its RR and invokes
// the registered callback (spec §4.5 resp).
func (fm *FlowManager) Resp(rrID string, status int, reason, contentType string, content []byte) {
	fm.rrs.Complete(rrID, status, reason, contentType, content)
}

// AcquireFlows lookup-or-allocates the Call, activates it, then posts
// flows immediately or enqueues on the post-pending list until the call
// config is ready (spec §4.5 acquire_flows).
func (fm *FlowManager) AcquireFlows(convID, sessID string) error {
	c := fm.getOrCreateCall(convID)
	c.SetSession(sessID)
	c.SetActive(true)

	fm.mu.Lock()
	ready := fm.configReady
	if !ready {
		fm.postPending[convID] = true
	}
	fm.mu.Unlock()

	if !ready {
		return nil
	}
	return c.PostFlows()
}

// ReleaseFlows tears down a call: posts metrics, cancels outstanding RRs,
// and drops the call (spec §4.5 release_flows).
func (fm *FlowManager) ReleaseFlows(convID string) {
	fm.mu.Lock()
	c, ok := fm.calls[convID]
	delete(fm.calls, convID)
	delete(fm.postPending, convID)
	fm.mu.Unlock()
	if !ok {
		return
	}

	if fm.metrics != nil {
		fm.metrics.ActiveCalls.Dec()
		fm.sendMetrics(convID, c, "complete")
	}
	fm.rrs.CancelAllForCall(convID)
	c.DeestablishMedia()
}

// HasMedia reports whether convID currently has an established flow
// (SPEC_FULL §12.7 supplemented feature, backing flowmgr_has_media).
func (fm *FlowManager) HasMedia(convID string) bool {
	fm.mu.Lock()
	c, ok := fm.calls[convID]
	fm.mu.Unlock()
	return ok && c.HasMedia()
}

func (fm *FlowManager) authHeader() string {
	if fm.cfg.AccessToken == nil {
		return ""
	}
	if tok := fm.cfg.AccessToken(); tok != "" {
		return "Bearer " + tok
	}
	return ""
}

func (fm *FlowManager) doJSON(ctx context.Context, method, path string, body []byte) (restclient.Response, error) {
	return fm.handler.Do(ctx, restclient.Request{Method: method, Path: path, Body: body})
}

func (fm *FlowManager) postFlows(convID string, sdp map[string]call.Offer) ([]events.RawFlow, error) {
	path := fmt.Sprintf("/conversations/%s/call/flows", convID)
	var body []byte
	if len(sdp) > 0 {
		path += "/v2"
		b, err := json.Marshal(struct {
			SDP map[string]call.Offer `json:"sdp"`
		}{SDP: sdp})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ferrors.ErrInvalidArgument, err)
		}
		body = b
	}

	resp, err := fm.doJSON(context.Background(), http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	if resp.Status/100 != 2 {
		return nil, fmt.Errorf("%w: post flows status %d", ferrors.ErrProtocol, resp.Status)
	}

	var parsed struct {
		Flows []events.RawFlow `json:"flows"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ferrors.ErrProtocol, err)
	}
	return parsed.Flows, nil
}

func (fm *FlowManager) putLocalSDP(convID, flowID string, t mediaflow.SDPType, body string) {
	payload, err := json.Marshal(struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}{Type: string(t), SDP: body})
	if err != nil {
		log.Warn("put local_sdp: marshal failed", "flow", flowID, "err", err)
		return
	}
	path := fmt.Sprintf("/conversations/%s/call/flows/%s/local_sdp", convID, flowID)
	go func() {
		resp, err := fm.doJSON(context.Background(), http.MethodPut, path, payload)
		if err != nil || resp.Status/100 != 2 {
			log.Warn("put local_sdp failed", "flow", flowID, "err", err, "status", resp.Status)
		}
	}()
}

func (fm *FlowManager) deleteFlow(convID, flowID string, reason flow.DeleteReason) {
	path := fmt.Sprintf("/conversations/%s/call/flows/%s?reason=%s", convID, flowID, reason)
	go func() {
		if _, err := fm.doJSON(context.Background(), http.MethodDelete, path, nil); err != nil {
			log.Warn("delete flow failed", "flow", flowID, "err", err)
		}
		if fm.metrics != nil {
			fm.metrics.FlowsDeleted.Inc()
		}
	}()
}

// metricsBody is the top-level §4.5 send_metrics payload: one entry per
// flow the call held, plus an aggregate success flag, replacing the
// original's "flatten the first matching flow into the call dict" idiom
// with a typed per-flow collection.
type metricsBody struct {
	Flows   []metrics.FlowStats `json:"flows"`
	Success bool                `json:"success"`
}

// sendMetrics posts the collected per-flow statistics for c to
// …/call/metrics[/<path>] (spec §4.5 send_metrics). path is appended as the
// optional sub-resource ("complete" on call teardown); pass "" for the base
// form.
func (fm *FlowManager) sendMetrics(convID string, c *call.Call, path string) {
	rec := fm.rrs.Alloc(convID, "metrics", func(status int, reason, ct string, content []byte, arg any) {}, nil)
	if fm.metrics != nil {
		fm.metrics.MetricsPosted.Inc()
	}

	flows := c.FlowStats()
	success := true
	for _, fs := range flows {
		success = success && fs.Success
	}
	body, err := json.Marshal(metricsBody{Flows: flows, Success: success})
	if err != nil {
		log.Warn("send_metrics: marshal failed", "convid", convID, "err", err)
		body = []byte(`{}`)
	}

	reqPath := fmt.Sprintf("/conversations/%s/call/metrics", convID)
	if path != "" {
		reqPath = fmt.Sprintf("%s/%s", reqPath, path)
	}
	go func() {
		resp, err := fm.doJSON(context.Background(), http.MethodPost, reqPath, body)
		status := 0
		if err == nil {
			status = resp.Status
		}
		fm.mrsh.Send(func() { fm.Resp(rec.ID, status, "", "", nil) })
	}()
}

// FetchCallConfig issues GET /calls/config, reschedules itself at 90% of
// the default expiry on success, and retries after 60s on failure (spec
// §4.5). Pending calls waiting on config are drained on success.
func (fm *FlowManager) FetchCallConfig() {
	go func() {
		resp, err := fm.doJSON(context.Background(), http.MethodGet, "/calls/config", nil)
		if err != nil || resp.Status/100 != 2 {
			log.Warn("call config fetch failed, retrying", "err", err, "retry_in", configRetryDelay)
			fm.scheduleConfigRefresh(configRetryDelay)
			return
		}

		var parsed struct {
			ICEServers []struct {
				URL        string `json:"url"`
				Username   string `json:"username"`
				Credential string `json:"credential"`
			} `json:"ice_servers"`
		}
		if err := json.Unmarshal(resp.Body, &parsed); err != nil {
			log.Warn("call config: malformed response, retrying", "err", err)
			fm.scheduleConfigRefresh(configRetryDelay)
			return
		}

		raw := make([]mediasystem.RawICEServer, 0, len(parsed.ICEServers))
		for _, s := range parsed.ICEServers {
			raw = append(raw, mediasystem.RawICEServer{URL: s.URL, Username: s.Username, Credential: s.Credential})
		}

		fm.mrsh.Send(func() {
			if fm.ms != nil {
				_ = fm.ms.SetCallConfig(raw)
			}
			fm.mu.Lock()
			fm.configReady = true
			pending := make([]string, 0, len(fm.postPending))
			for convID := range fm.postPending {
				pending = append(pending, convID)
			}
			fm.postPending = make(map[string]bool)
			fm.mu.Unlock()

			for _, convID := range pending {
				fm.mu.Lock()
				c, ok := fm.calls[convID]
				fm.mu.Unlock()
				if ok {
					if err := c.PostFlows(); err != nil {
						log.Warn("drain post-pending: post_flows failed", "convid", convID, "err", err)
					}
				}
			}
		})

		fm.scheduleConfigRefresh(time.Duration(float64(defaultConfigExpiry) * 0.9))
	}()
}

func (fm *FlowManager) scheduleConfigRefresh(d time.Duration) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.refreshTimer != nil {
		fm.refreshTimer.Stop()
	}
	fm.refreshTimer = time.AfterFunc(d, fm.FetchCallConfig)
}

func (fm *FlowManager) allocMediaflow(userID, name string, cb mediaflow.Callbacks) (mediaflow.Mediaflow, error) {
	if fm.ms == nil {
		return nil, ferrors.ErrInvalidArgument
	}
	flags := fm.ms.Flags()

	localAddr := pickLocalAddr()
	if localAddr == nil && !flags.Loopback {
		return nil, ferrors.ErrNoLocalAddr
	}
	if localAddr == nil {
		localAddr = net.IPv4(127, 0, 0, 1)
	}

	cfg := mediaflow.Config{
		SelfUserID:   fm.cfg.SelfUserID,
		RemoteUserID: userID,
		LocalAddr:    localAddr,
		Loopback:     flags.Loopback,
		Privacy:      flags.Privacy,
		AudioCodecs:  fm.ms.Codecs().Audio(),
		Callbacks:    cb,
	}
	mf := mediaflow.New(cfg)
	mf.EnablePrivacy(flags.Privacy)

	ifaces, _ := net.Interfaces()
	for _, iface := range ifaces {
		if flags.BindInterface != "" && iface.Name != flags.BindInterface {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, a := range addrs {
			ip := ipFromAddr(a)
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			if err := mf.AddLocalHostCandidate(iface, ip); err != nil {
				log.Warn("add local host candidate failed", "iface", iface.Name, "err", err)
			}
		}
	}

	for _, srv := range fm.ms.CallConfig().ICEServers {
		switch {
		case srv.Scheme == "stun":
			_ = mf.GatherSTUN(srv.Address)
		case srv.Scheme == "turn" && srv.Transport == "tcp":
			_ = mf.GatherTURNTCP(srv.Address, srv.Username, srv.Credential)
		case srv.Scheme == "turn":
			_ = mf.GatherTURN(srv.Address, srv.Username, srv.Credential)
		}
	}

	return mf, nil
}

func ipFromAddr(a net.Addr) net.IP {
	switch v := a.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	default:
		return nil
	}
}

// pickLocalAddr prefers IPv4, then IPv6, over any non-loopback interface
// (spec §4.2 Userflow.alloc: "local source address preferring IPv4, then
// IPv6, then loopback").
func pickLocalAddr() net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var v6 net.IP
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ip := ipFromAddr(a)
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			if ip4 := ip.To4(); ip4 != nil {
				return ip4
			}
			if v6 == nil {
				v6 = ip
			}
		}
	}
	return v6
}
