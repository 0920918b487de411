package healthedge

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"
)

// backendHealthPath is the origin's reachability probe endpoint.
const backendHealthPath = "/health"

var errNoDefiniteProbe = errors.New("no internet probe produced a definite verdict")

// PlatformSource reports the execution environment's own notion of
// being online. The flag is read directly, never probed.
type PlatformSource interface {
	Online() bool
}

// interfacePlatform reports online when any non-loopback interface is
// up with an address. Host integrations that get pushed transitions
// should use NotifyPlatformChange instead.
type interfacePlatform struct{}

func (interfacePlatform) Online() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

// internetProbe is one strategy for the general-internet signal.
// definite=false means the mechanism itself could not answer and the
// next strategy in the list should be consulted.
type internetProbe struct {
	name string
	run  func(ctx context.Context) (online, definite bool)
}

// Detector derives one trustworthy connectivity verdict from three
// low-trust signals and notifies subscribers on verdict change only.
type Detector struct {
	origin          string
	client          *http.Client
	platform        PlatformSource
	internetProbes  []internetProbe
	backendTimeout  time.Duration
	internetTimeout time.Duration
	pollEvery       time.Duration
	debounce        time.Duration

	// checkMu serializes whole check-and-notify rounds so events are
	// delivered in verdict order.
	checkMu sync.Mutex

	mu            sync.Mutex
	state         ConnectivityState
	hasState      bool
	platformPin   *bool
	subs          map[int]func(ConnectivityState)
	nextSub       int
	debounceTimer *time.Timer

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newDetector(cfg Config, client *http.Client) *Detector {
	d := &Detector{
		origin:          cfg.Server.Origin,
		client:          client,
		platform:        interfacePlatform{},
		backendTimeout:  cfg.Connectivity.backendTimeoutDur,
		internetTimeout: cfg.Connectivity.internetTimeoutDur,
		pollEvery:       cfg.Connectivity.pollDur,
		debounce:        cfg.Connectivity.debounceDur,
		subs:            map[int]func(ConnectivityState){},
		stopCh:          make(chan struct{}),
	}

	probeURL := cfg.Connectivity.ProbeURL
	dnsAddr := cfg.Connectivity.DNSAddr

	d.internetProbes = []internetProbe{
		{
			name: "http-head",
			run: func(ctx context.Context) (bool, bool) {
				ctx, cancel := context.WithTimeout(ctx, d.internetTimeout)
				defer cancel()
				req, err := http.NewRequestWithContext(ctx, http.MethodHead, probeURL, nil)
				if err != nil {
					return false, false
				}
				resp, err := d.client.Do(req)
				if err != nil {
					// Let the dial strategy give the final answer.
					return false, false
				}
				resp.Body.Close()
				// Any response at all means the internet answered.
				return true, true
			},
		},
		{
			name: "dns-dial",
			run: func(ctx context.Context) (bool, bool) {
				ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
				defer cancel()
				var dialer net.Dialer
				conn, err := dialer.DialContext(ctx, "tcp", dnsAddr)
				if err != nil {
					return false, true
				}
				conn.Close()
				return true, true
			},
		},
	}

	return d
}

func (d *Detector) start() {
	if d.pollEvery <= 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		t := time.NewTicker(d.pollEvery)
		defer t.Stop()
		for {
			select {
			case <-d.stopCh:
				return
			case <-t.C:
				ctx, cancel := context.WithTimeout(context.Background(), d.checkBudget())
				d.Check(ctx)
				cancel()
			}
		}
	}()
}

func (d *Detector) stop() {
	close(d.stopCh)
	d.mu.Lock()
	if d.debounceTimer != nil {
		d.debounceTimer.Stop()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Detector) checkBudget() time.Duration {
	return d.backendTimeout + d.internetTimeout + time.Second
}

// Check runs all three signals and stores the AND verdict. Subscribers
// are invoked exactly once when the verdict differs from the stored
// one; unchanged verdicts fire nothing.
func (d *Detector) Check(ctx context.Context) ConnectivityState {
	d.checkMu.Lock()
	defer d.checkMu.Unlock()

	platform := d.platformOnline()
	backend, backendErr := d.probeBackend(ctx)
	internet, internetErr := d.probeInternet(ctx)

	st := ConnectivityState{
		PlatformOnline: platform,
		CheckedAt:      time.Now().UTC(),
		Method:         MethodComprehensive,
	}
	if backendErr != nil && internetErr != nil {
		// Every probe mechanism failed; trust the platform flag alone.
		st.Overall = platform
		st.Method = MethodFallback
	} else {
		st.BackendReachable = backend
		st.InternetReachable = internet
		st.Overall = platform && backend && internet
	}

	d.storeAndNotify(st)
	return st
}

// State returns the last stored verdict without probing.
func (d *Detector) State() (ConnectivityState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, d.hasState
}

// Subscribe registers a change listener and returns an idempotent
// unsubscribe handle.
func (d *Detector) Subscribe(fn func(ConnectivityState)) func() {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

// SetPlatformOnline pins the platform-reported flag, overriding the
// default interface scan. Used by host integrations that receive
// online/offline transitions directly.
func (d *Detector) SetPlatformOnline(online bool) {
	d.mu.Lock()
	d.platformPin = &online
	d.mu.Unlock()
}

// NotifyPlatformChange records a platform transition and schedules an
// eager re-check after the debounce delay, letting the network stack
// settle first.
func (d *Detector) NotifyPlatformChange(online bool) {
	d.SetPlatformOnline(online)
	d.mu.Lock()
	if d.debounceTimer != nil {
		d.debounceTimer.Stop()
	}
	d.debounceTimer = time.AfterFunc(d.debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.checkBudget())
		defer cancel()
		d.Check(ctx)
	})
	d.mu.Unlock()
}

func (d *Detector) platformOnline() bool {
	d.mu.Lock()
	pin := d.platformPin
	d.mu.Unlock()
	if pin != nil {
		return *pin
	}
	return d.platform.Online()
}

// probeBackend issues a lightweight status request to the origin's
// health path. An unreachable backend is a definite negative; the
// returned error only flags a broken probe mechanism.
func (d *Detector) probeBackend(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.backendTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.origin+backendHealthPath, nil)
	if err != nil {
		return false, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// probeInternet walks the strategy list until one yields a definite
// boolean.
func (d *Detector) probeInternet(ctx context.Context) (bool, error) {
	for _, p := range d.internetProbes {
		online, definite := p.run(ctx)
		if definite {
			return online, nil
		}
	}
	return false, errNoDefiniteProbe
}

func (d *Detector) storeAndNotify(st ConnectivityState) {
	d.mu.Lock()
	changed := !d.hasState || d.state.Overall != st.Overall
	d.state = st
	d.hasState = true
	var listeners []func(ConnectivityState)
	if changed {
		listeners = make([]func(ConnectivityState), 0, len(d.subs))
		for _, fn := range d.subs {
			listeners = append(listeners, fn)
		}
	}
	d.mu.Unlock()

	for _, fn := range listeners {
		d.deliver(fn, st)
	}
}

// deliver isolates subscriber faults so one failing listener cannot
// suppress delivery to the rest.
func (d *Detector) deliver(fn func(ConnectivityState), st ConnectivityState) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("connectivity: subscriber panic: %v", r)
		}
	}()
	fn(st)
}
