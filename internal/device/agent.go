package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"foresta.dev/guardian/internal/protocol"
	"foresta.dev/guardian/internal/transmit"
	"foresta.dev/guardian/pkg/metrics"
)

// ErrDecommissioned is returned by Run once the device has been decommissioned.
var ErrDecommissioned = errors.New("device decommissioned")

// DefaultCapabilities are advertised at registration when none are configured.
var DefaultCapabilities = []string{"temperature", "humidity", "smoke", "audio", "gps"}

const (
	defaultLowPowerFloor    = 20
	defaultLowPowerRecovery = 25
	locationTimeout         = 10 * time.Second
	eventBuffer             = 16
)

// Agent runs one field unit through its lifecycle.
type Agent struct {
	logger       *slog.Logger
	client       *transmit.Client
	stateFile    *StateFile
	sensors      Sensors
	location     LocationProvider
	probe        SystemProbe
	logs         *LogBuffer
	metrics      *metrics.DeviceMetrics
	firmware     string
	capabilities []string
	retry        time.Duration
	now          func() time.Time

	events chan Event
	alerts sync.WaitGroup

	// detectMu serializes Observe between the sampling and periodic loops.
	detectMu sync.Mutex

	mu          sync.RWMutex
	state       State
	detector    *Detector
	window      *Window
	lastSample  *Sample
	lastFix     *protocol.GPSCoordinates
	rejectedKey string
	runCtx      context.Context
	cancelRun   context.CancelFunc
}

// Config holds the configuration for the Agent.
type Config struct {
	Logger   *slog.Logger
	Client   *transmit.Client
	State    *StateFile
	Sensors  Sensors
	Location LocationProvider
	Probe    SystemProbe // Optional, defaults to HostProbe
	Logs     *LogBuffer  // Optional, troubleshooting uploads are skipped without it
	Metrics  *metrics.DeviceMetrics
	Firmware string
	// Capabilities advertised at registration. Defaults to DefaultCapabilities.
	Capabilities []string
	// RetryInterval paces registration retries after errors. Defaults to DefaultApprovalPoll.
	RetryInterval time.Duration
	Now           func() time.Time
}

// New creates a new Agent instance. The state file must already hold the identity
// the client was built for; see LoadOrCreateState.
func New(cfg *Config) (*Agent, error) {
	if cfg == nil {
		return nil, errors.New("agent config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Client == nil {
		return nil, errors.New("transmit client cannot be nil")
	}

	if cfg.State == nil {
		return nil, errors.New("state file cannot be nil")
	}

	if cfg.Sensors == nil {
		return nil, errors.New("sensors cannot be nil")
	}

	if cfg.Location == nil {
		return nil, errors.New("location provider cannot be nil")
	}

	if _, err := semver.NewVersion(cfg.Firmware); err != nil {
		return nil, fmt.Errorf("invalid firmware version %q: %w", cfg.Firmware, err)
	}

	st, err := cfg.State.Load()
	if err != nil {
		return nil, err
	}
	if st.Identity.HardwareID != cfg.Client.HardwareID() {
		return nil, fmt.Errorf("state file identity %s does not match client %s", st.Identity.HardwareID, cfg.Client.HardwareID())
	}

	a := &Agent{
		logger:       cfg.Logger.With("component", "agent", "hardware_id", st.Identity.HardwareID),
		client:       cfg.Client,
		stateFile:    cfg.State,
		sensors:      cfg.Sensors,
		location:     cfg.Location,
		probe:        cfg.Probe,
		logs:         cfg.Logs,
		metrics:      cfg.Metrics,
		firmware:     cfg.Firmware,
		capabilities: cfg.Capabilities,
		retry:        cfg.RetryInterval,
		now:          cfg.Now,
		events:       make(chan Event, eventBuffer),
		state:        *st,
		window:       NewWindow(st.WindowAcknowledged),
	}
	if a.probe == nil {
		a.probe = HostProbe{}
	}
	if len(a.capabilities) == 0 {
		a.capabilities = DefaultCapabilities
	}
	if a.retry <= 0 {
		a.retry = DefaultApprovalPoll
	}
	if a.now == nil {
		a.now = time.Now
	}

	switch {
	case st.Mode == ModeDecommissioned:
	case st.Config != nil && st.Config.Validate() == nil:
		a.installLocked(st.Config)
		a.logger = a.logger.With("sensor_id", st.Config.SensorID)
	case st.Mode != ModeUnregistered && st.Mode != ModePending:
		a.logger.Warn("persisted operating config unusable, registering again", "mode", st.Mode)
		a.state.Mode = ModeUnregistered
		a.state.Config = nil
	}
	a.client.SetLastAcknowledged(st.LastAcknowledged)

	return a, nil
}

// LoadOrCreateState loads the persisted state, generating and saving a fresh
// identity on first boot.
func LoadOrCreateState(f *StateFile) (*State, error) {
	st, err := f.Load()
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, ErrNoState) {
		return nil, err
	}

	st = &State{Identity: NewIdentity(), Mode: ModeUnregistered, UpdatedAt: time.Now().UTC()}
	if err := f.Save(st); err != nil {
		return nil, err
	}
	return st, nil
}

// Mode returns the current operating mode.
func (a *Agent) Mode() Mode {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Mode
}

// Profile returns the timer configuration of the current mode.
func (a *Agent) Profile() Profile {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return ProfileFor(a.state.Mode, a.state.Config)
}

// Config returns a copy of the operating config snapshot, or nil before approval.
func (a *Agent) Config() *protocol.OperatingConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.state.Config == nil {
		return nil
	}
	cfg := *a.state.Config
	return &cfg
}

// Identity returns the device identity.
func (a *Agent) Identity() Identity {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Identity
}

// Troubleshoot asks a monitoring device to run its diagnostics.
func (a *Agent) Troubleshoot() {
	a.signal(EventTroubleshoot)
}

// Decommission stops the device for good: every loop and in-flight retry is
// cancelled and the credential is wiped from the state file.
func (a *Agent) Decommission(reason string) {
	a.decommission(reason)
}

// Run drives the device until ctx is cancelled or the device is decommissioned.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	a.runCtx, a.cancelRun = ctx, cancel
	a.mu.Unlock()

	a.logger.Info("agent started", "mode", a.Mode(), "firmware_version", a.firmware)

	for ctx.Err() == nil {
		switch a.Mode() {
		case ModeUnregistered:
			a.register(ctx)
		case ModePending:
			a.awaitApproval(ctx)
		case ModeMonitoring, ModeLowPower:
			a.monitor(ctx)
		case ModeTroubleshooting:
			a.troubleshoot(ctx)
		case ModeDecommissioned:
			cancel()
		}
	}

	a.alerts.Wait()

	if a.Mode() == ModeDecommissioned {
		a.logger.Warn("device is decommissioned, transmission stopped")
		return ErrDecommissioned
	}
	a.logger.Info("agent stopped", "mode", a.Mode())
	return nil
}

func (a *Agent) register(ctx context.Context) {
	var battery float64
	if s, err := a.sensors.Sample(ctx); err == nil {
		battery = s.Battery.Percentage
	}

	id := a.Identity()
	resp, err := a.client.Register(ctx, &protocol.RegistrationRequest{
		UUID:              id.HardwareID,
		RegistrationToken: id.RegistrationToken,
		FirmwareVersion:   a.firmware,
		Capabilities:      a.capabilities,
		BatteryPercentage: battery,
	})
	switch {
	case errors.Is(err, protocol.ErrForbidden):
		a.decommission(protocol.ReasonOf(err))
		return
	case err != nil:
		a.logger.Warn("registration failed", "error", err, "retry_in", a.retry)
		a.wait(ctx, a.retry)
		return
	}

	if a.handleRegistration(resp) && a.Mode() == ModePending {
		a.logger.Info("registration submitted, awaiting approval")
	}
	if resp.Status == protocol.RegistrationRejected && a.Mode() != ModeDecommissioned {
		a.wait(ctx, a.retry)
	}
}

func (a *Agent) awaitApproval(ctx context.Context) {
	resp, err := a.client.PollApproval(ctx, a.Identity().RegistrationToken)
	switch {
	case errors.Is(err, protocol.ErrForbidden):
		a.decommission(protocol.ReasonOf(err))
		return
	case errors.Is(err, protocol.ErrUnauthorized):
		a.logger.Warn("gateway does not know this registration, registering again", "error", err)
		a.apply(EventCredentialLost)
		return
	case err != nil:
		a.logger.Warn("approval poll failed", "error", err)
	default:
		a.handleRegistration(resp)
	}

	if a.Mode() == ModePending {
		a.wait(ctx, a.Profile().ApprovalPoll)
	}
}

// handleRegistration applies a registration or poll response and reports whether
// it was understood.
func (a *Agent) handleRegistration(resp *protocol.RegistrationResponse) bool {
	switch resp.Status {
	case protocol.RegistrationPending:
		a.apply(EventRegistered)
		return true

	case protocol.RegistrationApproved:
		if err := a.install(resp.Config); err != nil {
			a.logger.Error("approval carried an unusable operating config", "error", err)
			return false
		}
		a.apply(EventApproved)
		return true

	case protocol.RegistrationRejected:
		if resp.Reason == protocol.ReasonDecommissioned {
			a.decommission(resp.Reason)
			return true
		}
		a.logger.Error("registration rejected", "reason", resp.Reason)
		return true
	}

	a.logger.Error("unknown registration status", "status", resp.Status)
	return false
}

// install validates and persists an operating config before the device uses it.
// An empty api_key keeps the credential already held.
func (a *Agent) install(cfg *protocol.OperatingConfig) error {
	if cfg == nil {
		return errors.New("operating config missing")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	next := *cfg
	if next.APIKey == "" && a.state.Config != nil {
		next.APIKey = a.state.Config.APIKey
	}
	if next.APIKey == "" {
		return errors.New("credential was already delivered and is not held locally")
	}
	if next.FailureThreshold == 0 {
		next.FailureThreshold = DefaultFailureThreshold
	}
	if err := next.Validate(); err != nil {
		return err
	}

	rotated := a.state.Config != nil && a.state.Config.APIKey != next.APIKey
	prev := a.state.Config
	a.state.Config = &next
	if err := a.saveLocked(); err != nil {
		a.state.Config = prev
		return fmt.Errorf("failed to persist operating config: %w", err)
	}

	a.installLocked(&next)
	if rotated {
		a.logger.Info("credential rotated")
	}
	return nil
}

func (a *Agent) installLocked(cfg *protocol.OperatingConfig) {
	a.client.Configure(cfg)
	a.detector = NewDetector(cfg.Thresholds, cfg.AlertCooldown.Std())
}

// monitor runs the health, periodic and sampling loops until the device leaves
// the active modes.
func (a *Agent) monitor(ctx context.Context) {
	a.drainEvents()

	activeCtx, cancel := context.WithCancel(ctx)
	var loops sync.WaitGroup
	defer func() {
		cancel()
		loops.Wait()
	}()

	loops.Add(3)
	go a.every(activeCtx, &loops, true, func(p Profile) time.Duration { return p.Sample }, a.sampleOnce)
	go a.every(activeCtx, &loops, true, func(p Profile) time.Duration { return p.HealthCheck }, a.healthOnce)
	go a.every(activeCtx, &loops, false, func(p Profile) time.Duration { return p.PeriodicData }, a.periodicOnce)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.events:
			a.apply(ev)
			if !a.Mode().Active() {
				return
			}
		}
	}
}

// troubleshoot keeps sampling and retries the diagnostics every health interval
// until they pass.
func (a *Agent) troubleshoot(ctx context.Context) {
	sampleCtx, cancel := context.WithCancel(ctx)
	var loops sync.WaitGroup
	defer func() {
		cancel()
		loops.Wait()
	}()

	loops.Add(1)
	go a.every(sampleCtx, &loops, true, func(p Profile) time.Duration { return p.Sample }, a.sampleOnce)

	for ctx.Err() == nil && a.Mode() == ModeTroubleshooting {
		err := a.diagnose(ctx)
		if err == nil {
			a.apply(EventRecovered)
			return
		}
		if ctx.Err() != nil || a.Mode() != ModeTroubleshooting {
			return
		}
		a.logger.Warn("diagnostics failed", "error", err)
		a.wait(ctx, a.Profile().HealthCheck)
		a.drainEvents()
	}
}

// diagnose runs the connectivity test, the sensor self-test, picks up a reissued
// credential, uploads buffered logs and replays queued alerts.
func (a *Agent) diagnose(ctx context.Context) error {
	a.logger.Info("running diagnostics")

	if err := a.client.Ping(ctx); err != nil {
		return fmt.Errorf("connectivity test failed: %w", err)
	}

	s, err := a.sensors.Sample(ctx)
	if err != nil {
		return fmt.Errorf("sensor self-test failed: %w", err)
	}
	if err := SelfTest(s); err != nil {
		return fmt.Errorf("sensor self-test failed: %w", err)
	}

	if err := a.refreshCredential(ctx); err != nil {
		return err
	}

	a.uploadLogs(ctx)

	if n, err := a.client.Replay(ctx); err != nil {
		return fmt.Errorf("alert replay failed after %d: %w", n, err)
	}

	a.client.ResetFailures()
	a.logger.Info("diagnostics passed")
	return nil
}

func (a *Agent) refreshCredential(ctx context.Context) error {
	resp, err := a.client.PollApproval(ctx, a.Identity().RegistrationToken)
	switch {
	case errors.Is(err, protocol.ErrForbidden):
		a.decommission(protocol.ReasonOf(err))
		return err
	case err != nil:
		return fmt.Errorf("configuration check failed: %w", err)
	}

	switch resp.Status {
	case protocol.RegistrationApproved:
		if err := a.install(resp.Config); err != nil {
			return fmt.Errorf("reissued configuration unusable: %w", err)
		}
	case protocol.RegistrationRejected:
		if resp.Reason == protocol.ReasonDecommissioned {
			a.decommission(resp.Reason)
			return ErrDecommissioned
		}
		return fmt.Errorf("%w: credential %s, waiting for rotation", protocol.ErrUnauthorized, resp.Reason)
	default:
		return fmt.Errorf("gateway reports registration %s", resp.Status)
	}

	a.mu.RLock()
	rejected := a.rejectedKey != "" && a.state.Config != nil && a.rejectedKey == a.state.Config.APIKey
	a.mu.RUnlock()
	if rejected {
		return fmt.Errorf("%w: credential still rejected, waiting for rotation", protocol.ErrUnauthorized)
	}
	return nil
}

func (a *Agent) uploadLogs(ctx context.Context) {
	if a.logs == nil {
		return
	}
	data := a.logs.Snapshot()
	if len(data) == 0 {
		return
	}

	object, err := a.client.UploadLogs(ctx, bytes.NewReader(data))
	if err != nil {
		a.logger.Warn("log upload failed", "bytes", len(data), "error", err)
		return
	}
	a.logs.Discard(len(data))
	a.logger.Info("logs uploaded", "bytes", len(data), "object", object)
}

// every calls fn on the interval the current profile gives, first immediately when
// leading is set. A non-positive interval pauses the loop until ctx ends.
func (a *Agent) every(ctx context.Context, wg *sync.WaitGroup, leading bool, interval func(Profile) time.Duration, fn func(context.Context)) {
	defer wg.Done()

	if leading {
		fn(ctx)
	}
	for {
		d := interval(a.Profile())
		if d <= 0 {
			<-ctx.Done()
			return
		}
		if !a.wait(ctx, d) {
			return
		}
		fn(ctx)
	}
}

// wait sleeps for d and reports whether ctx is still live.
func (a *Agent) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (a *Agent) sampleOnce(ctx context.Context) {
	s, err := a.sensors.Sample(ctx)
	if err != nil {
		a.logger.Warn("sensor sample failed", "error", err)
		return
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = a.now().UTC()
	}

	if a.metrics != nil {
		a.metrics.SamplesCollected.Inc()
		a.metrics.BatteryPercentage.Set(s.Battery.Percentage)
	}

	a.window.Add(s)

	a.mu.Lock()
	a.lastSample = &s
	detector := a.detector
	mode := a.state.Mode
	var low protocol.LowPower
	if a.state.Config != nil {
		low = a.state.Config.LowPower
	}
	a.mu.Unlock()

	a.checkBattery(mode, low, s.Battery.Percentage)

	if detector == nil {
		return
	}
	a.detectMu.Lock()
	signals := detector.Observe(s)
	a.detectMu.Unlock()

	for _, sig := range signals {
		a.logger.Warn("threat confirmed locally",
			"type", sig.Type,
			"subtype", sig.Subtype,
			"confidence", sig.Confidence,
		)
		if a.metrics != nil {
			a.metrics.AlertsDetected.WithLabelValues(string(sig.Type)).Inc()
		}

		// Alerts outlive mode changes; only Run's context aborts them.
		a.alerts.Add(1)
		go func(sig protocol.AlertSignal) {
			defer a.alerts.Done()
			a.sendAlert(a.alertContext(ctx), sig, s)
		}(sig)
	}
}

func (a *Agent) alertContext(fallback context.Context) context.Context {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.runCtx != nil {
		return a.runCtx
	}
	return fallback
}

// checkBattery applies the low power floor with its recovery hysteresis.
func (a *Agent) checkBattery(mode Mode, low protocol.LowPower, pct float64) {
	floor, recovery := low.Floor, low.Recovery
	if floor <= 0 {
		floor = defaultLowPowerFloor
	}
	if recovery < floor {
		recovery = max(floor, defaultLowPowerRecovery)
	}

	switch {
	case mode == ModeMonitoring && pct < floor:
		a.signal(EventBatteryLow)
	case mode == ModeLowPower && pct > recovery:
		a.signal(EventBatteryRecovered)
	}
}

func (a *Agent) sendAlert(ctx context.Context, sig protocol.AlertSignal, s Sample) {
	gps, ok := a.position(ctx)
	if !ok {
		a.logger.Error("no position available, alert sent without a fix")
	}

	battery := s.Battery
	env := s.Environment
	msg := &protocol.Message{
		Type:        protocol.MessageAlert,
		DeviceInfo:  a.deviceInfo(),
		GPS:         &gps,
		Battery:     &battery,
		Environment: &env,
		Detections:  s.Detections,
		Alert:       &sig,
	}
	a.send(ctx, msg)
}

func (a *Agent) healthOnce(ctx context.Context) {
	status, err := a.probe.Probe(ctx)
	if err != nil {
		a.logger.Warn("system probe failed", "error", err)
	}

	battery, ok := a.battery(ctx)
	if !ok {
		a.logger.Warn("skipping health check, battery unknown")
		return
	}

	msg := &protocol.Message{
		Type:         protocol.MessageHealthCheck,
		DeviceInfo:   a.deviceInfo(),
		Battery:      &battery,
		Connectivity: status.Connectivity,
		Storage:      status.Storage,
		System:       status.System,
	}
	if gps, ok := a.position(ctx); ok {
		msg.GPS = &gps
	}
	a.send(ctx, msg)
}

func (a *Agent) periodicOnce(ctx context.Context) {
	agg, ok := a.window.Aggregate()
	if !ok {
		a.sampleOnce(ctx)
		if agg, ok = a.window.Aggregate(); !ok {
			a.logger.Warn("skipping periodic data, no samples")
			return
		}
	}

	gps, ok := a.position(ctx)
	if !ok {
		a.logger.Error("skipping periodic data, no position available")
		return
	}

	window := agg.Window
	msg := &protocol.Message{
		Type:        protocol.MessagePeriodicData,
		DeviceInfo:  a.deviceInfo(),
		GPS:         &gps,
		Battery:     &agg.Battery,
		Environment: &agg.Environment,
		Detections:  agg.Detections,
		Window:      &window,
	}

	if out := a.send(ctx, msg); out.Delivered {
		a.window.Acknowledge(window.End)
		if err := a.persist(); err != nil {
			a.logger.Error("failed to persist acknowledgement", "error", err)
		}
	}
}

// send delivers a message and turns its outcome into mode events.
func (a *Agent) send(ctx context.Context, msg *protocol.Message) transmit.Outcome {
	var key string
	if cfg := a.Config(); cfg != nil {
		key = cfg.APIKey
	}
	out := a.client.Send(ctx, msg)

	switch {
	case out.Delivered:
		a.logger.Debug("message delivered", "message_type", msg.Type, "attempts", out.Attempts)
	case errors.Is(out.Err, protocol.ErrForbidden):
		a.decommission(protocol.ReasonOf(out.Err))
	case errors.Is(out.Err, protocol.ErrUnauthorized):
		// Only the key that was actually refused; a rotation may have landed meanwhile.
		a.mu.Lock()
		a.rejectedKey = key
		a.mu.Unlock()
		a.logger.Error("credential rejected by gateway", "reason", protocol.ReasonOf(out.Err))
		a.signal(EventCredentialLost)
	case ctx.Err() != nil:
	default:
		threshold := DefaultFailureThreshold
		if cfg := a.Config(); cfg != nil && cfg.FailureThreshold > 0 {
			threshold = cfg.FailureThreshold
		}
		if a.client.Failures() >= threshold {
			a.signal(EventTransmitFailure)
		}
	}
	return out
}

func (a *Agent) deviceInfo() protocol.DeviceInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()

	info := protocol.DeviceInfo{
		Timestamp:       a.now().UTC(),
		UUID:            a.state.Identity.HardwareID,
		Status:          string(a.state.Mode),
		FirmwareVersion: a.firmware,
	}
	if a.state.Config != nil {
		info.SensorID = a.state.Config.SensorID
	}
	return info
}

// position reads the location provider, falling back to the last good fix.
func (a *Agent) position(ctx context.Context) (protocol.GPSCoordinates, bool) {
	ctx, cancel := context.WithTimeout(ctx, locationTimeout)
	defer cancel()

	fix, err := a.location.Location(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		a.lastFix = &fix
		return fix, true
	}
	a.logger.Warn("location unavailable", "error", err)
	if a.lastFix != nil {
		return *a.lastFix, true
	}
	return protocol.GPSCoordinates{}, false
}

func (a *Agent) battery(ctx context.Context) (protocol.Battery, bool) {
	a.mu.RLock()
	last := a.lastSample
	a.mu.RUnlock()
	if last != nil {
		return last.Battery, true
	}

	s, err := a.sensors.Sample(ctx)
	if err != nil {
		return protocol.Battery{}, false
	}
	return s.Battery, true
}

// signal queues a mode event without blocking the caller.
func (a *Agent) signal(ev Event) {
	select {
	case a.events <- ev:
	default:
		a.logger.Debug("event queue full, dropping event", "event", ev)
	}
}

func (a *Agent) drainEvents() {
	for {
		select {
		case <-a.events:
		default:
			return
		}
	}
}

// apply performs a mode transition and persists it.
func (a *Agent) apply(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	from := a.state.Mode
	to, err := Transition(from, ev)
	if err != nil {
		a.logger.Debug("ignoring event", "event", ev, "mode", from)
		return
	}
	if to == from {
		return
	}

	a.state.Mode = to
	if err := a.saveLocked(); err != nil {
		a.logger.Error("failed to persist mode", "mode", to, "error", err)
	}

	if a.metrics != nil {
		a.metrics.ModeTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
	a.logger.Info("mode changed", "from", from, "to", to, "event", ev)
}

func (a *Agent) decommission(reason string) {
	a.mu.Lock()
	from := a.state.Mode
	if from == ModeDecommissioned {
		a.mu.Unlock()
		return
	}

	a.state.Mode = ModeDecommissioned
	if a.state.Config != nil {
		a.state.Config.APIKey = ""
	}
	a.client.ClearCredential()
	if err := a.saveLocked(); err != nil {
		a.logger.Error("failed to persist decommissioning", "error", err)
	}
	cancel := a.cancelRun
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.ModeTransitions.WithLabelValues(string(from), string(ModeDecommissioned)).Inc()
	}
	a.logger.Warn("device decommissioned", "reason", reason, "from", from)

	if cancel != nil {
		cancel()
	}
}

func (a *Agent) persist() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.saveLocked()
}

func (a *Agent) saveLocked() error {
	a.state.UpdatedAt = a.now().UTC()
	a.state.LastAcknowledged = a.client.LastAcknowledged()
	a.state.WindowAcknowledged = a.window.Acknowledged()
	return a.stateFile.Save(&a.state)
}
