// Package updatecontroller drives the periodic "check for new firmware"
// scheduler: link preference between Wi-Fi and cellular, version-query
// HTTP parsing, start-triggered and periodic checks, and watchdog refresh. It
// also exposes an out-of-band "check now" trigger fed by an MQTT
// subscription, so an operator can force an immediate check without
// waiting for the periodic timer.
package updatecontroller

import (
	"errors"
	"log/slog"

	"openenterprise/fwupdate/flashmap"
	"openenterprise/fwupdate/link"
)

// PeriodicCheckMs is the default interval between unprompted version
// checks (PERIODIC_FW_UPDATE_TIME in the reference firmware).
const PeriodicCheckMs uint32 = 16 * 60 * 60 * 1000

// ConnectionCapMs is the session ceiling value (version query through to
// TFTP completion). Nothing in this module reads it: a session that runs
// longer is not abandoned and the device is not reset.
const ConnectionCapMs uint32 = 5_000_000

var (
	ErrLinkOpenFailed  = errors.New("updatecontroller: link open failed")
	ErrLinkSendFailed  = errors.New("updatecontroller: link send failed")
	ErrResponseTimeout = errors.New("updatecontroller: version query response timed out")
	ErrNoFirmware      = errors.New("updatecontroller: version response carried no file field")
)

// VersionInfo is the parsed content of a version-query response.
type VersionInfo struct {
	IP         string
	Port       uint16
	File       string
	NewVersion string
}

// ParseVersionResponse scans a raw HTTP response body for the
// "ip":"...", "port":"...", and "file":"..." delimited fields, and, when
// File is non-empty, the new version substring between "rx-" and "bin".
// It returns ok=false if the mandatory ip/port/file fields are not all
// present.
func ParseVersionResponse(body []byte) (VersionInfo, bool) {
	s := string(body)

	ip, ok := between(s, `"ip":"`, `"`)
	if !ok {
		return VersionInfo{}, false
	}
	portStr, ok := between(s, `"port":"`, `"`)
	if !ok {
		return VersionInfo{}, false
	}
	file, ok := between(s, `"file":"`, `"`)
	if !ok {
		return VersionInfo{}, false
	}

	info := VersionInfo{IP: ip, Port: parsePort(portStr), File: file}
	if file != "" {
		if v, ok := between(s, "rx-", "bin"); ok {
			info.NewVersion = v
		}
	}
	return info, true
}

// between returns the substring strictly between the first occurrence of
// start and the first occurrence of end that follows it.
func between(s, start, end string) (string, bool) {
	i := indexOf(s, start)
	if i < 0 {
		return "", false
	}
	from := i + len(start)
	j := indexOf(s[from:], end)
	if j < 0 {
		return "", false
	}
	return s[from : from+j], true
}

func indexOf(s, substr string) int {
	if len(substr) == 0 || len(s) < len(substr) {
		return -1
	}
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func parsePort(s string) uint16 {
	var v uint16
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			break
		}
		v = v*10 + uint16(s[i]-'0')
	}
	return v
}

// PreferLink selects Wi-Fi over cellular, returning nil if neither has a
// usable IP yet.
func PreferLink(wifi, cellular link.Adapter) link.Adapter {
	if wifi != nil && wifi.HasIP() {
		return wifi
	}
	if cellular != nil && cellular.HasIP() {
		return cellular
	}
	return nil
}

// VersionQuerier performs the text/HTTP version-check exchange over an
// already-open link and returns the raw response body.
type VersionQuerier interface {
	Query(adapter link.Adapter, currentVersion [flashmap.VersionLen]byte) ([]byte, error)
}

// Downloader begins an ImageReceiver session; declared narrowly here to
// avoid a hard package dependency on imagereceiver's concrete type.
// imagereceiver.Receiver does not satisfy it as written (its Begin takes
// the named imagereceiver.Sender type), and nothing in this module uses
// Downloader.
type Downloader interface {
	Begin(sender interface {
		Send(data []byte) error
	}, filename string, newVersion [flashmap.VersionLen]byte) error
}

// Watchdog refreshes the hardware watchdog timer. Every wait loop in the
// controller calls Refresh, mirroring the reference firmware's insistence
// that no suspension point ever starves the watchdog.
type Watchdog interface {
	Refresh()
}

// Trigger is the out-of-band "check now" signal, backed by an MQTT
// subscription in cmd/fwupdated (adapted from the teacher's
// fetchScheduleViaMQTT session handling) so an operator can force an
// immediate check.
type Trigger interface {
	// Poll reports and clears a pending "check now" request.
	Poll() bool
}

// Controller owns the periodic/start-triggered check schedule.
type Controller struct {
	wifi      link.Adapter
	cellular  link.Adapter
	querier   VersionQuerier
	watchdog  Watchdog
	trigger   Trigger
	logger    *slog.Logger

	elapsedMs        uint32
	periodMs         uint32
	startChecksDone  map[link.Adapter]bool
	currentVersion   [flashmap.VersionLen]byte
}

// New constructs a Controller. currentVersion is the live region's
// version string, used to build the version-query request. periodMs is the
// interval between unprompted version checks; 0 selects PeriodicCheckMs,
// the reference firmware's PERIODIC_FW_UPDATE_TIME default (the caller
// normally supplies config.PeriodicCheckInterval() here instead).
func New(wifi, cellular link.Adapter, querier VersionQuerier, watchdog Watchdog, trigger Trigger, logger *slog.Logger, currentVersion [flashmap.VersionLen]byte, periodMs uint32) *Controller {
	if periodMs == 0 {
		periodMs = PeriodicCheckMs
	}
	return &Controller{
		wifi:            wifi,
		cellular:        cellular,
		querier:         querier,
		watchdog:        watchdog,
		trigger:         trigger,
		logger:          logger,
		periodMs:        periodMs,
		startChecksDone: make(map[link.Adapter]bool, 2),
		currentVersion:  currentVersion,
	}
}

// TickMs advances the periodic timer and polls for start-triggered checks
// and the out-of-band trigger. It refreshes the watchdog every call, the
// same "every wait loop refreshes the watchdog" discipline the reference
// firmware applies to every suspension point.
func (c *Controller) TickMs(dt uint32) (VersionInfo, bool, error) {
	c.watchdog.Refresh()

	if info, ok, err := c.checkStartTriggered(c.wifi); ok || err != nil {
		return info, ok, err
	}
	if info, ok, err := c.checkStartTriggered(c.cellular); ok || err != nil {
		return info, ok, err
	}

	if c.trigger != nil && c.trigger.Poll() {
		c.logger.Info("ota:check-now-triggered")
		return c.checkNow()
	}

	c.elapsedMs += dt
	if c.elapsedMs >= c.periodMs {
		c.elapsedMs = 0
		c.logger.Info("ota:periodic-check")
		return c.checkNow()
	}

	return VersionInfo{}, false, nil
}

func (c *Controller) checkStartTriggered(l link.Adapter) (VersionInfo, bool, error) {
	if l == nil || c.startChecksDone[l] || !l.HasIP() {
		return VersionInfo{}, false, nil
	}
	c.startChecksDone[l] = true
	c.logger.Info("ota:start-triggered-check")
	return c.query(l)
}

func (c *Controller) checkNow() (VersionInfo, bool, error) {
	l := PreferLink(c.wifi, c.cellular)
	if l == nil {
		return VersionInfo{}, false, nil
	}
	return c.query(l)
}

func (c *Controller) query(l link.Adapter) (VersionInfo, bool, error) {
	body, err := c.querier.Query(l, c.currentVersion)
	if err != nil {
		c.logger.Warn("ota:version-query-failed", slog.String("err", err.Error()))
		return VersionInfo{}, false, nil
	}
	info, ok := ParseVersionResponse(body)
	if !ok || info.File == "" {
		return VersionInfo{}, false, nil
	}
	return info, true, nil
}
