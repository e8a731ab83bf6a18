//go:build tinygo

package main

// WARNING: default -scheduler=cores unsupported, compile with -scheduler=tasks set!

import (
	"log/slog"
	"machine"
	"net/netip"
	"time"
	"unsafe"

	"openenterprise/fwupdate/bootdecider"
	"openenterprise/fwupdate/bootdecider/jumpasm"
	"openenterprise/fwupdate/config"
	"openenterprise/fwupdate/credentials"
	"openenterprise/fwupdate/dfutrigger"
	"openenterprise/fwupdate/flashdrv"
	"openenterprise/fwupdate/flashmap"
	"openenterprise/fwupdate/imagereceiver"
	"openenterprise/fwupdate/link"
	"openenterprise/fwupdate/link/cellular"
	"openenterprise/fwupdate/link/wifi"
	"openenterprise/fwupdate/mqtttrigger"
	"openenterprise/fwupdate/telemetry"
	"openenterprise/fwupdate/updatecontroller"
	"openenterprise/fwupdate/version"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
)

const pollTime = 5 * time.Millisecond

var requestedIP = [4]byte{192, 168, 1, 99}

// sramRegion satisfies dfutrigger.Reader/Writer over a fixed retained-SRAM
// address. The RP2350's retained SRAM survives a software reset, which is
// what makes the DFU sentinel pattern work across main()'s own reboot.
type sramRegion struct{}

func (sramRegion) ReadWord(addr uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(addr))
}
func (sramRegion) WriteWord(addr uintptr, v uint32) {
	*(*uint32)(unsafe.Pointer(addr)) = v
}

func fatalError(msg string) {
	println(msg)
	for i := 0; i < 15; i++ {
		time.Sleep(time.Second)
	}
	println("watchdog timeout expected - if you see this, forcing reset")
	flashdrv.Reset()
}

func main() {
	time.Sleep(2 * time.Second)
	println("========================================")
	println("  fwupdated")
	println("  Version:", version.Version)
	println("  Git SHA:", version.GitSHA)
	println("  Built:  ", version.BuildDate)
	println("========================================")

	logger := slog.New(telemetry.NewSlogHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	netLogger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.Level(12),
	}))

	initConsole()

	machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 8000})
	machine.Watchdog.Start()
	logger.Info("init:watchdog-started")

	driver := flashdrv.New()
	flashMap := flashmap.DefaultMap(driver, flashdrv.XIPBase, flashdrv.XIPBase+flashmap.RegionSize)

	sram := sramRegion{}
	if dfutrigger.ShouldEnter(sram) {
		logger.Info("dfu:entering")
		jmp := jumpasm.New(dfutrigger.ROMBase)
		if err := dfutrigger.Enter(sram, flashMap, dfuJumper{jmp}); err != nil {
			logger.Error("dfu:enter-failed", slog.String("err", err.Error()))
		}
	}

	state := bootdecider.ReadState(flashMap)
	jmp := jumpasm.New(uintptr(flashMap.LiveBase()))
	resetter := mcuResetter{}
	action, err := bootdecider.Run(state, flashMap, jmp, resetter)
	logger.Info("bootdecider:decision", slog.String("action", action.String()))
	if err != nil {
		logger.Error("bootdecider:run-failed", slog.String("err", err.Error()))
	}
	if action == bootdecider.RunLive {
		// Run already jumped to the live image on success; reaching here
		// means the jump itself failed, so fall through into updater mode.
		logger.Warn("bootdecider:jump-fallback")
	}

	devcfg := cyw43439.DefaultWifiConfig()
	devcfg.Logger = netLogger
	cystack, err := cywnet.NewConfiguredPicoWithStack(
		credentials.SSID(),
		credentials.Password(),
		devcfg,
		cywnet.StackConfig{
			Hostname:    "fwupdated",
			MaxTCPPorts: 4, // console + version-query + TFTP + MQTT trigger
		},
	)
	if err != nil {
		logger.Error("wifi:setup-failed", slog.String("err", err.Error()))
		fatalError("WiFi setup failed - waiting for reset...")
	}

	go loopForeverStack(cystack)

	dhcpResults, err := cystack.SetupWithDHCP(cywnet.DHCPConfig{
		RequestedAddr: netip.AddrFrom4(requestedIP),
	})
	if err != nil {
		logger.Error("dhcp:failed", slog.String("err", err.Error()))
	} else {
		logger.Info("dhcp:complete", slog.String("addr", dhcpResults.AssignedAddr.String()))
	}

	xstack := cystack.LnetoStack()
	wifiAdapter := wifi.New(xstack)

	var cellularAdapter link.Adapter
	if machine.UART1 != nil {
		modem := cellular.New(machine.UART1)
		if modem.Configure(credentials.APN()) {
			cellularAdapter = modem
		} else {
			logger.Warn("cellular:configure-failed")
		}
	}

	collectorAddr, err := config.TelemetryCollectorAddr()
	if err != nil {
		logger.Warn("telemetry:config-invalid", slog.String("err", err.Error()))
	} else if err := telemetry.Init(xstack, logger, collectorAddr); err != nil {
		logger.Warn("telemetry:init-failed", slog.String("err", err.Error()))
	}

	receiver := imagereceiver.New(flashMap, resetter, logger)
	var session *downloadSession

	watchdog := hwWatchdog{}
	var trigger updatecontroller.Trigger
	if brokerAddr, err := config.MQTTBrokerAddr(); err == nil {
		if t, err := mqtttrigger.New(xstack, brokerAddr, config.ClientID(), logger); err == nil {
			trigger = t
		} else {
			logger.Warn("mqtttrigger:init-failed", slog.String("err", err.Error()))
		}
	}

	querier := httpVersionQuerier{logger: logger}
	periodMs := uint32(config.PeriodicCheckInterval().Milliseconds())
	controller := updatecontroller.New(wifiAdapter, cellularAdapter, querier, watchdog, trigger, logger, flashMap.LiveVersion(), periodMs)

	deps := consoleDeps{flash: flashMap}
	go consoleServer(xstack, logger, deps)

	const tickMs = 200
	for {
		machine.Watchdog.Update()

		if session == nil {
			info, ok, err := controller.TickMs(tickMs)
			if err != nil {
				logger.Warn("updatecontroller:tick-error", slog.String("err", err.Error()))
			}
			if ok {
				deps.lastCheckAt = time.Now()
				session = beginDownload(receiver, wifiAdapter, cellularAdapter, info, logger)
			}
		}

		if session != nil {
			for _, datagram := range session.poll() {
				if err := receiver.OnDatagram(datagram); err != nil {
					logger.Warn("imagereceiver:datagram-error", slog.String("err", err.Error()))
				}
			}
			receiver.TickMs(tickMs)
			if receiver.State() == imagereceiver.Idle {
				session.adapter.Close(session.sock)
				session = nil
			}
		}

		time.Sleep(tickMs * time.Millisecond)
	}
}

// downloadSession tracks the single open socket an active TFTP transfer
// uses, so the main loop can poll it for newly arrived datagrams.
type downloadSession struct {
	adapter link.Adapter
	sock    link.Socket
}

// poll returns any bytes that arrived since the last call as a single
// datagram; it does not split the snapshot. The underlying adapters
// already deliver whole, reassembled datagrams per snapshot.
func (s *downloadSession) poll() [][]byte {
	buf := s.adapter.ReceiveBufferSnapshot(s.sock)
	if len(buf) == 0 {
		return nil
	}
	return [][]byte{buf}
}

func beginDownload(
	r *imagereceiver.Receiver,
	wifiAdapter, cellularAdapter link.Adapter,
	info updatecontroller.VersionInfo,
	logger *slog.Logger,
) *downloadSession {
	l := updatecontroller.PreferLink(wifiAdapter, cellularAdapter)
	if l == nil {
		return nil
	}
	sock, err := l.OpenUDP(info.IP, info.Port, 0)
	if err != nil {
		logger.Warn("ota:open-failed", slog.String("err", err.Error()))
		return nil
	}
	sender := linkSender{adapter: l, sock: sock}

	var newVersion [flashmap.VersionLen]byte
	copy(newVersion[:], info.NewVersion)

	if err := r.Begin(sender, info.File, newVersion); err != nil {
		logger.Warn("ota:begin-failed", slog.String("err", err.Error()))
		l.Close(sock)
		return nil
	}
	return &downloadSession{adapter: l, sock: sock}
}

type linkSender struct {
	adapter link.Adapter
	sock    link.Socket
}

func (s linkSender) Send(data []byte) error {
	return s.adapter.Send(s.sock, data)
}

type dfuJumper struct{ j *jumpasm.Jumper }

func (d dfuJumper) JumpTo(mspBase, entry uintptr) error {
	return d.j.JumpToLive()
}

type mcuResetter struct{}

func (mcuResetter) Reset() { flashdrv.Reset() }

type hwWatchdog struct{}

func (hwWatchdog) Refresh() { machine.Watchdog.Update() }

// loopForeverStack processes network packets in the background.
func loopForeverStack(stack *cywnet.Stack) {
	var count int
	for {
		send, recv, _ := stack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
		count++
		if count >= 100 {
			machine.Watchdog.Update()
			count = 0
		}
	}
}
