//go:build rp2040 || rp2350

package main

import (
	"context"
	"io"
	"machine"
	"runtime"
	"time"

	uartx "github.com/jangala-dev/tinygo-uartx/uartx"

	"audiocode-go/bus"
	"audiocode-go/services/audio"
	"audiocode-go/services/bridge"
	"audiocode-go/services/console"
	"audiocode-go/services/heartbeat"
	"audiocode-go/types"
)

// picoConfig mirrors services/config/devices/pico.yaml. The YAML loader is
// not built for the MCU, so the values are published directly.
func picoConfig() types.AudioConfig {
	cfg := types.DefaultAudioConfig()
	cfg.Codec.SpeakerVolume = 180
	cfg.Pipeline.BufferSizeBytes = 2048
	return cfg
}

// Bridge link on uart1 (GP4/GP5).
var bridgeConfig = bridge.Config{
	Transport: bridge.TransportConfig{
		Type: "uart",
		UART: &bridge.UARTConfig{Baud: 115200, TxPin: int(machine.GP4), RxPin: int(machine.GP5)},
	},
}

// printer sends text to the USB CDC console via the builtin print.
type printer struct{}

func (printer) Write(p []byte) (int, error) {
	print(string(p))
	return len(p), nil
}

// uartLink adapts uartx to io.ReadWriteCloser for the bridge.
type uartLink struct{ u *uartx.UART }

func (l uartLink) Read(p []byte) (int, error) {
	return l.u.RecvSomeContext(context.Background(), p)
}
func (l uartLink) Write(p []byte) (int, error) { return l.u.Write(p) }
func (l uartLink) Close() error                { return nil }

func dialUART(_ context.Context, c bridge.UARTConfig) (io.ReadWriteCloser, error) {
	u := uartx.UART1
	if err := u.Configure(uartx.UARTConfig{
		BaudRate: uint32(c.Baud),
		TX:       machine.Pin(c.TxPin),
		RX:       machine.Pin(c.RxPin),
	}); err != nil {
		return nil, err
	}
	return uartLink{u}, nil
}

func main() {
	// Allow USB CDC to enumerate before we print.
	time.Sleep(2 * time.Second)
	ctx := context.Background()

	println("[main] opening board …")
	board, err := audio.OpenBoard(0)
	if err != nil {
		println("[main] board error:", err.Error())
		for {
			time.Sleep(time.Second)
		}
	}

	ctrl := audio.New(audio.DepsFor(board), audio.WithStatusCallback(func(st types.Status) {
		if st.Error != "" {
			println("[audio]", st.State.String(), st.Error)
			return
		}
		println("[audio]", st.State.String())
	}))

	println("[main] bootstrapping bus …")
	b := bus.NewBus(4)
	svc := audio.NewService(ctrl, audio.WithStatsInterval(2*time.Second))
	go func() { _ = svc.Run(ctx, b.NewConnection("audio")) }()

	_ = heartbeat.New(printer{}, 10*time.Second).Start(ctx, b.NewConnection("heartbeat"))

	bridge.UARTDial = dialUART
	go bridge.Start(ctx, b.NewConnection("bridge"))

	ui := b.NewConnection("ui")
	println("[main] publishing config/audio …")
	ui.Publish(ui.NewMessage(audio.TopicConfig, picoConfig(), true))
	ui.Publish(ui.NewMessage(bridge.TopicConfig, bridgeConfig, true))

	sh := console.New(ctrl, console.WithPrompt("pico> "))
	go func() {
		for {
			if err := sh.Run(ctx, board.Console); err != nil {
				println("[console]", err.Error())
			}
		}
	}()

	// On-board LED follows voice activity.
	led := machine.LED
	led.Configure(machine.PinConfig{Mode: machine.PinOutput})
	vad := ui.Subscribe(audio.TopicVoice)
	mem := time.NewTicker(30 * time.Second)
	defer mem.Stop()
	for {
		select {
		case m := <-vad.Channel():
			if v, ok := m.Payload.(types.VoiceActivity); ok {
				led.Set(v.Active)
			}
		case <-mem.C:
			printMem()
		}
	}
}

// printMem prints a compact snapshot of TinyGo runtime memory stats.
func printMem() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	println("[mem] heapInuse:", int(ms.HeapInuse), "heapSys:", int(ms.HeapSys), "mallocs:", int(ms.Mallocs), "frees:", int(ms.Frees))
}
