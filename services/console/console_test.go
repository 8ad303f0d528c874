package console

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"audiocode-go/drivers/es8311"
	"audiocode-go/errcode"
	"audiocode-go/types"
)

type fakeTarget struct {
	calls  []string
	gain   int
	vol    int
	fade   time.Duration
	muted  bool
	ch     types.Channel
	on     bool
	state  types.State
	paused bool
	err    error // returned by every control call
}

func (f *fakeTarget) Start(context.Context) error {
	f.calls = append(f.calls, "start")
	f.state = types.StateRunning
	return f.err
}

func (f *fakeTarget) Stop(context.Context) error {
	f.calls = append(f.calls, "stop")
	f.state = types.StateStopped
	return f.err
}

func (f *fakeTarget) SetMicGain(_ context.Context, db int) error {
	f.calls = append(f.calls, "gain")
	f.gain = db
	return f.err
}

func (f *fakeTarget) SetSpeakerVolume(_ context.Context, level int) error {
	f.calls = append(f.calls, "volume")
	f.vol = level
	return f.err
}

func (f *fakeTarget) FadeSpeakerVolume(_ context.Context, level int, d time.Duration) error {
	f.calls = append(f.calls, "fade")
	f.vol, f.fade = level, d
	return f.err
}

func (f *fakeTarget) SetMute(_ context.Context, on bool) error {
	f.calls = append(f.calls, "mute")
	f.muted = on
	return f.err
}

func (f *fakeTarget) SetChannelEnabled(_ context.Context, ch types.Channel, on bool) error {
	f.calls = append(f.calls, "channel")
	f.ch, f.on = ch, on
	return f.err
}

func (f *fakeTarget) Pause() error {
	f.calls = append(f.calls, "pause")
	f.paused = true
	return f.err
}

func (f *fakeTarget) Resume() error {
	f.calls = append(f.calls, "resume")
	f.paused = false
	return f.err
}

func (f *fakeTarget) CaptureFormat() types.StreamFormat {
	return types.StreamFormat{SampleRateHz: 16000, Channels: 1, BitDepth: 16}
}

func (f *fakeTarget) RawCaptureFormat() types.StreamFormat {
	return types.StreamFormat{SampleRateHz: 16000, Channels: 2, BitDepth: 16}
}

func (f *fakeTarget) State() types.State { return f.state }
func (f *fakeTarget) LastError() error   { return f.err }
func (f *fakeTarget) Stats() types.Stats { return types.Stats{CaptureFrames: 42, Underruns: 3} }
func (f *fakeTarget) VoiceActivity() types.VoiceActivity {
	return types.VoiceActivity{Active: true, EnergyDB: -12.5}
}
func (f *fakeTarget) CodecDump() []es8311.RegisterValue {
	return []es8311.RegisterValue{{Reg: 0x32, Name: "DAC_VOL", Value: 0xBF}}
}

type fakePlug struct{ attached bool }

func (p *fakePlug) Attach()        { p.attached = true }
func (p *fakePlug) Detach()        { p.attached = false }
func (p *fakePlug) Attached() bool { return p.attached }

func TestExecDispatches(t *testing.T) {
	f := &fakeTarget{}
	c := New(f)
	var out bytes.Buffer
	ctx := context.Background()

	for _, line := range []string{"gain 24", "volume 200", "mute on", "channel adc off", "start"} {
		if err := c.Exec(ctx, line, &out); err != nil {
			t.Fatalf("%q: %v", line, err)
		}
	}
	if f.gain != 24 || f.vol != 200 || !f.muted || f.ch != types.ChannelADC || f.on {
		t.Fatalf("target = %+v", f)
	}
	if f.state != types.StateRunning {
		t.Fatalf("state = %s", f.state)
	}
	if !strings.Contains(out.String(), "mic gain 24 dB") || !strings.Contains(out.String(), "adc off") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestVolumeFade(t *testing.T) {
	f := &fakeTarget{}
	c := New(f)
	var out bytes.Buffer
	if err := c.Exec(context.Background(), "volume 40 250", &out); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if f.vol != 40 || f.fade != 250*time.Millisecond || f.calls[0] != "fade" {
		t.Fatalf("target = %+v", f)
	}
	if err := c.Exec(context.Background(), "volume 40 soon", &out); !errors.Is(err, errcode.InvalidParams) {
		t.Fatalf("bad fade err = %v", err)
	}
}

func TestExecQuotedArguments(t *testing.T) {
	f := &fakeTarget{}
	c := New(f)
	var out bytes.Buffer
	if err := c.Exec(context.Background(), `channel "speaker" 'on'`, &out); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if f.ch != types.ChannelDAC || !f.on {
		t.Fatalf("channel = %s on=%v", f.ch, f.on)
	}
	if err := c.Exec(context.Background(), `gain "12`, &out); !errors.Is(err, errcode.InvalidParams) {
		t.Fatalf("unterminated quote err = %v", err)
	}
}

func TestExecRejectsBadInput(t *testing.T) {
	f := &fakeTarget{}
	c := New(f)
	var out bytes.Buffer
	ctx := context.Background()

	for _, line := range []string{"explode", "gain", "gain loud", "mute maybe", "channel both on"} {
		if err := c.Exec(ctx, line, &out); !errors.Is(err, errcode.InvalidParams) {
			t.Fatalf("%q: err = %v, want invalid_params", line, err)
		}
	}
	if len(f.calls) != 0 {
		t.Fatalf("target called for bad input: %v", f.calls)
	}
	if err := c.Exec(ctx, "  # comment", &out); err != nil {
		t.Fatalf("comment: %v", err)
	}
}

func TestExecPropagatesTargetErrors(t *testing.T) {
	f := &fakeTarget{err: errcode.New(errcode.OutOfRange, "audio.set_mic_gain", "50 dB")}
	c := New(f)
	var out bytes.Buffer
	if err := c.Exec(context.Background(), "gain 50", &out); !errors.Is(err, errcode.OutOfRange) {
		t.Fatalf("err = %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestQueries(t *testing.T) {
	f := &fakeTarget{state: types.StateRunning}
	c := New(f)
	ctx := context.Background()

	var out bytes.Buffer
	_ = c.Exec(ctx, "stats", &out)
	if !strings.Contains(out.String(), "capture_frames 42") || !strings.Contains(out.String(), "underruns 3") {
		t.Fatalf("stats = %q", out.String())
	}

	out.Reset()
	_ = c.Exec(ctx, "regs", &out)
	if !strings.Contains(out.String(), "0x32 0xBF DAC_VOL") {
		t.Fatalf("regs = %q", out.String())
	}

	out.Reset()
	_ = c.Exec(ctx, "vad", &out)
	if !strings.Contains(out.String(), "active=true energy=-12.5 dB") {
		t.Fatalf("vad = %q", out.String())
	}

	out.Reset()
	_ = c.Exec(ctx, "state", &out)
	if out.String() != "running\n" {
		t.Fatalf("state = %q", out.String())
	}
}

func TestUSB(t *testing.T) {
	var out bytes.Buffer
	ctx := context.Background()
	if err := New(&fakeTarget{}).Exec(ctx, "usb detach", &out); !errors.Is(err, errcode.Unsupported) {
		t.Fatalf("no plug err = %v", err)
	}

	p := &fakePlug{attached: true}
	c := New(&fakeTarget{}, WithUSB(p))
	if err := c.Exec(ctx, "usb detach", &out); err != nil || p.attached {
		t.Fatalf("detach: err=%v attached=%v", err, p.attached)
	}
	out.Reset()
	if err := c.Exec(ctx, "usb attach", &out); err != nil || !p.attached || out.String() != "usb attached\n" {
		t.Fatalf("attach: err=%v out=%q", err, out.String())
	}
}

type rw struct {
	in  *strings.Reader
	out bytes.Buffer
}

func (r *rw) Read(p []byte) (int, error)  { return r.in.Read(p) }
func (r *rw) Write(p []byte) (int, error) { return r.out.Write(p) }

func TestRunSession(t *testing.T) {
	f := &fakeTarget{}
	c := New(f, WithPrompt("> "))
	s := &rw{in: strings.NewReader("volume 10\nbogus\nquit\nvolume 99\n")}

	if err := c.Run(context.Background(), s); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.vol != 10 {
		t.Fatalf("volume = %d; commands after quit must not run", f.vol)
	}
	got := s.out.String()
	if !strings.HasPrefix(got, "> speaker volume 10\n> error: ") {
		t.Fatalf("session = %q", got)
	}
}

func TestHelpListsCommands(t *testing.T) {
	var out bytes.Buffer
	_ = New(&fakeTarget{}).Exec(context.Background(), "help", &out)
	for _, name := range order {
		if !strings.Contains(out.String(), name) {
			t.Fatalf("help missing %s", name)
		}
	}
}

func TestPauseResumeAndFormat(t *testing.T) {
	f := &fakeTarget{state: types.StateRunning}
	c := New(f)
	var out bytes.Buffer
	ctx := context.Background()

	if err := c.Exec(ctx, "pause", &out); err != nil || !f.paused {
		t.Fatalf("pause: err %v paused %v", err, f.paused)
	}
	if err := c.Exec(ctx, "resume", &out); err != nil || f.paused {
		t.Fatalf("resume: err %v paused %v", err, f.paused)
	}
	if err := c.Exec(ctx, "format", &out); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	for _, want := range []string{"playback paused", "playback resumed", "processed 16000 Hz 1 ch 16 bit", "raw 16000 Hz 2 ch 16 bit"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}

	f.err = errcode.New(errcode.InvalidState, "audio.pause", "not allowed while stopped")
	if err := c.Exec(ctx, "pause", &out); !errors.Is(err, errcode.InvalidState) {
		t.Fatalf("pause err = %v", err)
	}
}
