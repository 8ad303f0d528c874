// Package console is a line-oriented control shell for the audio pipeline.
// It runs on stdin on the host and on the UART on hardware.
package console

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/shlex"
	"go.uber.org/zap"

	"audiocode-go/drivers/es8311"
	"audiocode-go/errcode"
	"audiocode-go/types"
	"audiocode-go/x/conv"
	"audiocode-go/x/fmtx"
	"audiocode-go/x/strconvx"
)

// Target is the part of the audio controller the console drives.
type Target interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SetMicGain(ctx context.Context, db int) error
	SetSpeakerVolume(ctx context.Context, level int) error
	FadeSpeakerVolume(ctx context.Context, level int, d time.Duration) error
	SetMute(ctx context.Context, on bool) error
	SetChannelEnabled(ctx context.Context, ch types.Channel, on bool) error
	Pause() error
	Resume() error

	State() types.State
	LastError() error
	Stats() types.Stats
	VoiceActivity() types.VoiceActivity
	CodecDump() []es8311.RegisterValue
	CaptureFormat() types.StreamFormat
	RawCaptureFormat() types.StreamFormat
}

// Plug is a hot-pluggable device, such as the USB microphone.
type Plug interface {
	Attach()
	Detach()
	Attached() bool
}

// ErrQuit is returned by Exec for the quit command.
var ErrQuit = errors.New("console: quit")

type Console struct {
	t      Target
	usb    Plug
	log    *zap.Logger
	prompt string
}

type Option func(*Console)

// WithUSB enables the usb command.
func WithUSB(p Plug) Option { return func(c *Console) { c.usb = p } }

func WithLogger(l *zap.Logger) Option { return func(c *Console) { c.log = l } }

func WithPrompt(p string) Option { return func(c *Console) { c.prompt = p } }

func New(t Target, opts ...Option) *Console {
	c := &Console{t: t, log: zap.NewNop(), prompt: "audio> "}
	for _, o := range opts {
		o(c)
	}
	return c
}

type command struct {
	usage string
	min   int
	run   func(c *Console, ctx context.Context, args []string, w io.Writer) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"help":    {"help", 0, cmdHelp},
		"gain":    {"gain <db>", 1, cmdGain},
		"volume":  {"volume <0-255> [fade_ms]", 1, cmdVolume},
		"mute":    {"mute on|off", 1, cmdMute},
		"channel": {"channel dac|adc on|off", 2, cmdChannel},
		"start":   {"start", 0, cmdStart},
		"stop":    {"stop", 0, cmdStop},
		"pause":   {"pause", 0, cmdPause},
		"resume":  {"resume", 0, cmdResume},
		"format":  {"format", 0, cmdFormat},
		"state":   {"state", 0, cmdState},
		"stats":   {"stats", 0, cmdStats},
		"vad":     {"vad", 0, cmdVAD},
		"regs":    {"regs", 0, cmdRegs},
		"usb":     {"usb attach|detach|status", 1, cmdUSB},
		"quit":    {"quit", 0, func(*Console, context.Context, []string, io.Writer) error { return ErrQuit }},
	}
}

var order = []string{"help", "gain", "volume", "mute", "channel", "start", "stop", "pause", "resume", "state", "stats", "format", "vad", "regs", "usb", "quit"}

// Exec runs one command line, writing any output to w. Blank lines and
// lines starting with '#' are ignored.
func (c *Console) Exec(ctx context.Context, line string, w io.Writer) error {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return nil
	}
	args, err := shlex.Split(line)
	if err != nil {
		return errcode.Wrap(errcode.InvalidParams, "console.parse", err)
	}
	if len(args) == 0 {
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return errcode.New(errcode.InvalidParams, "console", "unknown command "+args[0])
	}
	if len(args)-1 < cmd.min {
		return errcode.New(errcode.InvalidParams, "console", "usage: "+cmd.usage)
	}
	c.log.Debug("console command", zap.Strings("args", args))
	return cmd.run(c, ctx, args[1:], w)
}

// Run reads commands from rw until EOF, quit or ctx is done. Command
// errors are reported on rw and do not end the session.
func (c *Console) Run(ctx context.Context, rw io.ReadWriter) error {
	sc := bufio.NewScanner(rw)
	_, _ = fmtx.Fprintf(rw, "%s", c.prompt)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := c.Exec(ctx, sc.Text(), rw)
		if errors.Is(err, ErrQuit) {
			return nil
		}
		if err != nil {
			_, _ = fmtx.Fprintf(rw, "error: %s\n", err.Error())
		}
		_, _ = fmtx.Fprintf(rw, "%s", c.prompt)
	}
	return sc.Err()
}

// -----------------------------------------------------------------------------
// Commands
// -----------------------------------------------------------------------------

func cmdHelp(_ *Console, _ context.Context, _ []string, w io.Writer) error {
	for _, name := range order {
		_, _ = fmtx.Fprintf(w, "  %s\n", commands[name].usage)
	}
	return nil
}

func cmdGain(c *Console, ctx context.Context, args []string, w io.Writer) error {
	db, err := strconvx.Atoi(args[0])
	if err != nil {
		return errcode.New(errcode.InvalidParams, "console.gain", "not a number: "+args[0])
	}
	if err := c.t.SetMicGain(ctx, db); err != nil {
		return err
	}
	_, _ = fmtx.Fprintf(w, "mic gain %d dB\n", db)
	return nil
}

func cmdVolume(c *Console, ctx context.Context, args []string, w io.Writer) error {
	level, err := strconvx.Atoi(args[0])
	if err != nil {
		return errcode.New(errcode.InvalidParams, "console.volume", "not a number: "+args[0])
	}
	if len(args) > 1 {
		ms, err := strconvx.Atoi(args[1])
		if err != nil || ms < 0 {
			return errcode.New(errcode.InvalidParams, "console.volume", "bad fade time: "+args[1])
		}
		err = c.t.FadeSpeakerVolume(ctx, level, time.Duration(ms)*time.Millisecond)
		if err != nil {
			return err
		}
	} else if err := c.t.SetSpeakerVolume(ctx, level); err != nil {
		return err
	}
	_, _ = fmtx.Fprintf(w, "speaker volume %d\n", level)
	return nil
}

func cmdMute(c *Console, ctx context.Context, args []string, w io.Writer) error {
	on, err := parseOnOff("console.mute", args[0])
	if err != nil {
		return err
	}
	if err := c.t.SetMute(ctx, on); err != nil {
		return err
	}
	_, _ = fmtx.Fprintf(w, "mute %s\n", onOff(on))
	return nil
}

func cmdChannel(c *Console, ctx context.Context, args []string, w io.Writer) error {
	ch, ok := types.ParseChannel(args[0])
	if !ok {
		return errcode.New(errcode.InvalidParams, "console.channel", "unknown channel "+args[0])
	}
	on, err := parseOnOff("console.channel", args[1])
	if err != nil {
		return err
	}
	if err := c.t.SetChannelEnabled(ctx, ch, on); err != nil {
		return err
	}
	_, _ = fmtx.Fprintf(w, "%s %s\n", ch.String(), onOff(on))
	return nil
}

func cmdStart(c *Console, ctx context.Context, _ []string, w io.Writer) error {
	if err := c.t.Start(ctx); err != nil {
		return err
	}
	_, _ = fmtx.Fprintf(w, "%s\n", c.t.State().String())
	return nil
}

func cmdStop(c *Console, ctx context.Context, _ []string, w io.Writer) error {
	if err := c.t.Stop(ctx); err != nil {
		return err
	}
	_, _ = fmtx.Fprintf(w, "%s\n", c.t.State().String())
	return nil
}

func cmdPause(c *Console, _ context.Context, _ []string, w io.Writer) error {
	if err := c.t.Pause(); err != nil {
		return err
	}
	_, _ = fmtx.Fprintf(w, "playback paused\n")
	return nil
}

func cmdResume(c *Console, _ context.Context, _ []string, w io.Writer) error {
	if err := c.t.Resume(); err != nil {
		return err
	}
	_, _ = fmtx.Fprintf(w, "playback resumed\n")
	return nil
}

func cmdFormat(c *Console, _ context.Context, _ []string, w io.Writer) error {
	row := func(name string, f types.StreamFormat) {
		_, _ = fmtx.Fprintf(w, "  %s %s Hz %d ch %d bit\n",
			name, strconvx.FormatUint(uint64(f.SampleRateHz), 10), f.Channels, f.BitDepth)
	}
	row("processed", c.t.CaptureFormat())
	row("raw", c.t.RawCaptureFormat())
	return nil
}

func cmdState(c *Console, _ context.Context, _ []string, w io.Writer) error {
	if err := c.t.LastError(); err != nil && c.t.State() == types.StateFaulted {
		_, _ = fmtx.Fprintf(w, "%s (%s)\n", c.t.State().String(), err.Error())
		return nil
	}
	_, _ = fmtx.Fprintf(w, "%s\n", c.t.State().String())
	return nil
}

func cmdStats(c *Console, _ context.Context, _ []string, w io.Writer) error {
	s := c.t.Stats()
	row := func(name string, v uint64) {
		_, _ = fmtx.Fprintf(w, "  %s %s\n", name, strconvx.FormatUint(v, 10))
	}
	row("capture_frames", s.CaptureFrames)
	row("playback_frames", s.PlaybackFrames)
	row("capture_overflows", s.CaptureOverflows)
	row("playback_overflows", s.PlaybackOverflows)
	row("underruns", s.Underruns)
	row("bus_retries", s.BusRetries)
	row("reference_drops", s.ReferenceDrops)
	row("capture_level_pct", uint64(s.CaptureLevelPct))
	row("playback_level_pct", uint64(s.PlaybackLevelPct))
	return nil
}

func cmdVAD(c *Console, _ context.Context, _ []string, w io.Writer) error {
	v := c.t.VoiceActivity()
	_, _ = fmtx.Fprintf(w, "active=%t energy=%s dB duration=%d ms\n",
		v.Active, strconvx.FormatFloat(v.EnergyDB, 'f', 1, 64), v.Duration.Milliseconds())
	return nil
}

func cmdRegs(c *Console, _ context.Context, _ []string, w io.Writer) error {
	dump := c.t.CodecDump()
	if len(dump) == 0 {
		_, _ = fmtx.Fprintf(w, "no codec\n")
		return nil
	}
	for _, r := range dump {
		_, _ = fmtx.Fprintf(w, "  %s %s %s\n", conv.U8Hex(r.Reg), conv.U8Hex(r.Value), r.Name)
	}
	return nil
}

func cmdUSB(c *Console, _ context.Context, args []string, w io.Writer) error {
	if c.usb == nil {
		return errcode.New(errcode.Unsupported, "console.usb", "no usb device on this board")
	}
	switch args[0] {
	case "attach":
		c.usb.Attach()
		c.log.Info("usb mic attached")
	case "detach":
		c.usb.Detach()
		c.log.Info("usb mic detached")
	case "status":
	default:
		return errcode.New(errcode.InvalidParams, "console.usb", "usage: "+commands["usb"].usage)
	}
	if c.usb.Attached() {
		_, _ = fmtx.Fprintf(w, "usb attached\n")
	} else {
		_, _ = fmtx.Fprintf(w, "usb detached\n")
	}
	return nil
}

func parseOnOff(op, s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	}
	return false, errcode.New(errcode.InvalidParams, op, "expected on|off, got "+s)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
