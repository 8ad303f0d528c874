package bus

import (
	"context"
	"slices"
	"testing"
	"time"
)

func TestPublishAndRetained(t *testing.T) {
	b := NewBus(4)
	c := b.NewConnection("test")

	live := c.Subscribe(T("config", "audio"))
	c.Publish(c.NewMessage(T("config", "audio"), "16000", true))
	expectOneOf(t, live, "16000")

	// A late subscriber gets the retained copy.
	late := c.Subscribe(T("config", "audio"))
	expectOneOf(t, late, "16000")
	expectNoMessage(t, live)
}

func TestWildcardMatching(t *testing.T) {
	for _, c := range []struct {
		pattern, topic Topic
		match          bool
	}{
		{T("audio", "+", "set_mute"), T("audio", "control", "set_mute"), true},
		{T("audio", "+", "+"), T("audio", "control", "set_mute"), true},
		{T("audio", "control", "+"), T("audio", "control", "set_mute"), true},
		{T("audio", "+", "start"), T("audio", "control", "set_mute"), false},
		{T("audio", "+", "set_mute"), T("audio", "set_mute"), false},
		{T("audio", "#"), T("audio"), true},
		{T("#"), T("audio", "state"), true},
		{T("audio", "control", "#"), T("audio", "control"), true},
		{T("audio", "control", "#"), T("audio"), false},
		{T("audio"), T("audio", "state"), false},
	} {
		b := NewBus(4)
		conn := b.NewConnection("test")
		sub := conn.Subscribe(c.pattern)
		conn.Publish(conn.NewMessage(c.topic, "m", false))
		if c.match {
			expectOneOf(t, sub, "m")
		} else {
			expectNoMessage(t, sub)
		}
	}
}

func TestWildcardRetainedDelivery(t *testing.T) {
	b := NewBus(32)
	c := b.NewConnection("test")

	c.Publish(b.NewMessage(T("audio"), "root", true))
	c.Publish(b.NewMessage(T("audio", "state"), "running", true))
	c.Publish(b.NewMessage(T("audio", "stats"), "stats", true))
	c.Publish(b.NewMessage(T("audio", "control", "last"), "set_mute", true))

	for _, tc := range []struct {
		pattern Topic
		want    []string
	}{
		{T("audio", "#"), []string{"root", "running", "set_mute", "stats"}},
		{T("audio", "+", "#"), []string{"running", "set_mute", "stats"}},
		{T("audio", "+"), []string{"running", "stats"}},
	} {
		got := drainPayloads(t, c.Subscribe(tc.pattern), len(tc.want))
		slices.Sort(got)
		if !slices.Equal(got, tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.pattern, got, tc.want)
		}
	}

	// A nil retained payload clears the entry.
	c.Publish(b.NewMessage(T("audio", "stats"), nil, true))
	got := drainPayloads(t, c.Subscribe(T("audio", "+")), 1)
	if got[0] != "running" {
		t.Fatalf("after clear got %v", got)
	}
}

func TestRequestWait(t *testing.T) {
	b := NewBus(8)
	client := b.NewConnection("client")
	svc := b.NewConnection("audio")

	reqTopic := T("audio", "control", "set_mute")
	sub := svc.Subscribe(reqTopic)
	defer svc.Unsubscribe(sub)
	go func() {
		if m, ok := <-sub.Channel(); ok {
			svc.Reply(m, "ok", false)
		}
	}()

	req := b.NewMessage(reqTopic, true, false)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	rep, err := client.RequestWait(ctx, req)
	if err != nil {
		t.Fatalf("RequestWait: %v", err)
	}
	if rep.Payload != "ok" || len(req.ReplyTo) == 0 || rep.Topic.String() != req.ReplyTo.String() {
		t.Fatalf("reply %#v on %s, request ReplyTo %s", rep.Payload, rep.Topic, req.ReplyTo)
	}

	// Nobody answers this one.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if _, err := client.RequestWait(ctx2, b.NewMessage(T("audio", "control", "noop"), nil, false)); err == nil {
		t.Fatal("expected timeout")
	}
}

func TestRequestManualSubscription(t *testing.T) {
	b := NewBus(8)
	client := b.NewConnection("client")
	svc := b.NewConnection("audio")

	reqTopic := T("audio", "stats", "get")
	sub := svc.Subscribe(reqTopic)
	defer svc.Unsubscribe(sub)

	replies := client.Request(b.NewMessage(reqTopic, nil, false))
	defer client.Unsubscribe(replies)
	go func() {
		if m, ok := <-sub.Channel(); ok {
			svc.Reply(m, map[string]any{"underruns": 42}, false)
		}
	}()

	select {
	case got := <-replies.Channel():
		if m, ok := got.Payload.(map[string]any); !ok || m["underruns"] != 42 {
			t.Fatalf("reply = %#v", got.Payload)
		}
	case <-time.After(300 * time.Millisecond):
		t.Fatal("timeout waiting for reply")
	}
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

func expectOneOf(t *testing.T, sub *Subscription, want string) {
	t.Helper()
	select {
	case got := <-sub.Channel():
		if s, ok := got.Payload.(string); !ok || s != want {
			t.Fatalf("payload %v, want %q", got.Payload, want)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timeout waiting for %q", want)
	}
}

func expectNoMessage(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case got := <-sub.Channel():
		t.Fatalf("unexpected message on %s: %#v", got.Topic, got.Payload)
	case <-time.After(60 * time.Millisecond):
	}
}

func drainPayloads(t *testing.T, sub *Subscription, n int) []string {
	t.Helper()
	var out []string
	deadline := time.After(300 * time.Millisecond)
	for len(out) < n {
		select {
		case m := <-sub.Channel():
			s, ok := m.Payload.(string)
			if !ok {
				t.Fatalf("non-string payload %#v", m.Payload)
			}
			out = append(out, s)
		case <-deadline:
			t.Fatalf("got %d of %d messages: %v", len(out), n, out)
		}
	}
	return out
}

func TestTopic_InvalidTokenPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for non-comparable token, got none")
		}
	}()

	// []byte is not comparable, so T should panic
	_ = T([]byte{1, 2, 3})
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := NewBus(2)
	c := b.NewConnection("test")
	s := c.Subscribe(T("audio", "stats"))

	for _, p := range []string{"s1", "s2", "s3"} {
		c.Publish(b.NewMessage(T("audio", "stats"), p, false))
	}
	got := drainPayloads(t, s, 2)
	if got[0] != "s2" || got[1] != "s3" {
		t.Fatalf("got %v, want [s2 s3]", got)
	}
}

func TestRetainedReplacedAndUnsubscribeClosed(t *testing.T) {
	b := NewBus(4)
	c := b.NewConnection("test")
	c.Publish(b.NewMessage(T("audio", "state"), "configuring", true))
	c.Publish(b.NewMessage(T("audio", "state"), "running", true))

	s := c.Subscribe(T("audio", "+"))
	expectOneOf(t, s, "running")
	expectNoMessage(t, s)

	c.Unsubscribe(s)
	c.Unsubscribe(s)
	if _, ok := <-s.Channel(); ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestTopicString(t *testing.T) {
	if got := T("audio", "control", "set_mic_gain").String(); got != "audio/control/set_mic_gain" {
		t.Fatalf("String = %q", got)
	}
	if got := T("_reply", "svc", 7).String(); got != "_reply/svc/7" {
		t.Fatalf("String = %q", got)
	}
	base := T("audio")
	a := base.Append("state")
	if len(base) != 1 || a.String() != "audio/state" {
		t.Fatalf("Append mutated base or built %q", a.String())
	}
}

func TestParseTopic(t *testing.T) {
	tp := ParseTopic("audio/control/set_mute")
	if len(tp) != 3 || tp[2] != "set_mute" || tp.String() != "audio/control/set_mute" {
		t.Fatalf("ParseTopic = %#v", tp)
	}
	if !tp.HasPrefix(T("audio", "control")) || tp.HasPrefix(T("audio", "state")) {
		t.Fatal("HasPrefix mismatch")
	}
	if len(ParseTopic("")) != 0 {
		t.Fatal("empty string should give the empty topic")
	}
}
