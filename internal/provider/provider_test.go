package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/example/notification-outbox/internal/channel"
	"github.com/example/notification-outbox/internal/entity"
	"github.com/example/notification-outbox/internal/identity"
)

func TestRegistryResolve(t *testing.T) {
	reg := NewDefaultRegistry(Deps{Logger: zerolog.Nop()})

	if _, err := reg.Resolve("carrier-pigeon", nil, channel.Mail); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
	if _, err := reg.Resolve("twilio", nil, channel.Mail); !errors.Is(err, ErrUnsupportedChannel) {
		t.Fatalf("expected ErrUnsupportedChannel, got %v", err)
	}
	p, err := reg.Resolve("log", nil, channel.Push)
	if err != nil || p.Name() != "log" {
		t.Fatalf("Resolve(log)=%v, %v", p, err)
	}
	want := []string{"fcm", "kafka", "log", "sendgrid", "ses", "slack", "smtp", "twilio"}
	if got := reg.Names(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("Names()=%v", got)
	}
}

func TestSettings(t *testing.T) {
	s := Settings{"port": float64(2525), "host": "", "n": "7"}
	if got := s.Int("port", 0); got != 2525 {
		t.Fatalf("Int(port)=%d", got)
	}
	if got := s.Int("n", 0); got != 7 {
		t.Fatalf("Int(n)=%d", got)
	}
	if got := s.String("host", "localhost"); got != "localhost" {
		t.Fatalf("String(host)=%s", got)
	}
}

func TestSendGridSend(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/mail/send" || r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("X-Message-Id", "sg-1")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := &SendGridProvider{Endpoint: srv.URL, APIKey: "key", FromEmail: "default@x.com", Client: srv.Client()}
	res, err := p.Send(context.Background(), Message{
		To:       "u@x.com",
		Data:     map[string]any{"subject": "hi", "body": "hello"},
		Identity: &identity.Identity{FromEmail: identity.String("ops@x.com"), ReplyToEmail: identity.String("help@x.com")},
	})
	if err != nil || !res.Success || res.ExternalID != "sg-1" {
		t.Fatalf("Send()=%+v, %v", res, err)
	}
	from := got["from"].(map[string]any)
	if from["email"] != "ops@x.com" {
		t.Fatalf("identity from not applied: %v", from)
	}
	if got["reply_to"].(map[string]any)["email"] != "help@x.com" {
		t.Fatalf("reply_to not applied: %v", got["reply_to"])
	}
}

func TestHTTPErrorClassification(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()
	p := &SESProvider{Endpoint: srv.URL, APIKey: "k", FromEmail: "a@x.com", Client: srv.Client()}

	_, err := p.Send(context.Background(), Message{To: "u@x.com"})
	var perm *backoff.PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("4xx should be permanent, got %v", err)
	}

	status = http.StatusServiceUnavailable
	_, err = p.Send(context.Background(), Message{To: "u@x.com"})
	if err == nil || errors.As(err, &perm) {
		t.Fatalf("5xx should be transient, got %v", err)
	}
}

func TestTwilioSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC1" || pass != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/2010-04-01/Accounts/AC1/Messages.json" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = r.ParseForm()
		if r.Form.Get("From") != "+15550001" || r.Form.Get("To") != "+15559999" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"sid":"SM123"}`))
	}))
	defer srv.Close()

	p := &TwilioProvider{Endpoint: srv.URL, AccountSID: "AC1", AuthToken: "tok", From: "+15550000", Client: srv.Client()}
	res, err := p.Send(context.Background(), Message{
		To:       "+15559999",
		Data:     map[string]any{"body": "code 1234"},
		Identity: &identity.Identity{FromPhone: identity.String("+15550001")},
	})
	if err != nil || res.ExternalID != "SM123" {
		t.Fatalf("Send()=%+v, %v", res, err)
	}
}

func TestFCMReportsDeliveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":0,"failure":1,"results":[{"error":"NotRegistered"}]}`))
	}))
	defer srv.Close()

	p := &FCMProvider{Endpoint: srv.URL, ServerKey: "k", Client: srv.Client()}
	res, err := p.Send(context.Background(), Message{To: "token"})
	if err != nil || res.Success || res.Message != "NotRegistered" {
		t.Fatalf("Send()=%+v, %v", res, err)
	}
}

func TestSlackPrefersRoutedWebhook(t *testing.T) {
	var hits []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, r.URL.Path)
	}))
	defer srv.Close()

	p := &SlackProvider{WebhookURL: srv.URL + "/default", Client: srv.Client()}
	if _, err := p.Send(context.Background(), Message{To: srv.URL + "/routed", Data: map[string]any{"text": "hi"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := p.Send(context.Background(), Message{Data: map[string]any{"text": "hi"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(hits) != 2 || hits[0] != "/routed" || hits[1] != "/default" {
		t.Fatalf("hits=%v", hits)
	}
}

type smtpDelivery struct {
	from string
	to   string
	raw  string
}

// startSMTPServer accepts one session speaking just enough SMTP for a
// plain-text delivery and reports what it received.
func startSMTPServer(t *testing.T) (host string, port int, got <-chan smtpDelivery) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	out := make(chan smtpDelivery, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tp := textproto.NewConn(conn)
		var d smtpDelivery
		_ = tp.PrintfLine("220 test ESMTP")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			cmd := strings.ToUpper(line)
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				_ = tp.PrintfLine("250 test")
			case strings.HasPrefix(cmd, "MAIL FROM:"):
				d.from = strings.Trim(line[len("MAIL FROM:"):], "<> ")
				_ = tp.PrintfLine("250 OK")
			case strings.HasPrefix(cmd, "RCPT TO:"):
				d.to = strings.Trim(line[len("RCPT TO:"):], "<> ")
				_ = tp.PrintfLine("250 OK")
			case cmd == "DATA":
				_ = tp.PrintfLine("354 go ahead")
				body, err := tp.ReadDotBytes()
				if err != nil {
					return
				}
				d.raw = string(body)
				_ = tp.PrintfLine("250 queued")
			case cmd == "QUIT":
				_ = tp.PrintfLine("221 bye")
				out <- d
				return
			default:
				_ = tp.PrintfLine("502 unsupported")
			}
		}
	}()

	h, p, _ := net.SplitHostPort(ln.Addr().String())
	port, _ = strconv.Atoi(p)
	return h, port, out
}

func TestSMTPBuildsMessageWithIdentity(t *testing.T) {
	host, port, got := startSMTPServer(t)
	p := &SMTPProvider{Host: host, Port: port, FromEmail: "default@x.com", FromName: "Default"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := p.Send(ctx, Message{
		ID:   "abc",
		To:   "u@x.com",
		Data: map[string]any{"subject": "Funding complete", "body": "Your funds arrived."},
		Identity: &identity.Identity{
			FromName:     identity.String("Acme"),
			FromEmail:    identity.String("billing@acme.com"),
			ReplyToEmail: identity.String("support@acme.com"),
		},
	})
	if err != nil || !res.Success {
		t.Fatalf("Send()=%+v, %v", res, err)
	}

	var d smtpDelivery
	select {
	case d = <-got:
	case <-time.After(5 * time.Second):
		t.Fatalf("server saw no complete session")
	}
	if d.from != "billing@acme.com" || d.to != "u@x.com" {
		t.Fatalf("envelope from=%s to=%s", d.from, d.to)
	}
	for _, want := range []string{"Acme", "<billing@acme.com>", "Reply-To: <support@acme.com>", "Subject: Funding complete", "Your funds arrived."} {
		if !strings.Contains(d.raw, want) {
			t.Fatalf("message missing %q:\n%s", want, d.raw)
		}
	}
}

func TestSMTPGivesUpOnSilentServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	closed := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Never greet; a read returns once the client hangs up.
		buf := make([]byte, 64)
		for {
			if _, err := conn.Read(buf); err != nil {
				close(closed)
				return
			}
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	p := &SMTPProvider{Host: host, Port: port, FromEmail: "noreply@x.com"}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = p.Send(ctx, Message{ID: "m1", To: "u@x.com", Data: map[string]any{"body": "hi"}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("send not bounded by context, took %s", elapsed)
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("connection left open after timeout")
	}
}

type recordingWriter struct {
	msgs []kafka.Message
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func TestKafkaProviderPublishesToChannelTopic(t *testing.T) {
	w := &recordingWriter{}
	var topics []string
	reg := NewDefaultRegistry(Deps{KafkaWriter: func(topic string) MessageWriter {
		topics = append(topics, topic)
		return w
	}})

	p, err := reg.Resolve("kafka", nil, channel.SMS)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	msg := Message{ID: "m1", Channel: channel.SMS, Notifiable: entity.Ref{Type: "user", ID: "7"}, To: "+1555"}
	if _, err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(topics) != 1 || topics[0] != "dispatch.sms" {
		t.Fatalf("topics=%v", topics)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "user:7:m1" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}
}

func TestKafkaUnavailableWithoutBrokers(t *testing.T) {
	reg := NewDefaultRegistry(Deps{})
	p, err := reg.Resolve("kafka", nil, channel.Mail)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Available() {
		t.Fatalf("kafka provider should be unavailable without a writer")
	}
}
