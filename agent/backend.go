// Package agent wires the milter session callbacks to the filter engine:
// it accumulates one message's headers, body and macros, and on
// end-of-message drives reassemble → normalize → dispatch/rules →
// verdict encoding.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"log"

	"github.com/nsmail/milteragent/config"
	"github.com/nsmail/milteragent/internal/dispatch"
	"github.com/nsmail/milteragent/internal/normalize"
	"github.com/nsmail/milteragent/internal/reassemble"
	"github.com/nsmail/milteragent/internal/rules"
	"github.com/nsmail/milteragent/milter"
	"github.com/nsmail/milteragent/report"
)

// requestedMacros lists every macro this agent asks the MTA for. The flat
// view's macro_<lc-name> keys are populated from exactly these names; a
// macro the MTA sends unrequested is never seen.
var requestedMacros = []milter.MacroName{
	milter.MacroMTAFullyQualifiedDomainName,
	milter.MacroDaemonName,
	milter.MacroIfName,
	milter.MacroIfAddr,
	milter.MacroTlsVersion,
	milter.MacroCipher,
	milter.MacroCipherBits,
	milter.MacroCertSubject,
	milter.MacroCertIssuer,
	milter.MacroQueueId,
	milter.MacroAuthType,
	milter.MacroAuthAuthen,
	milter.MacroAuthSsf,
	milter.MacroAuthAuthor,
	milter.MacroMailMailer,
	milter.MacroMailHost,
	milter.MacroMailAddr,
	milter.MacroRcptMailer,
	milter.MacroRcptHost,
	milter.MacroRcptAddr,
	milter.MacroRFC1413AuthInfo,
	milter.MacroHopCount,
	milter.MacroSenderHostName,
	milter.MacroProtocolUsed,
	milter.MacroMTAPid,
	milter.MacroDateRFC822Origin,
	milter.MacroDateRFC822Current,
	milter.MacroDateANSICCurrent,
	milter.MacroDateSecondsCurrent,
}

func logWarning(format string, v ...any) {
	log.Printf("agent: warning: "+format, v...)
}

// LogWarning is called whenever this package wants to report something
// that is not fatal to the session (a dropped abuse report, a rule error).
// Reassign it to route output elsewhere; do not set it to nil.
var LogWarning = logWarning

// backend implements milter.Milter for one MTA connection. It holds only
// per-message accumulators; the Config snapshot and report sink are fixed
// for the whole connection's lifetime, so a running session never observes
// a config reload mid-message.
type backend struct {
	cfg  *config.Config
	sink *report.Sink

	remoteAddr      string
	headers         *reassemble.HeaderFields
	body            *bytes.Buffer
	remoteHostMacro string
}

var _ milter.Milter = (*backend)(nil)

func newBackend(cfg *config.Config, sink *report.Sink) *backend {
	b := &backend{cfg: cfg, sink: sink}
	b.resetMessage()
	return b
}

func (b *backend) resetMessage() {
	b.headers = reassemble.NewHeaderFields()
	b.body = &bytes.Buffer{}
	b.remoteHostMacro = ""
}

func (b *backend) NewConnection(m milter.Modifier) error {
	b.remoteAddr = ""
	b.resetMessage()
	return nil
}

func (b *backend) Connect(host string, family string, port uint16, addr string, m milter.Modifier) (*milter.Response, error) {
	b.remoteAddr = addr
	return milter.RespContinue, nil
}

func (b *backend) Helo(name string, m milter.Modifier) (*milter.Response, error) {
	return milter.RespContinue, nil
}

func (b *backend) MailFrom(from string, esmtpArgs string, m milter.Modifier) (*milter.Response, error) {
	return milter.RespContinue, nil
}

func (b *backend) RcptTo(rcptTo string, esmtpArgs string, m milter.Modifier) (*milter.Response, error) {
	return milter.RespContinue, nil
}

func (b *backend) Data(m milter.Modifier) (*milter.Response, error) {
	b.remoteHostMacro = m.Get(milter.MacroRFC1413AuthInfo)
	return milter.RespContinue, nil
}

func (b *backend) Header(name string, value string, m milter.Modifier) (*milter.Response, error) {
	b.headers.Add(name, value)
	return milter.RespContinue, nil
}

func (b *backend) Headers(m milter.Modifier) (*milter.Response, error) {
	return milter.RespContinue, nil
}

func (b *backend) BodyChunk(chunk []byte, m milter.Modifier) (*milter.Response, error) {
	b.body.Write(chunk)
	return milter.RespContinue, nil
}

// EndOfMessage is the one place reassembly, normalization and rule
// dispatch run, followed by verdict encoding and, for REJECT/DROP, the
// abuse report.
func (b *backend) EndOfMessage(m milter.Modifier) (*milter.Response, error) {
	defer b.resetMessage()

	macros := make(map[string]string, len(requestedMacros))
	for _, name := range requestedMacros {
		if v, ok := m.GetEx(name); ok {
			macros[name] = v
		}
	}

	view, err := reassemble.Build(b.headers, b.body.Bytes(), macros, b.remoteHostMacro)
	if err != nil {
		LogWarning("reassemble failed, falling back to empty view: %v", err)
		view = reassemble.View{}
	}
	for k, v := range view {
		view[k] = normalize.String(v)
	}

	result, err := dispatch.Evaluate(context.Background(), b.cfg.Filters, view)
	if err != nil {
		LogWarning("filter dispatch failed: %v", err)
		return milter.RespAccept, nil
	}

	return b.encodeVerdict(result, m)
}

// encodeVerdict turns a dispatch result into wire frames. WARN and REJECT
// both precede their terminal response with an informational frame written
// directly through m, since milter.Milter.EndOfMessage can only return one
// terminal [*milter.Response] itself.
func (b *backend) encodeVerdict(result dispatch.Result, m milter.Modifier) (*milter.Response, error) {
	switch result.Action {
	case rules.ActionNone, rules.ActionAccept:
		return milter.RespAccept, nil

	case rules.ActionWarn:
		name := result.Filter.Name
		if err := m.AddHeader("X-MilterAgent", fmt.Sprintf(" Warning: '%s' by MilterAgent", name)); err != nil {
			LogWarning("could not add warning header for filter %q: %v", name, err)
		}
		return milter.RespAccept, nil

	case rules.ActionReject:
		name := result.Filter.Name
		reason := fmt.Sprintf("5.7.1 Rejected: '%s' by MilterAgent", name)
		if err := m.WriteReplyCode(550, reason); err != nil {
			LogWarning("could not send reply code for filter %q: %v", name, err)
		}
		b.report(name)
		return milter.RespReject, nil

	case rules.ActionDrop:
		b.report(result.Filter.Name)
		return milter.RespDiscard, nil

	default:
		return milter.RespAccept, nil
	}
}

func (b *backend) report(evidence string) {
	if b.sink == nil {
		return
	}
	if err := b.sink.Report(context.Background(), b.remoteAddr, evidence, reportNow()); err != nil {
		LogWarning("abuse report failed: %v", err)
	}
}

func (b *backend) Abort(m milter.Modifier) error {
	b.resetMessage()
	return nil
}

func (b *backend) Unknown(cmd string, m milter.Modifier) (*milter.Response, error) {
	return milter.RespContinue, nil
}

func (b *backend) Cleanup(m milter.Modifier) {
}
