package agent

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nsmail/milteragent/config"
	"github.com/nsmail/milteragent/milter"
	"github.com/nsmail/milteragent/report"
)

// macroStages are the per-command stages at which requestedMacros are
// asked for; sendmail/Postfix only hand over macros a milter requested at
// the stage the macro is actually available, so the same name list is
// requested repeatedly across every stage it could plausibly appear in.
var macroStages = []milter.MacroStage{
	milter.StageConnect,
	milter.StageHelo,
	milter.StageMail,
	milter.StageRcpt,
	milter.StageData,
	milter.StageEOH,
}

// Acceptor owns the milter.Server listening loop and the live Config
// snapshot. Reload swaps the snapshot atomically; sessions already in
// flight keep using the snapshot they started with, since newMilter only
// reads the pointer once per connection.
type Acceptor struct {
	cfg        atomic.Pointer[config.Config]
	srv        *milter.Server
	httpClient *http.Client
}

// NewAcceptor builds an Acceptor around cfg. The underlying milter.Server's
// read timeout (the per-frame idle timeout) is fixed at construction time
// from cfg.ClientTimeout; a later Reload changes filters, the safe-list and
// the report sink for new connections, but not this timeout for any session.
func NewAcceptor(cfg *config.Config) *Acceptor {
	a := &Acceptor{httpClient: &http.Client{Timeout: 10 * time.Second}}
	a.cfg.Store(cfg)

	opts := []milter.Option{
		milter.WithDynamicMilter(a.newMilter),
		milter.WithAction(milter.OptAddHeader),
		milter.WithReadTimeout(cfg.ClientTimeout),
	}
	for _, stage := range macroStages {
		opts = append(opts, milter.WithMacroRequest(stage, requestedMacros))
	}
	a.srv = milter.NewServer(opts...)
	return a
}

func (a *Acceptor) newMilter(version uint32, action milter.OptAction, protocol milter.OptProtocol, maxData milter.DataSize) milter.Milter {
	cfg := a.cfg.Load()
	sink := report.New(report.Settings{
		Enabled: cfg.Report.Enabled,
		URL:     cfg.Report.URL,
		Token:   cfg.Report.Token,
	}, cfg.SafeAddresses, a.httpClient, func(format string, args ...any) {
		LogWarning(format, args...)
	})
	return newBackend(cfg, sink)
}

// Serve accepts connections on ln until the Acceptor is shut down, handing
// each one its own goroutine for the life of the session.
func (a *Acceptor) Serve(ln net.Listener) error {
	return a.srv.Serve(ln)
}

// Reload atomically swaps in a new Config snapshot for all connections
// accepted from this point on.
func (a *Acceptor) Reload(cfg *config.Config) {
	a.cfg.Store(cfg)
}

// Shutdown stops accepting new connections and waits for in-flight sessions
// to drain or ctx to expire, whichever comes first.
func (a *Acceptor) Shutdown(ctx context.Context) error {
	return a.srv.Shutdown(ctx)
}
