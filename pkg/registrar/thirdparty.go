package registrar

import (
	"context"
	"log/slog"

	"github.com/sipmesh/scscf/pkg/aor"
)

// LoggingThirdPartyRegistrar is a dev-mode ThirdPartyRegistrar: the actual
// send of a 3rd-party REGISTER goes out over the SIP stack's transaction
// layer, which is out of scope here; this stands in
// when no real AS-invocation transport is wired, the same "usable without
// a real backend" role hss.FakeClient plays for the HSS.
type LoggingThirdPartyRegistrar struct {
	logger *slog.Logger
}

// NewLoggingThirdPartyRegistrar builds a LoggingThirdPartyRegistrar.
func NewLoggingThirdPartyRegistrar(logger *slog.Logger) *LoggingThirdPartyRegistrar {
	return &LoggingThirdPartyRegistrar{logger: logger}
}

func (l *LoggingThirdPartyRegistrar) SendThirdPartyRegister(_ context.Context, asURI, impu, impi string, bindings []aor.Binding) error {
	l.logger.Info("3rd-party REGISTER", "as_uri", asURI, "impu", impu, "impi", impi, "binding_count", len(bindings))
	return nil
}

// RecordingThirdPartyRegistrar is a test double recording every call for
// assertions.
type RecordingThirdPartyRegistrar struct {
	Calls []ThirdPartyCall
}

// ThirdPartyCall records one SendThirdPartyRegister invocation.
type ThirdPartyCall struct {
	ASURI, Impu, Impi string
	Bindings          []aor.Binding
}

func (r *RecordingThirdPartyRegistrar) SendThirdPartyRegister(_ context.Context, asURI, impu, impi string, bindings []aor.Binding) error {
	r.Calls = append(r.Calls, ThirdPartyCall{ASURI: asURI, Impu: impu, Impi: impi, Bindings: bindings})
	return nil
}
