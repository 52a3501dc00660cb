package serverapp

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// Reasons WaitForStop reports for the end of serving.
const (
	stopSignal      = "signal"
	stopServerError = "server_error"
)

// Start serves bulkCreate requests in the background. It requires Init to
// have loaded an entity registry; a server with nothing to write refuses to
// start.
func (a *App) Start() (<-chan error, error) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	if !a.initialized {
		return nil, fmt.Errorf("app is not initialized")
	}
	if a.started {
		return a.serverErrors, nil
	}
	if a.store != nil && len(a.store.Registry().Entities()) == 0 {
		return nil, fmt.Errorf("entity registry %q declares no entities", a.store.Path())
	}

	a.logger.Info("bulk engine ready", a.readiness()...)
	a.serverErrors = startServer(a.cfg, a.logger, a.srv, a.serverAddr)
	a.started = true
	return a.serverErrors, nil
}

// readiness describes the registry and the per-request limits being served.
func (a *App) readiness() []any {
	var names []string
	if a.store != nil {
		for _, ent := range a.store.Registry().Entities() {
			names = append(names, ent.Name)
		}
	}
	attrs := []any{
		slog.Int("entity_count", len(names)),
		slog.Any("entities", names),
	}
	if a.orchestrator != nil {
		limits := a.orchestrator.Limits()
		attrs = append(attrs,
			slog.Int("max_rows", limits.MaxRows),
			slog.Int("max_layers", limits.MaxLayers),
			slog.Int("param_limit", limits.ParamLimit),
		)
	}
	return attrs
}

// WaitForStop blocks until a signal arrives on stop or the server reports on
// serverErrors. A nil serverErrors falls back to the channel Start returned.
func (a *App) WaitForStop(stop <-chan os.Signal, serverErrors <-chan error) (string, error) {
	if serverErrors == nil {
		a.stateMu.Lock()
		serverErrors = a.serverErrors
		a.stateMu.Unlock()
	}
	if stop == nil && serverErrors == nil {
		return "", errors.New("both stop and serverErrors channels are nil")
	}

	// A nil channel never becomes ready, so one select covers every case.
	select {
	case err := <-serverErrors:
		if err == nil {
			err = errors.New("server stopped unexpectedly")
		}
		return stopServerError, fmt.Errorf("bulk server stopped: %w", err)
	case sig := <-stop:
		if a.logger != nil {
			a.logger.Info("received shutdown signal, draining bulk requests", slog.String("signal", sig.String()))
		}
		return stopSignal, nil
	}
}
