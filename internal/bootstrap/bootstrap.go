// Package bootstrap provides the session-bootstrap seam spec §9's first
// Open Question calls out as deliberately outside the Broker: a hook the
// HTTP layer may call once after ATTACH to inject starter content into a
// session's workspace, without the Broker itself knowing content injection
// exists.
package bootstrap

import "context"

// Injector injects role-specific starter content into a session's
// workspace once, immediately after ATTACH. The default implementation
// does nothing; a deployment that wants e.g. a role-specific main.py
// pre-populated on first connect supplies its own Injector to
// api.NewServer.
type Injector interface {
	InjectMainFile(ctx context.Context, sessionID int64, role string) error
}

// NoopInjector is the default Injector: it never injects anything.
type NoopInjector struct{}

func (NoopInjector) InjectMainFile(ctx context.Context, sessionID int64, role string) error {
	return nil
}
