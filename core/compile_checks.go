package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ Registry             = (*ProviderRegistry)(nil)
	_ CredentialStore      = (*MemoryCredentialStore)(nil)
	_ ConsistentReader     = (*MemoryCredentialStore)(nil)
	_ LinkLocker           = (*MemoryLinkLocker)(nil)
	_ OAuthStateStore      = (*MemoryOAuthStateStore)(nil)
	_ RevocationDispatcher = (*InlineRevocationDispatcher)(nil)
	_ MetricsRecorder      = NopMetricsRecorder{}
	_ CalendarLinkService  = (*Service)(nil)

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
