package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[ConnectMessage]         = (*ConnectCommand)(nil)
	_ gocmd.Commander[CompleteConsentMessage] = (*CompleteConsentCommand)(nil)
	_ gocmd.Commander[DisconnectMessage]      = (*DisconnectCommand)(nil)
)
