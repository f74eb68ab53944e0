package query

import (
	"github.com/goliatone/go-calendar-links/core"
	gocmd "github.com/goliatone/go-command"
)

var (
	_ gocmd.Querier[LinkStatusMessage, core.LinkStatus]             = (*LinkStatusQuery)(nil)
	_ gocmd.Querier[ListStatusesMessage, []core.LinkStatus]         = (*ListStatusesQuery)(nil)
	_ gocmd.Querier[UnifiedEventsMessage, core.UnifiedEventsResult] = (*UnifiedEventsQuery)(nil)
)
