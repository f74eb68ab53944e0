package calendarlinks

import (
	"fmt"

	"github.com/goliatone/go-calendar-links/command"
	"github.com/goliatone/go-calendar-links/query"
)

// CommandQueryService is the service surface behind the facade handlers.
type CommandQueryService interface {
	command.MutatingService
	query.StatusReader
	query.EventsReader
}

type Commands struct {
	Connect         *command.ConnectCommand
	CompleteConsent *command.CompleteConsentCommand
	Disconnect      *command.DisconnectCommand
}

type Queries struct {
	LinkStatus    *query.LinkStatusQuery
	ListStatuses  *query.ListStatusesQuery
	UnifiedEvents *query.UnifiedEventsQuery
}

// Facade groups the go-command handlers for one service so hosts can
// register them without knowing every constructor.
type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

func NewFacade(service CommandQueryService) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("calendarlinks: command/query service is required")
	}
	return &Facade{
		service: service,
		commands: Commands{
			Connect:         command.NewConnectCommand(service),
			CompleteConsent: command.NewCompleteConsentCommand(service),
			Disconnect:      command.NewDisconnectCommand(service),
		},
		queries: Queries{
			LinkStatus:    query.NewLinkStatusQuery(service),
			ListStatuses:  query.NewListStatusesQuery(service),
			UnifiedEvents: query.NewUnifiedEventsQuery(service),
		},
	}, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

var _ CommandQueryService = (*Service)(nil)
