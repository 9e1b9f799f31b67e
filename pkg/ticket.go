package pkg

import "context"

// TicketBranch contains branch data for passing into the ticket system.
type TicketBranch struct {
	ID         uint64
	Repository string
	Name       string
	Commit     string
}

// TicketStateReq contains request data for reporting a branch state to the ticket.
type TicketStateReq struct {
	Ref    string
	URL    string
	Branch TicketBranch
	State  string
}

// TicketCommentReq contains request data for commenting the ticket.
type TicketCommentReq struct {
	Ref    string
	Branch TicketBranch
	Body   string
}

// TicketSvc describes the interactions with the ticket system.
type TicketSvc interface {
	ReportState(ctx context.Context, req TicketStateReq) error
	Comment(ctx context.Context, req TicketCommentReq) error
}
