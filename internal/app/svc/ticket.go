package svc

import (
	"context"
	"github.com/beldeveloper/app-cicd/pkg"
	"github.com/beldeveloper/go-errors-context"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ticketReportStateMethod = "/cicd.ticket.Ticket/ReportState"
	ticketCommentMethod     = "/cicd.ticket.Ticket/Comment"
)

// NewTicket creates a new instance of the ticket system client.
func NewTicket(conn grpc.ClientConnInterface) pkg.TicketSvc {
	return Ticket{conn: conn}
}

// Ticket implements a ticket system client, the messages travel as protobuf structs.
type Ticket struct {
	conn grpc.ClientConnInterface
}

func ticketBranchValue(b pkg.TicketBranch) map[string]interface{} {
	return map[string]interface{}{
		"id":         float64(b.ID),
		"repository": b.Repository,
		"name":       b.Name,
		"commit":     b.Commit,
	}
}

// ReportState sends the branch state to the ticket.
func (s Ticket) ReportState(ctx context.Context, req pkg.TicketStateReq) error {
	in, err := structpb.NewStruct(map[string]interface{}{
		"ref":    req.Ref,
		"url":    req.URL,
		"state":  req.State,
		"branch": ticketBranchValue(req.Branch),
	})
	if err != nil {
		return errors.WrapContext(err, errors.Context{Path: "svc.Ticket.ReportState.NewStruct"})
	}
	err = s.conn.Invoke(ctx, ticketReportStateMethod, in, &structpb.Struct{})
	return errors.WrapContext(err, errors.Context{
		Path:   "svc.Ticket.ReportState",
		Params: errors.Params{"ref": req.Ref},
	})
}

// Comment posts the message to the ticket.
func (s Ticket) Comment(ctx context.Context, req pkg.TicketCommentReq) error {
	in, err := structpb.NewStruct(map[string]interface{}{
		"ref":    req.Ref,
		"body":   req.Body,
		"branch": ticketBranchValue(req.Branch),
	})
	if err != nil {
		return errors.WrapContext(err, errors.Context{Path: "svc.Ticket.Comment.NewStruct"})
	}
	err = s.conn.Invoke(ctx, ticketCommentMethod, in, &structpb.Struct{})
	return errors.WrapContext(err, errors.Context{
		Path:   "svc.Ticket.Comment",
		Params: errors.Params{"ref": req.Ref},
	})
}

// NopTicket is used when no ticket system is configured.
type NopTicket struct{}

// ReportState does nothing.
func (NopTicket) ReportState(context.Context, pkg.TicketStateReq) error { return nil }

// Comment does nothing.
func (NopTicket) Comment(context.Context, pkg.TicketCommentReq) error { return nil }
