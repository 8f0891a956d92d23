package schedule

import (
	"context"
	"fmt"

	"discquiz/internal/quiz"
)

// Request is one of AddSchedule, RemoveSchedule or ListSchedules.
type Request interface {
	isRequest()
}

type AddSchedule struct {
	ChatID   int64
	ThreadID int
	At       quiz.TimeOfDay
}

type RemoveSchedule struct {
	ChatID int64
	At     quiz.TimeOfDay
}

type ListSchedules struct {
	ChatID int64
}

func (AddSchedule) isRequest()    {}
func (RemoveSchedule) isRequest() {}
func (ListSchedules) isRequest()  {}

// Response carries the outcome of a Request. Only the field matching the
// request kind is set.
type Response struct {
	Added   AddResult
	Removed RemoveResult
	Times   []quiz.TimeOfDay
}

// Handle applies req to reg.
func Handle(ctx context.Context, reg Registry, req Request) (Response, error) {
	switch r := req.(type) {
	case AddSchedule:
		res, err := reg.Add(ctx, quiz.Schedule{ChatID: r.ChatID, ThreadID: r.ThreadID, At: r.At})
		return Response{Added: res}, err
	case RemoveSchedule:
		res, err := reg.Remove(ctx, r.ChatID, r.At)
		return Response{Removed: res}, err
	case ListSchedules:
		return Response{Times: reg.List(r.ChatID)}, nil
	default:
		return Response{}, fmt.Errorf("schedule: unsupported request %T", req)
	}
}
