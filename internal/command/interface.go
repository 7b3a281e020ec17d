package command

import (
	"context"

	"github.com/mattjoyce/palaver/internal/convo"
)

//go:generate mockgen -destination=mocks/mock_command.go -package=mocks github.com/mattjoyce/palaver/internal/command Submitter,Recorder

// Submission is a new turn handed back to the conversation pipeline by the
// reply loop.
type Submission struct {
	Text string
	// Force submits even when the input would otherwise be rejected (empty,
	// or while a turn is in flight).
	Force bool
	// Internal keeps the resulting turn out of user-visible history.
	Internal bool
	// Prev is the finished turn the submission continues from.
	Prev *convo.Turn
}

// Submitter re-enters the conversation pipeline.
type Submitter interface {
	Submit(ctx context.Context, sub Submission) error
}

// Recorder persists finished passes.
type Recorder interface {
	RecordPass(ctx context.Context, p *Pass) error
}
