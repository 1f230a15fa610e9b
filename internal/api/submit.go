package api

import (
	"context"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/task"
)

type taskRef struct {
	ID task.ID `json:"id"`
}

// Submit sends a request that starts a server task and classifies the
// answer. A lock collision comes back as a Conflict submission, not an error.
func (c *Client) Submit(ctx context.Context, method, path string, in any) task.Submission {
	var out taskRef
	var err error
	switch method {
	case http.MethodPut:
		err = c.Put(ctx, path, in, &out)
	default:
		err = c.Post(ctx, path, in, &out)
	}
	return task.Submit(string(out.ID), err)
}
