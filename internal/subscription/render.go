package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/pitabwire/formcard/model"
)

// RenderOnce renders a template a single time: it subscribes, waits for the
// first message and unsubscribes. A first message carrying an error report
// fails with a template_error envelope. Teardown failures that mean the
// subscription is already gone are ignored.
func RenderOnce(ctx context.Context, renderer Renderer, req RenderRequest) (any, error) {
	first := make(chan model.TemplateResult, 1)
	unsub, err := renderer.SubscribeTemplate(ctx, req, func(r model.TemplateResult) {
		select {
		case first <- r:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("render %q: %w", req.Template, err)
	}

	var (
		result    model.TemplateResult
		renderErr error
	)
	select {
	case result = <-first:
		if !result.HasResult() {
			renderErr = model.NewHassError(model.HassErrTemplateError, result.Error)
		}
	case <-ctx.Done():
		renderErr = ctx.Err()
	}

	// Tear down even when the caller gave up waiting.
	teardownErr := unsub(context.WithoutCancel(ctx))
	if teardownErr != nil && model.IsTeardownIgnorable(teardownErr) {
		teardownErr = nil
	}
	if renderErr != nil || teardownErr != nil {
		return nil, errors.Join(renderErr, teardownErr)
	}
	return result.Result, nil
}
