package flow

// RetryBlock attaches a Retry controller to the Flow it supervises. When
// added as an item to an enclosing Flow, the controller atom becomes the
// block's entry point and the body's exit atoms become the block's exit
// point; every atom within Body has this controller as its nearest retry
// ancestor.
type RetryBlock struct {
	Controller Retry
	Body       *Flow
}

// NewRetryBlock pairs a Retry controller with the Flow it supervises.
func NewRetryBlock(controller Retry, body *Flow) *RetryBlock {
	return &RetryBlock{Controller: controller, Body: body}
}
